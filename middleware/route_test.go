package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	midsec "PPChat/middleware/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestGETAuthChain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	echo := func(c *gin.Context) { c.String(http.StatusOK, c.GetString(midsec.PPCtxAuthKey)) }
	GET(r, "/open", echo, RouteOpt{})
	GET(r, "/optional", echo, RouteOpt{IsAuth: true})
	GET(r, "/required", echo, RouteOpt{IsAuth: true, Required: true})

	do := func(path string, hdr map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	// 不挂认证时不解析令牌
	w := do("/open?token=abc", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = do("/optional", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do("/optional?token=abc", nil)
	assert.Equal(t, "abc", w.Body.String())

	w = do("/required", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do("/required", map[string]string{"Authorization": "Bearer xyz"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "xyz", w.Body.String())
}
