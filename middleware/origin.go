package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginChecker 白名单为空时放行全部；"*" 同样放行。
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[strings.ToLower(strings.TrimRight(a, "/"))] = struct{}{}
	}
	_, all := set["*"]
	return func(r *http.Request) bool {
		if len(set) == 0 || all {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// 非浏览器客户端
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// Origin websocket 升级前的来源校验
func Origin(path string, allowed []string) gin.HandlerFunc {
	check := OriginChecker(allowed)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet && c.Request.URL.Path == path && !check(c.Request) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
