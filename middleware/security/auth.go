package security

import (
	"net/http"
	"strings"

	"PPChat/tools/errs"

	"github.com/gin-gonic/gin"
)

// context key
const (
	PPCtxAuthKey     = "authorization"     // string
	PPCtxAuthHashKey = "authorizationHash" // string
)

type Options struct {
	HeaderToken               string // 默认 "authorization"
	HeaderHash                string // 默认 "authorizationHash"
	QueryToken                string // 浏览器 websocket 无法带自定义头，默认 "token"
	EnableAuthorizationBearer bool   // 默认 true

	// Required 为 true 时缺少令牌直接 401
	Required bool
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:               PPCtxAuthKey,
		HeaderHash:                PPCtxAuthHashKey,
		QueryToken:                "token",
		EnableAuthorizationBearer: true,
	}
}

// TokenFromRequest 依次从自定义头、Authorization: Bearer、查询参数取令牌
func TokenFromRequest(r *http.Request, opts *Options) string {
	if opts == nil {
		opts = DefaultOptions()
	}
	if token := strings.TrimSpace(r.Header.Get(opts.HeaderToken)); token != "" {
		return token
	}
	if opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				return strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	if opts.QueryToken != "" {
		return strings.TrimSpace(r.URL.Query().Get(opts.QueryToken))
	}
	return ""
}

func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request, opts)
		if token != "" {
			c.Set(PPCtxAuthKey, token)
		}
		if hash := strings.TrimSpace(c.GetHeader(opts.HeaderHash)); hash != "" {
			c.Set(PPCtxAuthHashKey, hash)
		}
		if token == "" && opts.Required {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    errs.WireCode(errs.Unauthenticated),
				"message": "missing token",
			})
			return
		}
		c.Next()
	}
}
