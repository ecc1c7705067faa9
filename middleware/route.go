package middleware

import (
	midsec "PPChat/middleware/security"

	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	IsAuth   bool // 解析令牌写入 context
	Required bool // 缺少令牌直接拒绝
}

func authChain(opt RouteOpt, handler gin.HandlerFunc) []gin.HandlerFunc {
	if !opt.IsAuth {
		return []gin.HandlerFunc{handler}
	}
	o := midsec.DefaultOptions()
	o.Required = opt.Required
	return []gin.HandlerFunc{midsec.Middleware(o), handler}
}

// 封装 GET
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, authChain(opt, handler)...)
}
