package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/M3-K0/marketplace-monitor/internal/api/auth"
)

// 上下文键。
const (
	ContextSubject = "subject"
	ContextScope   = "scope"
)

// AuthMiddleware 校验 Bearer Token 并将 subject/scope 写入上下文。
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			c.Abort()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			c.Abort()
			return
		}

		claims, err := auth.ParseToken(jwtSecret, strings.TrimSpace(parts[1]))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextScope, claims.Scope)
		c.Next()
	}
}

// WriteGuard 拒绝 viewer Token 的写请求。未经过鉴权的请求直接放行。
func WriteGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		scope, ok := c.Get(ContextScope)
		if ok && scope != auth.ScopeAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "read-only token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
