package authorization

import (
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

// Guard 把 JWT 中间件包装成路由级的鉴权辅助,其他模块只依赖它。
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// NewGuard wraps the JWT middleware. A nil middleware yields a nil
// guard, which fails closed in RequireAuthenticated.
func NewGuard(jwtMiddleware *jwt.GinJWTMiddleware) *Guard {
	if jwtMiddleware == nil {
		return nil
	}
	return &Guard{jwt: jwtMiddleware}
}

// Guard 返回模块共享的守卫实例。
func (m *Module) Guard() *Guard {
	if m == nil {
		return nil
	}
	return NewGuard(m.jwtMiddleware)
}

// RequireAuthenticated 要求请求携带有效的 JWT。
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// RequireAnyRole 放行至少持有其中一个角色的请求。无角色参数时等同放行。
// 未认证返回 401,已认证但角色不足返回 403。
func (g *Guard) RequireAnyRole(roles ...string) gin.HandlerFunc {
	wanted := make(map[string]struct{}, len(roles))
	labels := make([]string, 0, len(roles))
	for _, role := range roles {
		trimmed := strings.TrimSpace(role)
		if trimmed == "" {
			continue
		}
		wanted[strings.ToLower(trimmed)] = struct{}{}
		labels = append(labels, trimmed)
	}

	if len(wanted) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		if len(claims) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		for _, held := range extractRoles(claims) {
			if _, ok := wanted[strings.ToLower(strings.TrimSpace(held))]; ok {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": missingRoleMessage(labels)})
	}
}

// RequireRole 限定请求必须拥有给定角色。
func (g *Guard) RequireRole(role string) gin.HandlerFunc {
	return g.RequireAnyRole(role)
}

func missingRoleMessage(labels []string) string {
	switch len(labels) {
	case 0:
		return "insufficient privileges"
	case 1:
		return fmt.Sprintf("%s role required", labels[0])
	default:
		return fmt.Sprintf("one of [%s] roles required", strings.Join(labels, ", "))
	}
}
