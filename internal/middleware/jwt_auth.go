package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailmeta/backend/internal/auth/jwt"
)

const (
	// ContextKeyService 上下文中的调用方服务名
	ContextKeyService = "service"
	// ContextKeyScopes 上下文中的权限范围
	ContextKeyScopes = "scopes"
)

// JWTAuth 服务令牌认证中间件
//
// manager 为 nil 时认证关闭，所有请求直接放行。
type JWTAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewJWTAuth 创建认证中间件
func NewJWTAuth(jwtManager *jwt.Manager, log *zap.Logger) *JWTAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWTAuth{
		jwtManager: jwtManager,
		log:        log,
	}
}

// Authenticate 校验令牌并把调用方信息写入上下文
func (ja *JWTAuth) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ja.jwtManager == nil {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, "需要服务令牌")
			return
		}

		claims, err := ja.jwtManager.ValidateToken(token)
		if err != nil {
			ja.log.Warn("invalid token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			msg := "无效的服务令牌"
			if errors.Is(err, jwt.ErrExpiredToken) {
				msg = "服务令牌已过期"
			}
			abort(c, http.StatusUnauthorized, msg)
			return
		}

		c.Set(ContextKeyService, claims.Service)
		c.Set(ContextKeyScopes, claims)
		c.Next()
	}
}

// RequireScope 要求令牌包含给定权限范围，需在 Authenticate 之后使用
func (ja *JWTAuth) RequireScope(scope jwt.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ja.jwtManager == nil {
			c.Next()
			return
		}

		v, ok := c.Get(ContextKeyScopes)
		claims, _ := v.(*jwt.Claims)
		if !ok || claims == nil || !claims.HasScope(scope) {
			ja.log.Warn("scope denied",
				zap.String("service", c.GetString(ContextKeyService)),
				zap.String("scope", string(scope)),
			)
			abort(c, http.StatusForbidden, "权限不足")
			return
		}
		c.Next()
	}
}

// extractToken 从 Authorization 头提取 Bearer 令牌
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  msg,
	})
}
