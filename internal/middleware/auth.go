// JWT认证中间件
// 校验Bearer令牌并把租户身份写入请求上下文
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// 请求上下文键
const (
	ContextTenantID = "tenant_id"
	ContextSubject  = "subject"
)

// TenantClaims 访问令牌载荷
type TenantClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// AuthMiddleware JWT认证中间件
type AuthMiddleware struct {
	secret []byte
	logger *zap.Logger
}

// NewAuthMiddleware 创建认证中间件实例
func NewAuthMiddleware(secret string, logger *zap.Logger) *AuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{secret: []byte(secret), logger: logger}
}

// JWTAuth JWT认证中间件函数
// 校验通过后把tenant_id与subject放进gin上下文
func (am *AuthMiddleware) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			am.logger.Warn("缺少授权头",
				zap.String("path", c.Request.URL.Path),
				zap.String("remote_addr", c.ClientIP()))

			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "MISSING_AUTH_HEADER",
				"message": "缺少授权头",
			})
			c.Abort()
			return
		}

		claims, err := am.validateBearer(authHeader)
		if err != nil {
			am.logger.Warn("JWT校验失败",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
				zap.String("remote_addr", c.ClientIP()))

			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_TOKEN",
				"message": "无效的访问令牌",
			})
			c.Abort()
			return
		}

		c.Set(ContextTenantID, claims.TenantID)
		c.Set(ContextSubject, claims.Subject)

		am.logger.Debug("JWT认证通过",
			zap.String("tenant_id", claims.TenantID),
			zap.String("subject", claims.Subject))

		c.Next()
	}
}

// validateBearer 解析并校验Bearer令牌
func (am *AuthMiddleware) validateBearer(authHeader string) (*TenantClaims, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return nil, errors.New("授权头不是Bearer格式")
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))

	claims := &TenantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("不支持的签名算法: %v", t.Header["alg"])
		}
		return am.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("令牌无效")
	}
	if claims.TenantID == "" {
		return nil, errors.New("令牌缺少tenant_id")
	}
	return claims, nil
}
