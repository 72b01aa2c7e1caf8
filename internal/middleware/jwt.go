package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDKey 与 matchmaker.UserIDKey 保持一致
const UserIDKey = "userID"

var errNoToken = errors.New("missing bearer token")

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// 浏览器的 websocket 无法带 header
	return c.Query("token")
}

// ParseUserID 校验 HS256 token 并返回 sub
func ParseUserID(secret []byte, raw string) (string, error) {
	if raw == "" {
		return "", errNoToken
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// JwtAuthMiddleware 拒绝未认证请求（401），不触碰任何存储
func JwtAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := ParseUserID(secret, bearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(UserIDKey, sub)
		c.Next()
	}
}

// OptionalJwtAuth 有合法 token 时写入用户标识，否则匿名放行
func OptionalJwtAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sub, err := ParseUserID(secret, bearerToken(c)); err == nil {
			c.Set(UserIDKey, sub)
		}
		c.Next()
	}
}
