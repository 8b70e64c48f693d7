package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const callerKey = "caller_id"

// OptionalAuth 解析可选的 Bearer JWT，sub 作为调用方用户 id。
// 没有 Authorization 头时按访客处理；带了但无效时返回 401，
// 避免登录用户因为 token 过期被静默当成访客下单。
// secret 为空表示未启用登录体系，所有请求都是访客。
func OptionalAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" || secret == "" {
			c.Next()
			return
		}

		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			unauthorized(c)
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid || claims.Subject == "" {
			unauthorized(c)
			return
		}

		c.Set(callerKey, claims.Subject)
		c.Next()
	}
}

// CallerID 返回已认证的用户 id，访客为空串。
func CallerID(c *gin.Context) string {
	return c.GetString(callerKey)
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code": 401,
		"msg":  "invalid bearer token",
	})
}
