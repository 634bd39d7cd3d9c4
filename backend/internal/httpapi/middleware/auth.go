package middleware

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// PasswordMiddleware guards the local API with a shared password stored as a
// bcrypt hash. An empty hash disables the check.
func PasswordMiddleware(passwordHash string) gin.HandlerFunc {
	if passwordHash == "" {
		return func(c *gin.Context) { c.Next() }
	}
	hash := []byte(passwordHash)
	// bcrypt 很慢，验证通过的口令记住摘要
	var verified sync.Map

	return func(c *gin.Context) {
		// 1. 从 Authorization 头中提取口令
		token := extractBearer(c.Request.Header.Get("Authorization"))
		if token == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		sum := sha256.Sum256([]byte(token))
		if _, ok := verified.Load(sum); !ok {
			if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "UNAUTHENTICATED",
					"message": "invalid password",
				})
				return
			}
			verified.Store(sum, struct{}{})
		}
		c.Next()
	}
}

// HashPassword is what `sync_client hash-password` prints for the config file.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
