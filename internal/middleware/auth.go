package middleware

import (
	"errors"
	"net/http"
	"time"

	"dianping/internal/auth"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// HeaderAuthorization 登录 token 所在请求头。
const HeaderAuthorization = "authorization"

// Auth 校验登录 token，成功后把用户写入 request context 并刷新 token 有效期。
func Auth(rdb rd.Cmdable, ttl time.Duration, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := auth.LoadUser(c.Request.Context(), rdb, c.GetHeader(HeaderAuthorization), ttl)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				log.Warnf("[Auth] load user failed: %v", err)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "未登录"})
			return
		}
		c.Request = c.Request.WithContext(auth.WithUser(c.Request.Context(), u))
		c.Next()
	}
}

// AdminToken 管理接口的简单令牌校验（demo 级别保护）。
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		c.Next()
	}
}
