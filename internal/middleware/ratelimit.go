package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"dianping/internal/auth"
	rediskey "dianping/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisRateLimit Redis 滑动窗口限流（Lua 原子操作）。
// 已登录按用户限流，否则降级为按 IP；Redis 出错时放行。
func RedisRateLimit(rdb rd.Scripter, scripts *rediskey.Scripts, limit int, window time.Duration, log *logrus.Logger) gin.HandlerFunc {
	windowSec := int64(window.Seconds())
	if windowSec <= 0 {
		windowSec = 1
	}
	return func(c *gin.Context) {
		subject := "ip:" + c.ClientIP()
		if u, ok := auth.UserFrom(c.Request.Context()); ok {
			subject = "user:" + strconv.FormatInt(u.ID, 10)
		}

		now := time.Now()
		member := fmt.Sprintf("%d-%d", now.Unix(), now.UnixNano())
		res, err := scripts.Run(c.Request.Context(), rdb, rediskey.ScriptRateLimit,
			[]string{rediskey.RateLimitKey(subject)},
			now.Unix(), now.Unix()-windowSec, windowSec, member, limit).Int()
		if err != nil {
			log.Warnf("[RateLimit] %s: %v, let it pass", subject, err)
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next()
	}
}
