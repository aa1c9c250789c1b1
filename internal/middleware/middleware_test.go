package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dianping/internal/auth"
	rediskey "dianping/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func whoami(c *gin.Context) {
	u, _ := auth.UserFrom(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": u.ID})
}

func TestAuth(t *testing.T) {
	_, rdb := newRedis(t)
	require.NoError(t, auth.SaveUser(context.Background(), rdb, "good", auth.UserDTO{ID: 5}, time.Minute))

	r := gin.New()
	r.GET("/me", Auth(rdb, time.Hour, quietLogger()), whoami)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "valid token", token: "good", status: http.StatusOK},
		{name: "unknown token", token: "bad", status: http.StatusUnauthorized},
		{name: "no token", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.token != "" {
				req.Header.Set(HeaderAuthorization, tt.token)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestAdminToken(t *testing.T) {
	r := gin.New()
	r.POST("/admin", AdminToken("secret"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodPost, "/admin", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin", nil)
	req.Header.Set("X-Admin-Token", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRedisRateLimit_PerUser(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	require.NoError(t, auth.SaveUser(ctx, rdb, "u1", auth.UserDTO{ID: 1}, time.Minute))
	require.NoError(t, auth.SaveUser(ctx, rdb, "u2", auth.UserDTO{ID: 2}, time.Minute))

	log := quietLogger()
	r := gin.New()
	r.POST("/buy", Auth(rdb, time.Minute, log), RedisRateLimit(rdb, rediskey.LoadScripts(), 2, time.Minute, log), whoami)

	do := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/buy", nil)
		req.Header.Set(HeaderAuthorization, token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("u1"))
	assert.Equal(t, http.StatusOK, do("u1"))
	assert.Equal(t, http.StatusTooManyRequests, do("u1"))
	// 不同用户各自计数
	assert.Equal(t, http.StatusOK, do("u2"))
}

func TestRedisRateLimit_FailsOpen(t *testing.T) {
	mr, rdb := newRedis(t)
	r := gin.New()
	r.GET("/x", RedisRateLimit(rdb, rediskey.LoadScripts(), 1, time.Second, quietLogger()), whoami)
	mr.Close()

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
