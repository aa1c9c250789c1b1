// Package auth 登录态：token → Redis hash 中的用户信息，挂到请求 context 上。
package auth

import (
	"context"
	"time"

	rediskey "dianping/pkg/redis"

	"github.com/pkg/errors"
	rd "github.com/redis/go-redis/v9"
)

// ErrUnauthorized token 缺失或已过期。
var ErrUnauthorized = errors.New("auth: unauthorized")

// UserDTO 登录用户的最小信息，对应 login:token:<token> 的 hash 字段。
type UserDTO struct {
	ID       int64  `redis:"id" json:"id"`
	NickName string `redis:"nickName" json:"nickName"`
	Icon     string `redis:"icon" json:"icon"`
}

type ctxKey struct{}

// WithUser 把当前用户放进 context，取代线程本地变量。
func WithUser(ctx context.Context, u UserDTO) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

func UserFrom(ctx context.Context) (UserDTO, bool) {
	u, ok := ctx.Value(ctxKey{}).(UserDTO)
	return u, ok && u.ID > 0
}

// LoadUser 读取 token 对应的用户并刷新有效期。
func LoadUser(ctx context.Context, rdb rd.Cmdable, token string, ttl time.Duration) (UserDTO, error) {
	if token == "" {
		return UserDTO{}, ErrUnauthorized
	}
	key := rediskey.LoginTokenKey(token)
	res := rdb.HGetAll(ctx, key)
	if err := res.Err(); err != nil {
		return UserDTO{}, errors.Wrap(err, "load login token")
	}
	if len(res.Val()) == 0 {
		return UserDTO{}, ErrUnauthorized
	}

	var u UserDTO
	if err := res.Scan(&u); err != nil {
		return UserDTO{}, errors.Wrap(err, "decode login token")
	}
	if u.ID <= 0 {
		return UserDTO{}, ErrUnauthorized
	}
	if err := rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return UserDTO{}, errors.Wrap(err, "refresh login token")
	}
	return u, nil
}

// SaveUser 写入登录态。登录流程本身不在本服务内，压测工具和测试直接调用它。
func SaveUser(ctx context.Context, rdb rd.Cmdable, token string, u UserDTO, ttl time.Duration) error {
	key := rediskey.LoginTokenKey(token)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key, "id", u.ID, "nickName", u.NickName, "icon", u.Icon)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "save login token")
}
