package distlock

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payrail/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("distlock",
	fx.Provide(FromAppConfig),
)

// FromAppConfig builds a Locker from the redis settings; without a
// redis address the Locker is nil and locking is skipped.
func FromAppConfig(cfg config.Config) *Locker {
	if cfg.RedisAddr == "" {
		return nil
	}
	return NewLocker(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}))
}
