package rediscache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// incrWindow увеличивает счетчик окна и ставит TTL только при создании ключа,
// чтобы поздние запросы не продлевали окно.
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// CarrierLimiter считает запросы к перевозчикам в окнах фиксированной ширины.
// Счетчик окна лежит в redis и общий для всех воркеров.
type CarrierLimiter struct {
	r      *RedisCache
	window time.Duration
	now    func() time.Time
}

type LimiterOption func(*CarrierLimiter)

// WithWindow задает ширину окна, по умолчанию минута.
func WithWindow(d time.Duration) LimiterOption {
	return func(l *CarrierLimiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func withClock(now func() time.Time) LimiterOption {
	return func(l *CarrierLimiter) { l.now = now }
}

func NewCarrierLimiter(r *RedisCache, opts ...LimiterOption) *CarrierLimiter {
	l := &CarrierLimiter{r: r, window: time.Minute, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Key is the counter of the window that contains at.
func (l *CarrierLimiter) Key(carrier string, at time.Time) string {
	start := at.UTC().Truncate(l.window)
	return fmt.Sprintf("rl:carrier:%s:%d", strings.ToUpper(carrier), start.Unix())
}

// Allow засчитывает один запрос к carrier и сообщает, укладывается ли он в limit.
// limit <= 0 отключает ограничение.
func (l *CarrierLimiter) Allow(ctx context.Context, carrier string, limit int64) (bool, int64, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	now := l.now()
	// ключ живет до конца окна плюс секунда на расхождение часов
	ttl := now.UTC().Truncate(l.window).Add(l.window).Sub(now.UTC()) + time.Second

	n, err := incrWindow.Run(ctx, l.r.c, []string{l.Key(carrier, now)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, 0, errors.Wrapf(err, "rate limit %s", carrier)
	}
	return n <= limit, n, nil
}

func (l *CarrierLimiter) Close() error {
	return l.r.Close()
}
