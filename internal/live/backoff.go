package live

import (
	"math/rand"
	"sync"
	"time"
)

type Rand interface {
	Int63n(n int64) int64
}

// lockedRand делает *rand.Rand безопасным для конкурентного использования.
type lockedRand struct {
	mu sync.Mutex
	r  Rand
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int63n(n)
}

func newRand(r Rand) Rand {
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &lockedRand{r: r}
}

// backoffDelay is exponential backoff with full jitter: random in [0, min(max, base*2^(attempt-1))].
// attempt is 1-based.
func backoffDelay(attempt int, base, max time.Duration, r Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	return time.Duration(r.Int63n(int64(delay) + 1))
}
