package poller

import (
	"math/rand"
	"time"

	"github.com/BearBump/ordertrack/internal/models"
)

type Rand interface {
	Intn(n int) int
}

// PlannerConfig задает расписание проверок подписки. Нулевые поля берутся из DefaultPlannerConfig.
type PlannerConfig struct {
	// TerminalDelay applies to delivered and cancelled; the subscription is removed
	// anyway, this only matters if the carrier flips back.
	TerminalDelay time.Duration

	// MovingMin..MovingMax is the jitter range for parcels on the way.
	MovingMin time.Duration
	MovingMax time.Duration

	// IdleDelay is for confirmed and for statuses the carrier did not report.
	IdleDelay time.Duration

	// Backoff[i] is the delay after i+1 consecutive failures, the last step repeats.
	Backoff []time.Duration
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		TerminalDelay: 365 * 24 * time.Hour,
		MovingMin:     time.Minute,
		MovingMax:     time.Minute,
		IdleDelay:     time.Minute,
		Backoff:       []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour},
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	orDefault(&cfg.TerminalDelay, def.TerminalDelay)
	orDefault(&cfg.MovingMin, def.MovingMin)
	orDefault(&cfg.MovingMax, def.MovingMax)
	orDefault(&cfg.IdleDelay, def.IdleDelay)
	if cfg.MovingMax < cfg.MovingMin {
		cfg.MovingMax = cfg.MovingMin
	}

	steps := make([]time.Duration, len(def.Backoff))
	for i, d := range def.Backoff {
		if i < len(cfg.Backoff) && cfg.Backoff[i] > 0 {
			d = cfg.Backoff[i]
		}
		steps[i] = d
	}
	// хвост длиннее дефолтного расписания сохраняем как есть
	for i := len(def.Backoff); i < len(cfg.Backoff); i++ {
		if cfg.Backoff[i] > 0 {
			steps = append(steps, cfg.Backoff[i])
		}
	}
	cfg.Backoff = steps

	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

func orDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

type statusClass int

const (
	classIdle statusClass = iota
	classMoving
	classTerminal
)

func classify(status string) statusClass {
	switch models.NormalizeStatus(status) {
	case models.StatusDelivered, models.StatusCancelled:
		return classTerminal
	case models.StatusProcessing, models.StatusShipped, models.StatusInTransit, models.StatusOutForDelivery:
		return classMoving
	default:
		return classIdle
	}
}

// NextCheckDelay plans the next check by the status the carrier just reported.
func (p *Planner) NextCheckDelay(status string) time.Duration {
	switch classify(status) {
	case classTerminal:
		return p.cfg.TerminalDelay
	case classMoving:
		return p.jitter(p.cfg.MovingMin, p.cfg.MovingMax)
	default:
		return p.cfg.IdleDelay
	}
}

// jitter выбирает задержку с точностью до секунды.
func (p *Planner) jitter(lo, hi time.Duration) time.Duration {
	span := int((hi - lo) / time.Second)
	if span <= 0 {
		return lo
	}
	return lo + time.Duration(p.r.Intn(span+1))*time.Second
}

// BackoffDelay is the delay after failCount consecutive carrier errors.
func (p *Planner) BackoffDelay(failCount int32) time.Duration {
	i := int(failCount) - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.cfg.Backoff) {
		i = len(p.cfg.Backoff) - 1
	}
	return p.cfg.Backoff[i]
}
