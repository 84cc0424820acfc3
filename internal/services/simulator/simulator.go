// Package simulator advances live-enabled trackings at random when no real push source exists.
package simulator

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/BearBump/ordertrack/internal/services/trackings"
)

type Rand interface {
	Float64() float64
}

// Source is the part of the trackings store the simulator drives.
type Source interface {
	ActiveOrderIDs() []string
	AdvanceLive(orderID string) bool
	Subscribe(l trackings.Listener) (unsubscribe func())
}

type Config struct {
	Interval    time.Duration
	Probability float64
	Rand        Rand
	Metrics     *metrics.Metrics
}

type Simulator struct {
	src Source
	cfg Config
	log *slog.Logger

	rmu sync.Mutex
	rnd Rand

	wakeCh    chan struct{}
	triggerCh chan struct{}

	running      atomic.Bool
	ticks        atomic.Int64
	advances     atomic.Int64
	lastTickNano atomic.Int64
}

func New(src Source, cfg Config, log *slog.Logger) *Simulator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Probability < 0 {
		cfg.Probability = 0
	}
	if cfg.Probability > 1 {
		cfg.Probability = 1
	}
	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{
		src:       src,
		cfg:       cfg,
		log:       log,
		rnd:       r,
		wakeCh:    make(chan struct{}, 1),
		triggerCh: make(chan struct{}, 1),
	}
}

// Run keeps a ticker only while at least one active record exists. The set is re-evaluated
// on every store change, so the ticker stops after the last record finishes or on logout.
func (s *Simulator) Run(ctx context.Context) error {
	unsubscribe := s.src.Subscribe(func(trackings.Change) { s.wake() })
	defer unsubscribe()

	var ticker *time.Ticker
	var tickC <-chan time.Time
	stop := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
			s.running.Store(false)
			s.log.Debug("simulator idle")
		}
	}
	defer stop()

	reevaluate := func() {
		active := len(s.src.ActiveOrderIDs()) > 0
		switch {
		case active && ticker == nil:
			ticker = time.NewTicker(s.cfg.Interval)
			tickC = ticker.C
			s.running.Store(true)
			s.log.Debug("simulator active", "interval", s.cfg.Interval.String())
		case !active:
			stop()
		}
	}
	reevaluate()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wakeCh:
			reevaluate()
		case <-tickC:
			s.Tick()
			reevaluate()
		case <-s.triggerCh:
			s.Tick()
			reevaluate()
		}
	}
}

func (s *Simulator) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Trigger forces an immediate evaluation (best-effort, non-blocking).
func (s *Simulator) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Tick evaluates every active record once and returns how many advanced.
func (s *Simulator) Tick() int {
	ids := s.src.ActiveOrderIDs()
	advanced := 0
	for _, id := range ids {
		if s.draw() < s.cfg.Probability && s.src.AdvanceLive(id) {
			advanced++
		}
	}
	s.ticks.Add(1)
	s.advances.Add(int64(advanced))
	s.lastTickNano.Store(time.Now().UTC().UnixNano())
	s.cfg.Metrics.SimulatorTick(advanced)
	if advanced > 0 {
		s.log.Info("simulator tick", "active", len(ids), "advanced", advanced)
	}
	return advanced
}

func (s *Simulator) draw() float64 {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return s.rnd.Float64()
}

type Stats struct {
	Running    bool       `json:"running"`
	Ticks      int64      `json:"ticks"`
	Advances   int64      `json:"advances"`
	LastTickAt *time.Time `json:"lastTickAt,omitempty"`
}

func (s *Simulator) Stats() Stats {
	st := Stats{
		Running:  s.running.Load(),
		Ticks:    s.ticks.Load(),
		Advances: s.advances.Load(),
	}
	if n := s.lastTickNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTickAt = &t
	}
	return st
}
