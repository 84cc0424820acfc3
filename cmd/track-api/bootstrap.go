package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ordertrack/config"
	"github.com/BearBump/ordertrack/internal/cache/rediscache"
	"github.com/BearBump/ordertrack/internal/live"
	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/BearBump/ordertrack/internal/services/simulator"
	"github.com/BearBump/ordertrack/internal/services/trackings"
	"github.com/BearBump/ordertrack/internal/session"
	"github.com/BearBump/ordertrack/internal/storage/pgtracking"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type trackAPIApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    trackAPIOpts
	deps    trackAPIDeps
	closers []func()
}

func mustBootstrapTrackAPI() *trackAPIApp {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	swaggerPath := cfg.API.SwaggerPath
	if env := os.Getenv("swaggerPath"); env != "" {
		swaggerPath = env
	}

	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		panic(err)
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := &trackAPIApp{}

	store := trackings.NewStore(trackings.DefaultEnv(), slog.Default())

	slots, closeSlots, err := openSlots(cfg, 60*time.Second)
	if err != nil {
		panic(err)
	}
	app.closers = append(app.closers, closeSlots)

	sessions := session.NewManager(store, slots, slog.Default(), session.Options{
		DeleteOnLogout: cfg.Persistence.DeleteOnLogout,
		SaveTimeout:    cfg.Persistence.SaveTimeout(),
		Metrics:        m,
	})
	app.closers = append(app.closers, sessions.Close)

	ch := newChannel(cfg, store, m)
	if ch != nil {
		app.closers = append(app.closers, func() { _ = ch.Close() })
	}

	var sim *simulator.Simulator
	if cfg.Simulator.Active(ch != nil) {
		sim = newSimulator(cfg, store, m)
	}

	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app.opts = trackAPIOpts{
		grpcAddr:    cfg.API.GRPCAddr,
		httpAddr:    cfg.API.HTTPAddr,
		swaggerPath: swaggerPath,
	}
	app.deps = trackAPIDeps{
		store:     store,
		sessions:  sessions,
		channel:   ch,
		simulator: sim,
		metrics:   m,
		gatherer:  reg,
	}
	return app
}

// openSlots picks the durable slot backend. The returned close func is never nil.
func openSlots(cfg *config.Config, wait time.Duration) (session.SlotStore, func(), error) {
	switch cfg.Persistence.Backend {
	case config.BackendRedis:
		rc := rediscache.New(cfg.Redis.Addr())
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		if err := rc.Ping(ctx); err != nil {
			_ = rc.Close()
			return nil, nil, fmt.Errorf("redis is not ready: %w", err)
		}
		return rediscache.NewSlotStore(rc, cfg.Persistence.SnapshotTTL()), func() { _ = rc.Close() }, nil
	case config.BackendPostgres:
		st, err := pgtracking.Open(context.Background(), cfg.Database.ConnString(), wait,
			pgtracking.WithMaxConns(cfg.Database.MaxConns))
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return session.NewMemorySlots(), func() {}, nil
	}
}

// newChannel returns nil when no broker is configured.
func newChannel(cfg *config.Config, store *trackings.Store, m *metrics.Metrics) *live.Channel {
	if !cfg.Kafka.Enabled() {
		return nil
	}
	tr := live.NewKafkaTransport(cfg.Kafka.Brokers(), cfg.Kafka.TrackingUpdatedTopicName, cfg.Kafka.SubscriptionsTopicName, cfg.Live.ConsumerGroup)
	return live.NewChannel(tr, store, live.Config{
		ReconnectBase:  cfg.Live.ReconnectBase(),
		ReconnectMax:   cfg.Live.ReconnectMax(),
		DedupeWindow:   cfg.Live.DedupeWindow,
		HealthInterval: cfg.Live.HealthInterval(),
		HealthTimeout:  cfg.Live.HealthTimeout(),
		OwnsTransport:  true,
		Metrics:        m,
	}, slog.Default())
}

func newSimulator(cfg *config.Config, store *trackings.Store, m *metrics.Metrics) *simulator.Simulator {
	sc := simulator.Config{
		Interval:    cfg.Simulator.Interval(),
		Probability: cfg.Simulator.Probability,
		Metrics:     m,
	}
	if cfg.Simulator.Seed != 0 {
		sc.Rand = rand.New(rand.NewSource(cfg.Simulator.Seed))
	}
	return simulator.New(store, sc, slog.Default())
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	// в обратном порядке: канал, сессии, хранилище слотов
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *trackAPIApp) Run() error {
	return runTrackAPI(a.ctx, a.opts, a.deps)
}
