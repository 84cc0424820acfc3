package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/ordertrack/config"
	"github.com/BearBump/ordertrack/internal/broker/kafka"
	"github.com/BearBump/ordertrack/internal/cache/rediscache"
	"github.com/BearBump/ordertrack/internal/integrations/carrier"
	"github.com/BearBump/ordertrack/internal/integrations/carrier/emulatorv1"
	"github.com/BearBump/ordertrack/internal/integrations/carrier/fake"
	"github.com/BearBump/ordertrack/internal/integrations/carrier/track24http"
	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/BearBump/ordertrack/internal/services/poller"
	"github.com/BearBump/ordertrack/internal/storage/pgtracking"
)

var _ poller.Registry = (*pgtracking.Storage)(nil)

type subscriptionConsumer interface {
	Consume(ctx context.Context, handler func(kafka.Delivery) error) error
	Close() error
}

type workerFactories struct {
	newRegistry      func(cfg *config.Config) (reg poller.Registry, closeFn func(), err error)
	newProducer      func(cfg *config.Config) poller.Producer
	newRateLimiter   func(cfg *config.Config) poller.RateLimiter
	newCarrierClient func(cfg *config.Config) carrier.Client
	newConsumer      func(cfg *config.Config) subscriptionConsumer
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newRegistry: func(cfg *config.Config) (poller.Registry, func(), error) {
			if cfg.Worker.Registry != config.BackendPostgres {
				return poller.NewMemoryRegistry(), nil, nil
			}
			st, err := pgtracking.Open(context.Background(), cfg.Database.ConnString(), 60*time.Second,
				pgtracking.WithMaxConns(cfg.Database.MaxConns))
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) poller.Producer {
			return kafka.NewProducer(cfg.Kafka.Brokers(), kafka.WithAllAcks())
		},
		newRateLimiter: func(cfg *config.Config) poller.RateLimiter {
			// без redis лимит не применяется
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.NewCarrierLimiter(rediscache.New(cfg.Redis.Addr()))
		},
		newCarrierClient: func(cfg *config.Config) carrier.Client {
			// Без base_url работаем на локальном fake.
			if cfg.Worker.CarrierEmulatorBaseURL == "" {
				return fake.New()
			}
			switch cfg.Worker.CarrierEmulatorMode {
			case "emulatorv1":
				return emulatorv1.New(cfg.Worker.CarrierEmulatorBaseURL, cfg.Worker.CarrierEmulatorAPIKey)
			case "track24":
				return track24http.New(cfg.Worker.CarrierEmulatorBaseURL, cfg.Worker.CarrierEmulatorAPIKey, cfg.Worker.CarrierEmulatorDomain)
			default:
				return fake.New()
			}
		},
		newConsumer: func(cfg *config.Config) subscriptionConsumer {
			return kafka.NewConsumer(cfg.Kafka.Brokers(), cfg.Kafka.SubscriptionsTopicName, cfg.Worker.ConsumerGroup)
		},
	}
}

func plannerConfig(w config.WorkerConfig) poller.PlannerConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return poller.PlannerConfig{
		MovingMin: sec(w.NextCheckInTransitMinSeconds),
		MovingMax: sec(w.NextCheckInTransitMaxSeconds),
		IdleDelay: sec(w.NextCheckUnknownSeconds),
		Backoff: []time.Duration{
			sec(w.Backoff1Seconds), sec(w.Backoff2Seconds), sec(w.Backoff3Seconds), sec(w.Backoff4Seconds),
		},
	}
}

func newPoller(cfg *config.Config, reg poller.Registry, f workerFactories, m *metrics.Metrics) *poller.Poller {
	w := cfg.Worker
	return poller.New(reg, f.newCarrierClient(cfg), f.newProducer(cfg), f.newRateLimiter(cfg), cfg.Kafka.TrackingUpdatedTopicName).
		WithSettings(time.Duration(w.PollIntervalSeconds)*time.Second, w.BatchSize, w.Concurrency,
			time.Duration(w.LeaseSeconds)*time.Second, int64(w.RateLimitPerMinute)).
		WithCarrierRateLimits(w.CarrierRateLimits).
		WithDefaultCarrier(w.DefaultCarrier).
		WithPlanner(plannerConfig(w)).
		WithMetrics(m)
}

// consumeSubscriptions keeps the subscriptions consumer running until ctx ends.
func consumeSubscriptions(ctx context.Context, c subscriptionConsumer, p *poller.Poller) {
	for {
		err := c.Consume(ctx, func(d kafka.Delivery) error {
			return p.HandleSubscriptionCommand(ctx, d)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("subscriptions consumer stopped", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts) error {
	reg, closeFn, err := f.newRegistry(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	p := newPoller(cfg, reg, f, httpOpts.metrics)

	consumer := f.newConsumer(cfg)
	defer func() { _ = consumer.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		slog.Info("subscriptions consumer started", "topic", cfg.Kafka.SubscriptionsTopicName, "group", cfg.Worker.ConsumerGroup)
		consumeSubscriptions(ctx, consumer, p)
	}()

	httpErr := make(chan error, 1)
	if httpOpts.httpAddr != "" {
		httpOpts.poller = p
		httpOpts.cfg = cfg
		go func() { httpErr <- runWorkerHTTPServer(ctx, httpOpts) }()
	}

	pollErr := make(chan error, 1)
	go func() { pollErr <- p.Run(ctx) }()

	select {
	case err := <-pollErr:
		return err
	case err := <-httpErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
}
