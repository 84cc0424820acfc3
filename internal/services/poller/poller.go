package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ordertrack/internal/broker/kafka"
	"github.com/BearBump/ordertrack/internal/broker/messages"
	"github.com/BearBump/ordertrack/internal/integrations/carrier"
	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/BearBump/ordertrack/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// RateLimiter counts checks per carrier in fixed windows of one minute.
type RateLimiter interface {
	Allow(ctx context.Context, carrierCode string, limit int64) (bool, int64, error)
}

type Poller struct {
	reg      Registry
	carrier  carrier.Client
	producer Producer
	rl       RateLimiter
	metrics  *metrics.Metrics

	topic          string
	defaultCarrier string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	carrierRateLimits  map[string]int64
	publishRetries     int
	publishRetryDelay  time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalPublished      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(reg Registry, carrier carrier.Client, producer Producer, rl RateLimiter, topic string) *Poller {
	return &Poller{
		reg: reg, carrier: carrier, producer: producer, rl: rl, topic: topic,
		defaultCarrier:     "EMULATOR",
		planner:            DefaultPlanner(),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		carrierRateLimits:  map[string]int64{},
		publishRetries:     10,
		publishRetryDelay:  150 * time.Millisecond,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig(), nil)
}

func (p *Poller) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Poller {
	if pollInterval > 0 {
		p.pollInterval = pollInterval
	}
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if lease > 0 {
		p.lease = lease
	}
	if rlPerMin > 0 {
		p.rateLimitPerMinute = rlPerMin
	}
	return p
}

func (p *Poller) WithPlanner(cfg PlannerConfig) *Poller {
	p.planner = NewPlanner(cfg, nil)
	return p
}

// WithCarrierRateLimits переопределяет общий лимит для отдельных перевозчиков.
func (p *Poller) WithCarrierRateLimits(perMinute map[string]int) *Poller {
	for code, n := range perMinute {
		if n > 0 {
			p.carrierRateLimits[strings.ToUpper(code)] = int64(n)
		}
	}
	return p
}

func (p *Poller) WithDefaultCarrier(code string) *Poller {
	if code != "" {
		p.defaultCarrier = code
	}
	return p
}

func (p *Poller) WithMetrics(m *metrics.Metrics) *Poller {
	p.metrics = m
	return p
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalPublished int64      `json:"totalPublished"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalClaimed:   p.totalClaimed.Load(),
		TotalProcessed: p.totalProcessed.Load(),
		TotalPublished: p.totalPublished.Load(),
		TotalErrors:    p.totalErrors.Load(),
		InFlight:       p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

func (p *Poller) setLastError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx)
		case <-p.triggerCh:
			p.runOnce(ctx)
		}
	}
}

// HandleSubscriptionCommand applies one command from the subscriptions topic.
// Malformed commands are logged and skipped.
func (p *Poller) HandleSubscriptionCommand(ctx context.Context, d kafka.Delivery) error {
	var cmd messages.SubscriptionCommand
	if err := json.Unmarshal(d.Value, &cmd); err != nil {
		slog.Warn("subscription command malformed", "offset", d.Offset, "error", err.Error())
		return nil
	}
	if err := cmd.Validate(); err != nil {
		slog.Warn("subscription command invalid", "offset", d.Offset, "error", err.Error())
		return nil
	}

	switch cmd.Type {
	case messages.TypeSubscribe:
		sub := models.Subscription{OrderID: cmd.OrderID, Carrier: cmd.Carrier, TrackingNumber: cmd.TrackingNumber}
		if err := p.reg.UpsertSubscription(ctx, sub); err != nil {
			return errors.Wrap(err, "register subscription")
		}
		slog.Info("order subscribed", "order_id", cmd.OrderID, "carrier", cmd.Carrier)
		p.Trigger()
	case messages.TypeUnsubscribe:
		if err := p.reg.RemoveSubscription(ctx, cmd.OrderID); err != nil {
			return errors.Wrap(err, "remove subscription")
		}
		slog.Info("order unsubscribed", "order_id", cmd.OrderID)
	}
	return nil
}

func (p *Poller) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	p.lastCycleUnixNano.Store(now.UnixNano())

	items, err := p.reg.ClaimDueSubscriptions(ctx, now, p.batchSize, p.lease)
	if err != nil {
		slog.Error("claim due subscriptions", "error", err.Error())
		p.setLastError(err)
		return
	}
	p.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, sub := range items {
		sem <- struct{}{}
		wg.Add(1)
		p.inFlight.Add(1)
		go func(sub *models.Subscription) {
			defer func() {
				p.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := p.processOne(ctx, sub); err != nil {
				p.totalErrors.Add(1)
				p.setLastError(err)
				slog.Error("process subscription", "order_id", sub.OrderID, "error", err.Error())
			}
			p.totalProcessed.Add(1)
		}(sub)
	}
	wg.Wait()
}

func (p *Poller) processOne(ctx context.Context, sub *models.Subscription) error {
	now := time.Now().UTC()

	carrierCode := sub.Carrier
	if carrierCode == "" {
		carrierCode = p.defaultCarrier
	}
	trackNumber := sub.TrackingNumber
	if trackNumber == "" {
		trackNumber = sub.OrderID
	}

	if err := p.throttle(ctx, carrierCode); err != nil {
		return err
	}

	res, err := p.carrier.GetTracking(ctx, carrierCode, trackNumber)
	if err != nil {
		p.metrics.PollerCheck(metrics.ResultError)
		e := err.Error()
		nextFail := sub.CheckFailCount + 1
		if aerr := p.reg.ApplyCheck(ctx, models.CheckResult{
			OrderID:     sub.OrderID,
			CheckedAt:   now,
			Error:       &e,
			NextCheckAt: now.Add(p.planner.BackoffDelay(nextFail)),
		}); aerr != nil {
			return aerr
		}
		return errors.Wrap(err, "carrier check")
	}
	p.metrics.PollerCheck(metrics.ResultOK)

	if res.Status != "" && res.Status != sub.LastStatus {
		if err := p.publish(ctx, sub, carrierCode, trackNumber, res); err != nil {
			return err
		}
	}

	if models.IsTerminal(res.Status) {
		// дальше следить не за чем
		return p.reg.RemoveSubscription(ctx, sub.OrderID)
	}
	return p.reg.ApplyCheck(ctx, models.CheckResult{
		OrderID:     sub.OrderID,
		CheckedAt:   now,
		Status:      res.Status,
		NextCheckAt: now.Add(p.planner.NextCheckDelay(res.Status)),
	})
}

func (p *Poller) throttle(ctx context.Context, carrierCode string) error {
	if p.rl == nil || p.rateLimitPerMinute <= 0 {
		return nil
	}
	limit := p.rateLimitPerMinute
	if l, ok := p.carrierRateLimits[strings.ToUpper(carrierCode)]; ok {
		limit = l
	}

	allowed, n, err := p.rl.Allow(ctx, carrierCode, limit)
	if err != nil {
		return err
	}
	if !allowed {
		// Слишком много запросов в минуту: подождём немного, чтобы разгрузить источник.
		p.metrics.PollerCheck(metrics.ResultRateLimited)
		slog.Warn("rate limit exceeded", "carrier", carrierCode, "count", n)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil
}

func (p *Poller) publish(ctx context.Context, sub *models.Subscription, carrierCode, trackNumber string, res carrier.TrackingResult) error {
	msg := messages.TrackingUpdate{
		MessageID:      uuid.NewString(),
		OrderID:        sub.OrderID,
		Status:         res.Status,
		Location:       res.Location,
		TrackingNumber: trackNumber,
		Carrier:        carrierCode,
		OccurredAt:     res.StatusAt,
	}
	if n := len(res.Events); n > 0 {
		msg.Description = res.Events[n-1].Message
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}

	// Kafka может быть не готова сразу после старта docker compose, поэтому небольшой retry.
	var pubErr error
	for i := 0; i < p.publishRetries; i++ {
		if pubErr = p.producer.Publish(ctx, p.topic, []byte(sub.OrderID), b); pubErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * p.publishRetryDelay):
		}
	}
	if pubErr != nil {
		return pubErr
	}
	p.totalPublished.Add(1)
	p.metrics.PollerPublish()
	slog.Info("tracking update published", "order_id", sub.OrderID, "status", res.Status)
	return nil
}
