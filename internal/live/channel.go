// Package live keeps the push link to the notification backend and routes inbound status
// changes into the trackings store.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ordertrack/internal/broker/kafka"
	"github.com/BearBump/ordertrack/internal/broker/messages"
	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/BearBump/ordertrack/internal/models"
	"github.com/pkg/errors"
)

var ErrClosed = errors.New("live channel closed")

type ConnState int32

const (
	Disconnected ConnState = iota
	Connected
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Sink is the part of the trackings store the channel writes to.
type Sink interface {
	GetOrderTracking(orderID string) (models.OrderTracking, bool)
	UpdateOrderStatus(orderID, status, location, description string) bool
	SetShipment(orderID, trackingNumber, carrier string) bool
}

type Config struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	DedupeWindow  int

	// HealthInterval and HealthTimeout apply to transports implementing HealthChecker.
	HealthInterval time.Duration
	HealthTimeout  time.Duration

	// OwnsTransport closes the transport on Close.
	OwnsTransport bool
	Rand          Rand
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type Channel struct {
	tr   Transport
	sink Sink
	cfg  Config
	log  *slog.Logger
	rnd  Rand

	state atomic.Int32

	lmu       sync.Mutex
	listeners map[int]func(ConnState)
	nextL     int

	smu    sync.Mutex
	refs   map[string]int
	closed bool

	dedupe    *dedupeWindow
	delivered atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

func NewChannel(tr Transport, sink Sink, cfg Config, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = 30 * time.Second
		if cfg.ReconnectMax < cfg.ReconnectBase {
			cfg.ReconnectMax = cfg.ReconnectBase
		}
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Channel{
		tr:        tr,
		sink:      sink,
		cfg:       cfg,
		log:       log,
		rnd:       newRand(cfg.Rand),
		listeners: map[int]func(ConnState){},
		refs:      map[string]int{},
		dedupe:    newDedupeWindow(cfg.DedupeWindow),
		done:      make(chan struct{}),
	}
}

// Run keeps the inbound link alive until ctx ends or the channel is closed.
// A failed link is retried with exponential backoff and full jitter.
func (c *Channel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		before := c.delivered.Load()
		err := c.connect(ctx)
		c.setState(Disconnected)

		if ctx.Err() != nil {
			return nil
		}
		if c.delivered.Load() > before {
			attempt = 0
		}
		attempt++
		delay := backoffDelay(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectMax, c.rnd)
		c.log.Warn("live link lost", "error", errString(err), "attempt", attempt, "retry_in", delay.String())
		c.cfg.Metrics.LiveReconnect()

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// connect holds one link attempt until it fails.
func (c *Channel) connect(ctx context.Context) error {
	hc, ok := c.tr.(HealthChecker)
	if !ok {
		c.setState(Connected)
		return c.tr.Consume(ctx, c.handle)
	}
	if err := c.ping(ctx, hc); err != nil {
		return err
	}
	c.setState(Connected)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan error, 1)
	go func() {
		t := time.NewTicker(c.cfg.HealthInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if err := c.ping(ctx, hc); err != nil && ctx.Err() == nil {
				lost <- err
				cancel()
				return
			}
		}
	}()

	err := c.tr.Consume(ctx, c.handle)
	cancel()
	select {
	case herr := <-lost:
		return herr
	default:
		return err
	}
}

func (c *Channel) ping(ctx context.Context, hc HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()
	return errors.Wrap(hc.Ping(ctx), "broker unreachable")
}

func errString(err error) string {
	if err == nil {
		return "consumer stopped"
	}
	return err.Error()
}

func (c *Channel) State() ConnState {
	return ConnState(c.state.Load())
}

// OnStateChange registers fn for connection state transitions.
func (c *Channel) OnStateChange(fn func(ConnState)) (unsubscribe func()) {
	c.lmu.Lock()
	id := c.nextL
	c.nextL++
	c.listeners[id] = fn
	c.lmu.Unlock()
	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

func (c *Channel) setState(s ConnState) {
	if ConnState(c.state.Swap(int32(s))) == s {
		return
	}
	c.cfg.Metrics.SetLiveConnected(s == Connected)
	c.log.Info("live link state", "state", s.String())

	c.lmu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(ConnState), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// handle never fails: bad messages are logged and skipped so the log keeps moving.
func (c *Channel) handle(d kafka.Delivery) error {
	c.delivered.Add(1)

	var msg messages.TrackingUpdate
	if err := json.Unmarshal(d.Value, &msg); err != nil {
		c.log.Warn("live message malformed", "partition", d.Partition, "offset", d.Offset, "error", err.Error())
		c.cfg.Metrics.LiveMessage(metrics.ResultInvalid)
		return nil
	}
	if err := msg.Validate(); err != nil {
		c.log.Warn("live message invalid", "partition", d.Partition, "offset", d.Offset, "error", err.Error())
		c.cfg.Metrics.LiveMessage(metrics.ResultInvalid)
		return nil
	}

	if !c.Subscribed(msg.OrderID) {
		c.cfg.Metrics.LiveMessage(metrics.ResultIgnored)
		return nil
	}

	id := msg.MessageID
	if id == "" {
		id = fmt.Sprintf("%s/%d/%d", d.Topic, d.Partition, d.Offset)
	}
	if !c.dedupe.add(id) {
		c.log.Debug("live message duplicate", "message_id", id, "order_id", msg.OrderID)
		c.cfg.Metrics.LiveMessage(metrics.ResultDuplicate)
		return nil
	}

	tr, ok := c.sink.GetOrderTracking(msg.OrderID)
	if !ok {
		c.cfg.Metrics.LiveMessage(metrics.ResultIgnored)
		return nil
	}
	if !tr.IsRealTimeEnabled {
		c.cfg.Metrics.LiveMessage(metrics.ResultDisabled)
		return nil
	}

	c.sink.SetShipment(msg.OrderID, msg.TrackingNumber, msg.Carrier)
	c.sink.UpdateOrderStatus(msg.OrderID, models.NormalizeStatus(msg.Status), msg.Location, msg.Description)
	c.cfg.Metrics.LiveMessage(metrics.ResultApplied)
	c.log.Info("live update applied", "order_id", msg.OrderID, "status", msg.Status, "message_id", id)
	return nil
}

// Subscription is one holder's interest in an order. Close is idempotent.
type Subscription struct {
	c       *Channel
	orderID string
	once    sync.Once
}

func (s *Subscription) OrderID() string { return s.orderID }

func (s *Subscription) Close() {
	s.once.Do(func() { s.c.release(s.orderID) })
}

// Subscribe registers interest in orderID. The first holder publishes a subscribe command.
func (c *Channel) Subscribe(ctx context.Context, orderID string) (*Subscription, error) {
	if orderID == "" {
		return nil, errors.New("empty order id")
	}

	c.smu.Lock()
	if c.closed {
		c.smu.Unlock()
		return nil, ErrClosed
	}
	c.refs[orderID]++
	first := c.refs[orderID] == 1
	n := len(c.refs)
	c.smu.Unlock()

	if first {
		if err := c.publish(ctx, messages.TypeSubscribe, orderID); err != nil {
			c.smu.Lock()
			c.refs[orderID]--
			if c.refs[orderID] <= 0 {
				delete(c.refs, orderID)
			}
			n = len(c.refs)
			c.smu.Unlock()
			c.cfg.Metrics.SetLiveSubscriptions(n)
			return nil, errors.Wrap(err, "publish subscribe")
		}
	}
	c.cfg.Metrics.SetLiveSubscriptions(n)
	return &Subscription{c: c, orderID: orderID}, nil
}

// WithSubscription holds a subscription for the duration of fn.
func (c *Channel) WithSubscription(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	sub, err := c.Subscribe(ctx, orderID)
	if err != nil {
		return err
	}
	defer sub.Close()
	return fn(ctx)
}

func (c *Channel) release(orderID string) {
	c.smu.Lock()
	if c.closed {
		c.smu.Unlock()
		return
	}
	c.refs[orderID]--
	last := c.refs[orderID] <= 0
	if last {
		delete(c.refs, orderID)
	}
	n := len(c.refs)
	c.smu.Unlock()

	c.cfg.Metrics.SetLiveSubscriptions(n)
	if last {
		c.unsubscribe(orderID)
	}
}

func (c *Channel) unsubscribe(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.publish(ctx, messages.TypeUnsubscribe, orderID); err != nil {
		c.log.Warn("publish unsubscribe", "order_id", orderID, "error", err.Error())
	}
}

// Subscribed reports whether orderID has at least one holder.
func (c *Channel) Subscribed(orderID string) bool {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.refs[orderID] > 0
}

// Subscriptions lists subscribed order ids.
func (c *Channel) Subscriptions() []string {
	c.smu.Lock()
	out := make([]string, 0, len(c.refs))
	for id := range c.refs {
		out = append(out, id)
	}
	c.smu.Unlock()
	sort.Strings(out)
	return out
}

func (c *Channel) publish(ctx context.Context, typ, orderID string) error {
	cmd := messages.SubscriptionCommand{Type: typ, OrderID: orderID, SentAt: c.cfg.Now()}
	if tr, ok := c.sink.GetOrderTracking(orderID); ok {
		cmd.TrackingNumber = tr.TrackingNumber
		cmd.Carrier = tr.Carrier
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshal subscription command")
	}
	return c.tr.Publish(ctx, []byte(orderID), b)
}

// Close releases every subscription and stops Run.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.smu.Lock()
		c.closed = true
		ids := make([]string, 0, len(c.refs))
		for id := range c.refs {
			ids = append(ids, id)
		}
		c.refs = map[string]int{}
		c.smu.Unlock()

		sort.Strings(ids)
		for _, id := range ids {
			c.unsubscribe(id)
		}
		c.cfg.Metrics.SetLiveSubscriptions(0)
		close(c.done)

		if c.cfg.OwnsTransport {
			err = c.tr.Close()
		}
	})
	return err
}
