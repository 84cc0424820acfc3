package live

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/ordertrack/internal/broker/kafka"
	"github.com/BearBump/ordertrack/internal/broker/messages"
	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/BearBump/ordertrack/internal/models"
	"github.com/BearBump/ordertrack/internal/services/trackings"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []messages.SubscriptionCommand
	pubErr    error
	closed    bool

	consumeCalls atomic.Int32
	// consume вызывается на каждую попытку соединения; nil блокирует до отмены ctx
	consume func(ctx context.Context, call int, handler func(kafka.Delivery) error) error
}

func (f *fakeTransport) Publish(ctx context.Context, key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	var cmd messages.SubscriptionCommand
	if err := json.Unmarshal(value, &cmd); err != nil {
		return err
	}
	if string(key) != cmd.OrderID {
		return errors.New("key must be the order id")
	}
	f.published = append(f.published, cmd)
	return nil
}

func (f *fakeTransport) Consume(ctx context.Context, handler func(kafka.Delivery) error) error {
	n := int(f.consumeCalls.Add(1))
	if f.consume != nil {
		return f.consume(ctx, n, handler)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sent() []messages.SubscriptionCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messages.SubscriptionCommand(nil), f.published...)
}

type zeroRand struct{}

func (zeroRand) Int63n(int64) int64 { return 0 }

type maxRand struct{}

func (maxRand) Int63n(n int64) int64 { return n - 1 }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T, cfg Config) (*Channel, *fakeTransport, *trackings.Store) {
	t.Helper()
	st := trackings.NewStore(trackings.Env{}, discard())
	ft := &fakeTransport{}
	if cfg.Rand == nil {
		cfg.Rand = zeroRand{}
	}
	ch := NewChannel(ft, st, cfg, discard())
	t.Cleanup(func() { _ = ch.Close() })
	return ch, ft, st
}

func update(t *testing.T, u messages.TrackingUpdate) []byte {
	t.Helper()
	b, err := json.Marshal(u)
	require.NoError(t, err)
	return b
}

func TestSubscribe_RefCounted(t *testing.T) {
	ch, ft, st := setup(t, Config{})
	st.InitializeTracking("A", trackings.Initial{})
	st.SetShipment("A", "1Z", "UPS")
	ctx := context.Background()

	s1, err := ch.Subscribe(ctx, "A")
	require.NoError(t, err)
	s2, err := ch.Subscribe(ctx, "A")
	require.NoError(t, err)

	sent := ft.sent()
	require.Len(t, sent, 1)
	require.Equal(t, messages.TypeSubscribe, sent[0].Type)
	require.Equal(t, "1Z", sent[0].TrackingNumber)
	require.Equal(t, "UPS", sent[0].Carrier)

	s1.Close()
	s1.Close()
	require.True(t, ch.Subscribed("A"))
	require.Len(t, ft.sent(), 1)

	s2.Close()
	require.False(t, ch.Subscribed("A"))
	sent = ft.sent()
	require.Len(t, sent, 2)
	require.Equal(t, messages.TypeUnsubscribe, sent[1].Type)
	require.Equal(t, "A", sent[1].OrderID)
}

func TestSubscribe_PublishFailureRollsBack(t *testing.T) {
	ch, ft, _ := setup(t, Config{})
	ft.pubErr = errors.New("broker down")

	_, err := ch.Subscribe(context.Background(), "A")
	require.Error(t, err)
	require.False(t, ch.Subscribed("A"))
	require.Empty(t, ch.Subscriptions())

	_, err = ch.Subscribe(context.Background(), "")
	require.Error(t, err)
}

func TestWithSubscription_ReleasesOnError(t *testing.T) {
	ch, ft, _ := setup(t, Config{})
	want := errors.New("render failed")

	err := ch.WithSubscription(context.Background(), "A", func(ctx context.Context) error {
		require.True(t, ch.Subscribed("A"))
		return want
	})
	require.ErrorIs(t, err, want)
	require.False(t, ch.Subscribed("A"))
	require.Len(t, ft.sent(), 2)
}

func TestClose_ReleasesEverything(t *testing.T) {
	st := trackings.NewStore(trackings.Env{}, discard())
	ft := &fakeTransport{}
	ch := NewChannel(ft, st, Config{OwnsTransport: true}, discard())
	ctx := context.Background()

	sa, err := ch.Subscribe(ctx, "A")
	require.NoError(t, err)
	_, err = ch.Subscribe(ctx, "B")
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	require.Empty(t, ch.Subscriptions())
	require.True(t, ft.closed)

	sent := ft.sent()
	require.Len(t, sent, 4)
	require.Equal(t, messages.TypeUnsubscribe, sent[2].Type)
	require.Equal(t, "A", sent[2].OrderID)
	require.Equal(t, "B", sent[3].OrderID)

	// закрытие после Close ничего не шлёт
	sa.Close()
	require.Len(t, ft.sent(), 4)

	_, err = ch.Subscribe(ctx, "C")
	require.ErrorIs(t, err, ErrClosed)
}

func TestHandle_AppliesOncePerMessage(t *testing.T) {
	met := metrics.New()
	ch, _, st := setup(t, Config{Metrics: met})
	st.InitializeTracking("A", trackings.Initial{})
	_, err := ch.Subscribe(context.Background(), "A")
	require.NoError(t, err)

	msg := update(t, messages.TrackingUpdate{
		MessageID: "m-1", OrderID: "A", Status: "SHIPPED", Location: "Hub",
		TrackingNumber: "1Z", Carrier: "UPS",
	})
	require.NoError(t, ch.handle(kafka.Delivery{Value: msg, Offset: 1}))
	require.NoError(t, ch.handle(kafka.Delivery{Value: msg, Offset: 2}))

	tr, _ := st.GetOrderTracking("A")
	require.Equal(t, models.StatusShipped, tr.CurrentStatus)
	require.Equal(t, "1Z", tr.TrackingNumber)
	require.Equal(t, "UPS", tr.Carrier)
	require.Len(t, tr.Events, 2)
	require.Equal(t, "Hub", tr.Events[1].Location)
	require.Equal(t, models.DefaultDescription(models.StatusShipped), tr.Events[1].Description)

	require.Equal(t, 1.0, testutil.ToFloat64(met.LiveMessages.WithLabelValues(metrics.ResultApplied)))
	require.Equal(t, 1.0, testutil.ToFloat64(met.LiveMessages.WithLabelValues(metrics.ResultDuplicate)))
}

func TestHandle_FallbackIDFromOffset(t *testing.T) {
	ch, _, st := setup(t, Config{})
	st.InitializeTracking("A", trackings.Initial{})
	_, _ = ch.Subscribe(context.Background(), "A")

	msg := update(t, messages.TrackingUpdate{OrderID: "A", Status: "processing"})
	require.NoError(t, ch.handle(kafka.Delivery{Topic: "u", Partition: 0, Offset: 5, Value: msg}))
	require.NoError(t, ch.handle(kafka.Delivery{Topic: "u", Partition: 0, Offset: 5, Value: msg}))
	require.NoError(t, ch.handle(kafka.Delivery{Topic: "u", Partition: 0, Offset: 6, Value: msg}))

	tr, _ := st.GetOrderTracking("A")
	require.Len(t, tr.Events, 3)
}

func TestHandle_SkipsWhatItMustNotApply(t *testing.T) {
	met := metrics.New()
	ch, _, st := setup(t, Config{Metrics: met})
	st.InitializeTracking("A", trackings.Initial{})
	st.InitializeTracking("B", trackings.Initial{})
	st.DisableRealTimeTracking("B")
	ctx := context.Background()
	_, _ = ch.Subscribe(ctx, "B")
	_, _ = ch.Subscribe(ctx, "GHOST")

	// не JSON
	require.NoError(t, ch.handle(kafka.Delivery{Value: []byte("{nope")}))
	// без статуса
	require.NoError(t, ch.handle(kafka.Delivery{Value: update(t, messages.TrackingUpdate{OrderID: "A"})}))
	// нет подписки
	require.NoError(t, ch.handle(kafka.Delivery{Value: update(t, messages.TrackingUpdate{MessageID: "1", OrderID: "A", Status: "shipped"})}))
	// live выключен
	require.NoError(t, ch.handle(kafka.Delivery{Value: update(t, messages.TrackingUpdate{MessageID: "2", OrderID: "B", Status: "shipped"})}))
	// подписка есть, записи нет
	require.NoError(t, ch.handle(kafka.Delivery{Value: update(t, messages.TrackingUpdate{MessageID: "3", OrderID: "GHOST", Status: "shipped"})}))

	a, _ := st.GetOrderTracking("A")
	b, _ := st.GetOrderTracking("B")
	require.Equal(t, models.StatusConfirmed, a.CurrentStatus)
	require.Equal(t, models.StatusConfirmed, b.CurrentStatus)
	_, ok := st.GetOrderTracking("GHOST")
	require.False(t, ok)

	require.Equal(t, 2.0, testutil.ToFloat64(met.LiveMessages.WithLabelValues(metrics.ResultInvalid)))
	require.Equal(t, 2.0, testutil.ToFloat64(met.LiveMessages.WithLabelValues(metrics.ResultIgnored)))
	require.Equal(t, 1.0, testutil.ToFloat64(met.LiveMessages.WithLabelValues(metrics.ResultDisabled)))
}

func TestRun_ReconnectsAfterFailures(t *testing.T) {
	ch, ft, st := setup(t, Config{ReconnectBase: time.Millisecond, ReconnectMax: 5 * time.Millisecond})
	st.InitializeTracking("A", trackings.Initial{})
	_, _ = ch.Subscribe(context.Background(), "A")

	ft.consume = func(ctx context.Context, call int, handler func(kafka.Delivery) error) error {
		if call < 3 {
			return errors.New("connection refused")
		}
		_ = handler(kafka.Delivery{Value: update(t, messages.TrackingUpdate{MessageID: "x", OrderID: "A", Status: "shipped"})})
		<-ctx.Done()
		return ctx.Err()
	}

	var mu sync.Mutex
	var states []ConnState
	ch.OnStateChange(func(s ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	require.Eventually(t, func() bool {
		tr, _ := st.GetOrderTracking("A")
		return tr.CurrentStatus == models.StatusShipped
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, Connected, ch.State())
	require.Equal(t, int32(3), ft.consumeCalls.Load())

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, Disconnected, ch.State())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []ConnState{Connected, Disconnected, Connected, Disconnected, Connected, Disconnected}, states)
}

func TestRun_UnreachableBrokerNeverConnects(t *testing.T) {
	met := metrics.New()
	st := trackings.NewStore(trackings.Env{}, discard())
	tr := NewKafkaTransport([]string{"127.0.0.1:1"}, "tracking.updated", "tracking.subscriptions", "")
	ch := NewChannel(tr, st, Config{
		ReconnectBase: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
		HealthTimeout: 200 * time.Millisecond,
		OwnsTransport: true,
		Rand:          zeroRand{},
		Metrics:       met,
	}, discard())

	var connected atomic.Int32
	ch.OnStateChange(func(s ConnState) {
		if s == Connected {
			connected.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(met.LiveReconnects) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, Disconnected, ch.State())

	cancel()
	require.NoError(t, <-done)
	require.Zero(t, connected.Load())
	require.Equal(t, 0.0, testutil.ToFloat64(met.LiveConnected))
	require.NoError(t, ch.Close())
}

// healthTransport answers Ping through fail; nil means the broker is reachable.
type healthTransport struct {
	*fakeTransport
	pings atomic.Int32
	fail  func(n int) error
}

func (h *healthTransport) Ping(context.Context) error {
	return h.fail(int(h.pings.Add(1)))
}

func TestRun_HealthCheckGatesConnectedState(t *testing.T) {
	ht := &healthTransport{fakeTransport: &fakeTransport{}}
	ht.fail = func(n int) error {
		if n == 1 || n == 3 {
			return errors.New("broker gone")
		}
		return nil
	}
	st := trackings.NewStore(trackings.Env{}, discard())
	ch := NewChannel(ht, st, Config{
		ReconnectBase:  time.Millisecond,
		ReconnectMax:   time.Millisecond,
		HealthInterval: 5 * time.Millisecond,
		Rand:           zeroRand{},
	}, discard())
	t.Cleanup(func() { _ = ch.Close() })

	var mu sync.Mutex
	var states []ConnState
	var firstConnectAt int32
	ch.OnStateChange(func(s ConnState) {
		mu.Lock()
		defer mu.Unlock()
		if s == Connected && firstConnectAt == 0 {
			firstConnectAt = ht.pings.Load()
		}
		states = append(states, s)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	// первая проверка падает до Consume, третья рвет уже установленную связь
	require.Eventually(t, func() bool { return ht.consumeCalls.Load() == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return ch.State() == Connected }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(2), firstConnectAt)
	require.GreaterOrEqual(t, len(states), 3)
	require.Equal(t, []ConnState{Connected, Disconnected, Connected}, states[:3])
}

func TestRun_StopsOnClose(t *testing.T) {
	ch, _, _ := setup(t, Config{})
	done := make(chan error, 1)
	go func() { done <- ch.Run(context.Background()) }()

	require.Eventually(t, func() bool { return ch.State() == Connected }, time.Second, time.Millisecond)
	require.NoError(t, ch.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
}

func TestOnStateChange_Unsubscribe(t *testing.T) {
	ch, _, _ := setup(t, Config{})
	var calls atomic.Int32
	unsub := ch.OnStateChange(func(ConnState) { calls.Add(1) })
	ch.setState(Connected)
	ch.setState(Connected)
	unsub()
	ch.setState(Disconnected)
	require.Equal(t, int32(1), calls.Load())
}

func TestBackoffDelay(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	require.Equal(t, time.Duration(0), backoffDelay(1, base, max, zeroRand{}))
	require.Equal(t, 100*time.Millisecond, backoffDelay(1, base, max, maxRand{}))
	require.Equal(t, 400*time.Millisecond, backoffDelay(3, base, max, maxRand{}))
	require.Equal(t, time.Second, backoffDelay(10, base, max, maxRand{}))
	require.Equal(t, time.Second, backoffDelay(1000, base, max, maxRand{}))
	require.Equal(t, 100*time.Millisecond, backoffDelay(0, base, max, maxRand{}))
}

func TestDedupeWindow_Evicts(t *testing.T) {
	w := newDedupeWindow(2)
	require.True(t, w.add("a"))
	require.True(t, w.add("b"))
	require.False(t, w.add("a"))
	require.True(t, w.add("c")) // вытесняет a
	require.True(t, w.add("a"))
	require.False(t, w.add("c"))
}
