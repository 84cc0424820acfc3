package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/BearBump/ordertrack/internal/models"
	"github.com/BearBump/ordertrack/internal/services/trackings"
	"github.com/BearBump/ordertrack/internal/storage/snapshot"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type slotsMock struct {
	mock.Mock
}

func (m *slotsMock) Load(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	b, _ := args.Get(0).([]byte)
	return b, args.Bool(1), args.Error(2)
}

func (m *slotsMock) Save(ctx context.Context, key string, value []byte) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *slotsMock) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newStore() *trackings.Store {
	return trackings.NewStore(trackings.Env{}, discard())
}

func TestLogin_EmptySlotGivesEmptyStore(t *testing.T) {
	st := newStore()
	m := NewManager(st, NewMemorySlots(), discard(), Options{})
	defer m.Close()

	_, err := m.CurrentUser()
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, m.Login(context.Background(), "A"))
	u, err := m.CurrentUser()
	require.NoError(t, err)
	require.Equal(t, "A", u)
	require.Equal(t, 0, st.Snapshot().Len())
	require.False(t, st.Loading())
	require.NoError(t, st.Err())
}

func TestLogin_EmptyUser(t *testing.T) {
	m := NewManager(newStore(), NewMemorySlots(), discard(), Options{})
	require.Error(t, m.Login(context.Background(), ""))
}

func TestMutationsPersistAndReload(t *testing.T) {
	ctx := context.Background()
	slots := NewMemorySlots()

	st := newStore()
	m := NewManager(st, slots, discard(), Options{})
	require.NoError(t, m.Login(ctx, "A"))
	st.InitializeTracking("ORD-1", trackings.Initial{})
	st.UpdateOrderStatus("ORD-1", models.StatusShipped, "Hub", "")
	m.Flush()

	b, ok, err := slots.Load(ctx, snapshot.SlotKey("A"))
	require.NoError(t, err)
	require.True(t, ok)
	saved, err := snapshot.Decode(b)
	require.NoError(t, err)
	require.Equal(t, models.StatusShipped, saved["ORD-1"].CurrentStatus)
	m.Close()

	// новый процесс: тот же слот
	st2 := newStore()
	m2 := NewManager(st2, slots, discard(), Options{})
	defer m2.Close()
	require.NoError(t, m2.Login(ctx, "A"))
	got, ok := st2.GetOrderTracking("ORD-1")
	require.True(t, ok)
	require.Len(t, got.Events, 2)
	require.Equal(t, models.StatusShipped, got.CurrentStatus)
}

func TestUserSwitchIsolation(t *testing.T) {
	ctx := context.Background()
	slots := NewMemorySlots()
	st := newStore()
	m := NewManager(st, slots, discard(), Options{})
	defer m.Close()

	require.NoError(t, m.Login(ctx, "A"))
	st.InitializeTracking("A-1", trackings.Initial{})

	require.NoError(t, m.Login(ctx, "B"))
	_, ok := st.GetOrderTracking("A-1")
	require.False(t, ok, "user A data visible after switching to B")
	st.InitializeTracking("B-1", trackings.Initial{})
	m.Flush()

	a, _, _ := slots.Load(ctx, snapshot.SlotKey("A"))
	aData, err := snapshot.Decode(a)
	require.NoError(t, err)
	require.Contains(t, aData, "A-1")
	require.NotContains(t, aData, "B-1")

	b, _, _ := slots.Load(ctx, snapshot.SlotKey("B"))
	bData, err := snapshot.Decode(b)
	require.NoError(t, err)
	require.Contains(t, bData, "B-1")
	require.NotContains(t, bData, "A-1")
}

func TestNoSaveWithoutUser(t *testing.T) {
	sm := &slotsMock{}
	st := newStore()
	m := NewManager(st, sm, discard(), Options{})
	defer m.Close()

	st.InitializeTracking("X", trackings.Initial{})
	sm.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
}

func TestHydrateAndClearAreNotWritten(t *testing.T) {
	ctx := context.Background()
	sm := &slotsMock{}
	sm.On("Load", mock.Anything, "order_trackings_A").Return(nil, false, nil).Once()

	st := newStore()
	m := NewManager(st, sm, discard(), Options{})
	defer m.Close()

	require.NoError(t, m.Login(ctx, "A"))
	require.NoError(t, m.Logout(ctx))
	sm.AssertExpectations(t)
	sm.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
	sm.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestLoadFailureLeavesEmptyStoreWithError(t *testing.T) {
	sm := &slotsMock{}
	sm.On("Load", mock.Anything, "order_trackings_A").Return(nil, false, errors.New("redis down"))
	met := metrics.New()

	st := newStore()
	m := NewManager(st, sm, discard(), Options{Metrics: met})
	defer m.Close()

	require.NoError(t, m.Login(context.Background(), "A"))
	require.Equal(t, 0, st.Snapshot().Len())
	require.Error(t, st.Err())
	require.Contains(t, st.Err().Error(), "redis down")
	require.False(t, st.Loading())
	require.Equal(t, 1.0, testutil.ToFloat64(met.PersistLoads.WithLabelValues(metrics.ResultError)))
}

func TestCorruptSnapshotTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	slots := NewMemorySlots()
	require.NoError(t, slots.Save(ctx, snapshot.SlotKey("A"), []byte(`{"X":{"lastUpdated":"garbage"}}`)))

	st := newStore()
	m := NewManager(st, slots, discard(), Options{})
	defer m.Close()

	require.NoError(t, m.Login(ctx, "A"))
	require.Equal(t, 0, st.Snapshot().Len())
	require.Error(t, st.Err())
}

func TestSaveFailureIsAbsorbed(t *testing.T) {
	sm := &slotsMock{}
	sm.On("Load", mock.Anything, mock.Anything).Return(nil, false, nil)
	sm.On("Save", mock.Anything, "order_trackings_A", mock.Anything).Return(errors.New("quota exceeded"))
	met := metrics.New()

	st := newStore()
	m := NewManager(st, sm, discard(), Options{Metrics: met})
	defer m.Close()
	require.NoError(t, m.Login(context.Background(), "A"))

	st.InitializeTracking("X", trackings.Initial{})
	_, ok := st.GetOrderTracking("X")
	require.True(t, ok, "in-memory state must survive a failed save")
	m.Flush()
	require.Error(t, st.Err())
	require.Equal(t, 1.0, testutil.ToFloat64(met.PersistSaves.WithLabelValues(metrics.ResultError)))
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	slots := NewMemorySlots()
	st := newStore()
	m := NewManager(st, slots, discard(), Options{})
	defer m.Close()

	require.ErrorIs(t, m.Logout(ctx), ErrNoSession)

	require.NoError(t, m.Login(ctx, "A"))
	st.InitializeTracking("X", trackings.Initial{})
	require.NoError(t, m.Logout(ctx))

	require.Equal(t, 0, st.Snapshot().Len())
	_, err := m.CurrentUser()
	require.ErrorIs(t, err, ErrNoSession)
	// слот по умолчанию остаётся
	_, ok, _ := slots.Load(ctx, snapshot.SlotKey("A"))
	require.True(t, ok)

	// после logout мутации никуда не пишутся
	st.InitializeTracking("Y", trackings.Initial{})
	b, _, _ := slots.Load(ctx, snapshot.SlotKey("A"))
	data, err := snapshot.Decode(b)
	require.NoError(t, err)
	require.NotContains(t, data, "Y")
}

func TestLogout_DeleteOnLogout(t *testing.T) {
	ctx := context.Background()
	slots := NewMemorySlots()
	st := newStore()
	m := NewManager(st, slots, discard(), Options{DeleteOnLogout: true})
	defer m.Close()

	require.NoError(t, m.Login(ctx, "A"))
	st.InitializeTracking("X", trackings.Initial{})
	require.NoError(t, m.Logout(ctx))
	require.Empty(t, slots.Keys())
}

func TestLoginSameUserIsNoop(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	m := NewManager(st, NewMemorySlots(), discard(), Options{})
	defer m.Close()

	require.NoError(t, m.Login(ctx, "A"))
	st.InitializeTracking("X", trackings.Initial{})
	epoch := st.Epoch()
	require.NoError(t, m.Login(ctx, "A"))
	require.Equal(t, epoch, st.Epoch())
	_, ok := st.GetOrderTracking("X")
	require.True(t, ok)
}

func TestConcurrentMutationsDuringUserSwitch(t *testing.T) {
	ctx := context.Background()
	slots := NewMemorySlots()
	st := newStore()
	m := NewManager(st, slots, discard(), Options{SaveTimeout: time.Second})
	defer m.Close()
	require.NoError(t, m.Login(ctx, "A"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			st.InitializeTracking("A-order", trackings.Initial{})
		}
	}()
	require.NoError(t, m.Login(ctx, "B"))
	wg.Wait()
	m.Flush()

	// в слоте A не больше одной записи: ничего из сессии B туда не попало
	if b, ok, _ := slots.Load(ctx, snapshot.SlotKey("A")); ok {
		data, err := snapshot.Decode(b)
		require.NoError(t, err)
		require.LessOrEqual(t, len(data), 1)
	}
}

// gateSlots blocks Save until release is closed, then fails it.
type gateSlots struct {
	*MemorySlots
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	saves int
}

func newGateSlots() *gateSlots {
	return &gateSlots{MemorySlots: NewMemorySlots(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateSlots) Save(ctx context.Context, key string, value []byte) error {
	g.mu.Lock()
	g.saves++
	first := g.saves == 1
	g.mu.Unlock()
	if !first {
		return g.MemorySlots.Save(ctx, key, value)
	}
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return errors.New("slot unavailable")
}

func TestFailingSlowSaveDoesNotBlockStore(t *testing.T) {
	ctx := context.Background()
	slots := newGateSlots()
	st := newStore()
	m := NewManager(st, slots, discard(), Options{})
	defer m.Close()
	require.NoError(t, m.Login(ctx, "A"))

	st.InitializeTracking("o1", trackings.Initial{})
	select {
	case <-slots.entered:
	case <-time.After(time.Second):
		t.Fatal("save was not started")
	}

	// сохранение висит: запись и чтение стора не ждут его
	found := make(chan bool, 1)
	go func() {
		st.InitializeTracking("o2", trackings.Initial{})
		_, ok := st.GetOrderTracking("o1")
		found <- ok
	}()
	select {
	case ok := <-found:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("store blocked by a pending save")
	}

	close(slots.release)
	require.Eventually(t, func() bool { return st.Err() != nil }, time.Second, time.Millisecond)

	// следующий снимок содержит обе записи
	m.Flush()
	b, ok, err := slots.Load(ctx, snapshot.SlotKey("A"))
	require.NoError(t, err)
	require.True(t, ok)
	saved, err := snapshot.Decode(b)
	require.NoError(t, err)
	require.Contains(t, saved, "o1")
	require.Contains(t, saved, "o2")
}

func TestSetErrorDuringDispatchDoesNotDeadlock(t *testing.T) {
	st := newStore()
	// слушатель, который сам трогает флаги стора, как это делает упавшее сохранение
	unsub := st.Subscribe(func(trackings.Change) {
		st.SetError(errors.New("save failed"))
		_ = st.Err()
		_, _ = st.GetOrderTracking("o1")
	})
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				st.InitializeTracking(fmt.Sprintf("o%d-%d", i, j), trackings.Initial{})
				st.SetError(nil)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock between dispatch and SetError")
	}
	require.Equal(t, 200, st.Snapshot().Len())
}

func TestCloseFlushesPendingSave(t *testing.T) {
	ctx := context.Background()
	slots := NewMemorySlots()
	st := newStore()
	m := NewManager(st, slots, discard(), Options{})
	require.NoError(t, m.Login(ctx, "A"))

	st.InitializeTracking("X", trackings.Initial{})
	m.Close()
	m.Close()

	_, ok, err := slots.Load(ctx, snapshot.SlotKey("A"))
	require.NoError(t, err)
	require.True(t, ok)
}
