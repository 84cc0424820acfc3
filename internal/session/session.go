// Package session binds the trackings store to the durable slot of the logged-in user.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/BearBump/ordertrack/internal/models"
	"github.com/BearBump/ordertrack/internal/services/trackings"
	"github.com/BearBump/ordertrack/internal/storage/snapshot"
	"github.com/pkg/errors"
)

var ErrNoSession = errors.New("no active session")

type Options struct {
	// DeleteOnLogout removes the user's slot on logout; by default it is left in place.
	DeleteOnLogout bool
	SaveTimeout    time.Duration
	Metrics        *metrics.Metrics
}

type Manager struct {
	store *trackings.Store
	slots SlotStore
	log   *slog.Logger
	opts  Options

	// opMu сериализует Login/Logout, stateMu защищает user/epoch и читается из слушателя стора.
	opMu    sync.Mutex
	stateMu sync.Mutex
	user    string
	epoch   uint64

	// последний несохраненный снимок; фоновый writer забирает его под wmu
	wmu     sync.Mutex
	idle    *sync.Cond
	pending *pendingSave
	busy    bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}

	unsubscribe func()
	closeOnce   sync.Once
}

type pendingSave struct {
	user     string
	snapshot trackings.State
}

func NewManager(store *trackings.Store, slots SlotStore, log *slog.Logger, opts Options) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 5 * time.Second
	}
	m := &Manager{
		store: store,
		slots: slots,
		log:   log,
		opts:  opts,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	m.idle = sync.NewCond(&m.wmu)
	go m.writeLoop()
	m.unsubscribe = store.Subscribe(m.persist)
	return m
}

// Login hydrates the store from the user's slot. Load and decode failures leave the store
// empty with its error flag set; they are not returned.
func (m *Manager) Login(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("empty user id")
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	current, _ := m.CurrentUser()
	if current == userID {
		return nil
	}
	if current != "" {
		m.logoutLocked(ctx)
	}

	m.store.SetLoading(true)
	m.store.SetError(nil)
	data := m.load(ctx, userID)
	epoch := m.store.Replace(data)
	m.store.SetLoading(false)

	m.stateMu.Lock()
	m.user = userID
	m.epoch = epoch
	m.stateMu.Unlock()

	m.log.Info("session started", "user_id", userID, "trackings", len(data))
	return nil
}

func (m *Manager) load(ctx context.Context, userID string) map[string]models.OrderTracking {
	key := snapshot.SlotKey(userID)
	b, ok, err := m.slots.Load(ctx, key)
	if err != nil {
		m.fail("load snapshot", userID, err)
		m.opts.Metrics.PersistLoad(metrics.ResultError)
		return nil
	}
	if !ok {
		m.opts.Metrics.PersistLoad(metrics.ResultMiss)
		return nil
	}
	data, err := snapshot.Decode(b)
	if err != nil {
		m.fail("decode snapshot", userID, err)
		m.opts.Metrics.PersistLoad(metrics.ResultError)
		return nil
	}
	m.opts.Metrics.PersistLoad(metrics.ResultHit)
	return data
}

func (m *Manager) Logout(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if u, _ := m.CurrentUser(); u == "" {
		return ErrNoSession
	}
	m.logoutLocked(ctx)
	return nil
}

func (m *Manager) logoutLocked(ctx context.Context) {
	m.stateMu.Lock()
	user := m.user
	m.user = ""
	m.stateMu.Unlock()

	// дописываем то, что успели изменить до выхода, и только потом удаляем слот
	m.Flush()

	if m.opts.DeleteOnLogout {
		if err := m.slots.Delete(ctx, snapshot.SlotKey(user)); err != nil {
			m.log.Warn("delete snapshot", "user_id", user, "error", err.Error())
		}
	}
	m.store.Clear()
	m.log.Info("session ended", "user_id", user)
}

// CurrentUser returns ErrNoSession when nobody is logged in.
func (m *Manager) CurrentUser() (string, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.user == "" {
		return "", ErrNoSession
	}
	return m.user, nil
}

// Close stops persisting, writes out the pending snapshot and stops the writer.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		m.Flush()
		close(m.stop)
		<-m.done
	})
}

// Flush blocks until every snapshot queued so far has been written or has failed.
func (m *Manager) Flush() {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	for m.pending != nil || m.busy {
		m.idle.Wait()
	}
}

// persist runs inside the store's notification path and only queues the snapshot for writeLoop.
func (m *Manager) persist(ch trackings.Change) {
	if ch.Reason == trackings.ReasonHydrate || ch.Reason == trackings.ReasonClear {
		return
	}
	if ch.Snapshot.Len() == 0 {
		return
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	// изменение другого стора (до логина или после смены пользователя) не пишем
	if m.user == "" || ch.Epoch != m.epoch {
		return
	}

	m.wmu.Lock()
	m.pending = &pendingSave{user: m.user, snapshot: ch.Snapshot}
	m.wmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) writeLoop() {
	defer close(m.done)
	for {
		select {
		case <-m.wake:
			m.drain()
		case <-m.stop:
			return
		}
	}
}

// drain пишет только последний снимок: промежуточные версии перекрываются.
func (m *Manager) drain() {
	for {
		m.wmu.Lock()
		p := m.pending
		m.pending = nil
		m.busy = p != nil
		if p == nil {
			m.idle.Broadcast()
			m.wmu.Unlock()
			return
		}
		m.wmu.Unlock()

		m.save(p)
	}
}

func (m *Manager) save(p *pendingSave) {
	b, err := snapshot.Encode(p.snapshot.Trackings)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.SaveTimeout)
		err = m.slots.Save(ctx, snapshot.SlotKey(p.user), b)
		cancel()
	}
	if err != nil {
		m.fail("save snapshot", p.user, err)
		m.opts.Metrics.PersistSave(metrics.ResultError)
		return
	}
	m.opts.Metrics.PersistSave(metrics.ResultOK)
}

func (m *Manager) fail(op, userID string, err error) {
	m.log.Warn(op, "user_id", userID, "error", err.Error())
	m.store.SetError(errors.Wrap(err, op))
}
