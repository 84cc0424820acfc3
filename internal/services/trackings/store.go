package trackings

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/BearBump/ordertrack/internal/models"
	"github.com/pkg/errors"
)

// ErrNotFound is reported by surfaces that must tell absence apart; the store itself
// ignores mutations of absent orders.
var ErrNotFound = errors.New("no tracking information available")

const (
	ReasonHydrate = "hydrate"
	ReasonClear   = "clear"
)

// Change is delivered to listeners after every state change, in version order.
type Change struct {
	Snapshot State
	Reason   string
	OrderID  string
	Epoch    uint64
	Version  uint64
}

type Listener func(Change)

// Store owns the trackings collection. All writes go through Dispatch.
type Store struct {
	env Env
	log *slog.Logger

	mu      sync.Mutex
	state   State
	epoch   uint64
	version uint64

	// флаги сессии живут отдельно от mu: их пишут из фоновых сохранений
	flagsMu sync.Mutex
	loading bool
	lastErr error

	// notifyMu и turn выдают изменения слушателям строго по версиям; mu при этом не удерживается,
	// поэтому чтения не ждут слушателей.
	notifyMu  sync.Mutex
	turn      *sync.Cond
	delivered uint64
	listeners map[int]Listener
	nextID    int
}

func NewStore(env Env, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		env:       env.withDefaults(),
		log:       log,
		state:     State{Trackings: map[string]models.OrderTracking{}},
		listeners: map[int]Listener{},
	}
	s.turn = sync.NewCond(&s.notifyMu)
	return s
}

// Subscribe registers l for change notifications. Listeners may read the store but must not
// call Dispatch: a write from a listener waits for its own turn forever.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.notifyMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.notifyMu.Unlock()

	return func() {
		s.notifyMu.Lock()
		delete(s.listeners, id)
		s.notifyMu.Unlock()
	}
}

// Dispatch applies cmd and reports whether the state changed.
func (s *Store) Dispatch(cmd Command) bool {
	s.mu.Lock()
	next, changed := Reduce(s.state, cmd, s.env)
	if !changed {
		s.mu.Unlock()
		s.log.Debug("tracking command ignored", "command", cmd.Name(), "order_id", cmd.orderID())
		return false
	}
	s.state = next
	s.version++
	ch := Change{Snapshot: next, Reason: cmd.Name(), OrderID: cmd.orderID(), Epoch: s.epoch, Version: s.version}
	s.mu.Unlock()

	s.deliver(ch)
	return true
}

// Replace swaps the whole collection (hydration) and starts a new epoch.
func (s *Store) Replace(trackings map[string]models.OrderTracking) uint64 {
	m := make(map[string]models.OrderTracking, len(trackings))
	for k, v := range trackings {
		m[k] = v.Clone()
	}

	s.mu.Lock()
	s.state = State{Trackings: m}
	s.epoch++
	s.version++
	ch := Change{Snapshot: s.state, Reason: ReasonHydrate, Epoch: s.epoch, Version: s.version}
	s.mu.Unlock()

	s.deliver(ch)
	return ch.Epoch
}

// Clear drops every record and resets the flags.
func (s *Store) Clear() {
	s.mu.Lock()
	s.state = State{Trackings: map[string]models.OrderTracking{}}
	s.epoch++
	s.version++
	ch := Change{Snapshot: s.state, Reason: ReasonClear, Epoch: s.epoch, Version: s.version}
	s.mu.Unlock()

	s.flagsMu.Lock()
	s.loading = false
	s.lastErr = nil
	s.flagsMu.Unlock()

	s.deliver(ch)
}

// deliver waits until every earlier version has been delivered, then runs the listeners.
func (s *Store) deliver(ch Change) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for s.delivered+1 < ch.Version {
		s.turn.Wait()
	}
	defer func() {
		s.delivered = ch.Version
		s.turn.Broadcast()
	}()

	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		s.listeners[id](ch)
	}
}

func (s *Store) InitializeTracking(orderID string, initial Initial) {
	s.Dispatch(InitializeTracking{OrderID: orderID, Initial: initial})
}

func (s *Store) UpdateOrderStatus(orderID, status, location, description string) bool {
	return s.Dispatch(UpdateStatus{OrderID: orderID, Status: status, Location: location, Description: description})
}

func (s *Store) AddTrackingEvent(orderID string, ev EventInput) bool {
	return s.Dispatch(AddEvent{OrderID: orderID, Event: ev})
}

func (s *Store) EnableRealTimeTracking(orderID string) bool {
	return s.Dispatch(EnableLive{OrderID: orderID})
}

func (s *Store) DisableRealTimeTracking(orderID string) bool {
	return s.Dispatch(DisableLive{OrderID: orderID})
}

func (s *Store) SimulateStatusUpdate(orderID string) bool {
	return s.Dispatch(SimulateAdvance{OrderID: orderID})
}

// AdvanceLive is SimulateStatusUpdate that skips records with real-time tracking off.
// The flag is checked in the same transition, so a concurrent disable always wins.
func (s *Store) AdvanceLive(orderID string) bool {
	return s.Dispatch(SimulateAdvance{OrderID: orderID, OnlyLive: true})
}

func (s *Store) SetShipment(orderID, trackingNumber, carrier string) bool {
	return s.Dispatch(SetShipment{OrderID: orderID, TrackingNumber: trackingNumber, Carrier: carrier})
}

// GetOrderTracking returns a copy of the record.
func (s *Store) GetOrderTracking(orderID string) (models.OrderTracking, bool) {
	s.mu.Lock()
	t, ok := s.state.Trackings[orderID]
	s.mu.Unlock()
	if !ok {
		return models.OrderTracking{}, false
	}
	return t.Clone(), true
}

// List returns copies of all records ordered by order id.
func (s *Store) List() []models.OrderTracking {
	snap := s.Snapshot()
	out := make([]models.OrderTracking, 0, snap.Len())
	for _, t := range snap.Trackings {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Store) SetLoading(v bool) {
	s.flagsMu.Lock()
	s.loading = v
	s.flagsMu.Unlock()
}

func (s *Store) Loading() bool {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	return s.loading
}

func (s *Store) SetError(err error) {
	s.flagsMu.Lock()
	s.lastErr = err
	s.flagsMu.Unlock()
}

func (s *Store) Err() error {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	return s.lastErr
}

// ActiveOrderIDs lists live-enabled records that are not in a terminal status.
func (s *Store) ActiveOrderIDs() []string {
	snap := s.Snapshot()
	var ids []string
	for id, t := range snap.Trackings {
		if t.IsRealTimeEnabled && !models.IsTerminal(t.CurrentStatus) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
