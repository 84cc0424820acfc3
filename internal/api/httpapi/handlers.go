// Package httpapi is the HTTP surface of track-api: session, tracking views, commands and
// live subscriptions.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ordertrack/internal/live"
	"github.com/BearBump/ordertrack/internal/services/trackings"
	"github.com/BearBump/ordertrack/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

var msgNoTracking = trackings.ErrNotFound.Error()

type Sessions interface {
	Login(ctx context.Context, userID string) error
	Logout(ctx context.Context) error
	CurrentUser() (string, error)
}

type Handlers struct {
	store    *trackings.Store
	sessions Sessions
	// live is nil in degraded mode.
	live *live.Channel
	log  *slog.Logger

	mu   sync.Mutex
	subs map[string]*live.Subscription

	// момент последней смены состояния канала, unix nano
	liveSince atomic.Int64
	unwatch   func()
}

func New(store *trackings.Store, sessions Sessions, ch *live.Channel, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	h := &Handlers{store: store, sessions: sessions, live: ch, log: log, subs: map[string]*live.Subscription{}}
	if ch != nil {
		h.unwatch = ch.OnStateChange(func(live.ConnState) {
			h.liveSince.Store(time.Now().UTC().UnixNano())
		})
	}
	return h
}

// Close releases subscriptions taken over HTTP and stops watching the channel.
func (h *Handlers) Close() {
	h.releaseAll()
	if h.unwatch != nil {
		h.unwatch()
	}
}

func (h *Handlers) releaseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[string]*live.Subscription{}
	h.mu.Unlock()

	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		subs[id].Close()
	}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", Live: "degraded"})
		return
	}
	resp := healthResponse{
		Status:        "ok",
		Live:          h.live.State().String(),
		Subscriptions: h.live.Subscriptions(),
	}
	if ns := h.liveSince.Load(); ns > 0 {
		at := time.Unix(0, ns).UTC()
		resp.LiveSince = &at
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{Loading: h.store.Loading()}
	if err := h.store.Err(); err != nil {
		resp.Error = err.Error()
	}
	if user, err := h.sessions.CurrentUser(); err == nil {
		resp.Active = true
		resp.UserID = user
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "userId is required")
		return
	}
	// смена пользователя: подписки прошлой сессии не переживают выход
	if cur, err := h.sessions.CurrentUser(); err == nil && cur != req.UserID {
		h.releaseAll()
	}
	if err := h.sessions.Login(r.Context(), req.UserID); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	h.GetSession(w, r)
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.releaseAll()
	if err := h.sessions.Logout(r.Context()); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, r, http.StatusConflict, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequireSession rejects mutations while nobody is logged in, so nothing is written
// without a slot key.
func (h *Handlers) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.sessions.CurrentUser(); err != nil {
			writeError(w, r, http.StatusConflict, session.ErrNoSession.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) ListTrackings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := trackings.DashboardFilter{Status: q.Get("status"), Query: q.Get("q")}
	if v := q.Get("live"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid live filter")
			return
		}
		f.LiveOnly = b
	}
	writeJSON(w, r, http.StatusOK, toDashboard(trackings.Dashboard(h.store, f)))
}

func (h *Handlers) GetTracking(w http.ResponseWriter, r *http.Request) {
	h.writeDetail(w, r, http.StatusOK, chi.URLParam(r, "orderId"))
}

func (h *Handlers) writeDetail(w http.ResponseWriter, r *http.Request, status int, orderID string) {
	v, ok := trackings.Detail(h.store, orderID)
	if !ok {
		writeError(w, r, http.StatusNotFound, msgNoTracking)
		return
	}
	resp := toDetail(v)
	resp.Subscribed = h.live != nil && h.live.Subscribed(orderID)
	writeJSON(w, r, status, resp)
}

func (h *Handlers) InitializeTracking(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	var req initializeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.store.InitializeTracking(orderID, req.toInitial())
	h.writeDetail(w, r, http.StatusCreated, orderID)
}

// exists отвечает 404, если записи нет; сам стор такие команды молча игнорирует.
func (h *Handlers) exists(w http.ResponseWriter, r *http.Request, orderID string) bool {
	if _, ok := h.store.GetOrderTracking(orderID); !ok {
		writeError(w, r, http.StatusNotFound, msgNoTracking)
		return false
	}
	return true
}

func (h *Handlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status == "" {
		writeError(w, r, http.StatusBadRequest, "status is required")
		return
	}
	if !h.exists(w, r, orderID) {
		return
	}
	h.store.UpdateOrderStatus(orderID, req.Status, req.Location, req.Description)
	h.writeDetail(w, r, http.StatusOK, orderID)
}

func (h *Handlers) AddEvent(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	var req eventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.exists(w, r, orderID) {
		return
	}
	ev := trackings.EventInput{
		Status:      req.Status,
		Location:    req.Location,
		Description: req.Description,
		IsCompleted: req.IsCompleted,
	}
	if req.Timestamp != nil {
		ev.Timestamp = req.Timestamp.UTC()
	}
	h.store.AddTrackingEvent(orderID, ev)
	h.writeDetail(w, r, http.StatusOK, orderID)
}

func (h *Handlers) SetLive(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	var req liveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, r, http.StatusBadRequest, "enabled is required")
		return
	}
	if !h.exists(w, r, orderID) {
		return
	}
	if *req.Enabled {
		h.store.EnableRealTimeTracking(orderID)
	} else {
		h.store.DisableRealTimeTracking(orderID)
	}
	h.writeDetail(w, r, http.StatusOK, orderID)
}

func (h *Handlers) Simulate(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if !h.exists(w, r, orderID) {
		return
	}
	advanced := h.store.SimulateStatusUpdate(orderID)
	v, ok := trackings.Detail(h.store, orderID)
	if !ok {
		writeError(w, r, http.StatusNotFound, msgNoTracking)
		return
	}
	writeJSON(w, r, http.StatusOK, simulateResponse{Advanced: advanced, Detail: toDetail(v)})
}

func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if h.live == nil {
		writeError(w, r, http.StatusServiceUnavailable, "live updates are not available")
		return
	}
	if !h.exists(w, r, orderID) {
		return
	}

	h.mu.Lock()
	_, held := h.subs[orderID]
	h.mu.Unlock()
	if !held {
		sub, err := h.live.Subscribe(r.Context(), orderID)
		if err != nil {
			h.log.Warn("live subscribe", "order_id", orderID, "error", err.Error())
			writeError(w, r, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.mu.Lock()
		if _, dup := h.subs[orderID]; dup {
			// параллельный запрос успел раньше
			h.mu.Unlock()
			sub.Close()
		} else {
			h.subs[orderID] = sub
			h.mu.Unlock()
		}
	}
	writeJSON(w, r, http.StatusOK, subscriptionResponse{OrderID: orderID, Subscribed: true})
}

func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if h.live == nil {
		writeError(w, r, http.StatusServiceUnavailable, "live updates are not available")
		return
	}
	h.mu.Lock()
	sub, ok := h.subs[orderID]
	delete(h.subs, orderID)
	h.mu.Unlock()
	if ok {
		sub.Close()
	}
	writeJSON(w, r, http.StatusOK, subscriptionResponse{OrderID: orderID, Subscribed: h.live.Subscribed(orderID)})
}
