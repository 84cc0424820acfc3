package trackings

import (
	"math/rand"
	"time"

	"github.com/BearBump/ordertrack/internal/models"
	"github.com/google/uuid"
)

const defaultDeliveryWindow = 7 * 24 * time.Hour

// State is an immutable snapshot of the collection. Readers must not mutate it.
type State struct {
	Trackings map[string]models.OrderTracking
}

func (s State) Len() int { return len(s.Trackings) }

// Env carries the non-deterministic inputs of transitions.
type Env struct {
	Now          func() time.Time
	NewID        func() string
	PickLocation func(candidates []string) string
}

// DefaultEnv uses wall clock time, UUIDv7 ids and a random location.
func DefaultEnv() Env {
	return Env{
		Now:          utcNow,
		NewID:        NewEventID,
		PickLocation: RandomLocation(rand.New(rand.NewSource(time.Now().UnixNano()))),
	}
}

func utcNow() time.Time { return time.Now().UTC() }

// withDefaults fills only the missing fields; a complete Env passes through untouched.
func (e Env) withDefaults() Env {
	if e.Now == nil {
		e.Now = utcNow
	}
	if e.NewID == nil {
		e.NewID = NewEventID
	}
	if e.PickLocation == nil {
		e.PickLocation = RandomLocation(rand.New(rand.NewSource(time.Now().UnixNano())))
	}
	return e
}

// NewEventID returns a time-ordered id, so creation order survives serialization.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Intner is satisfied by *rand.Rand.
type Intner interface {
	Intn(n int) int
}

// RandomLocation picks a candidate uniformly using r.
func RandomLocation(r Intner) func([]string) string {
	return func(candidates []string) string {
		if len(candidates) == 0 {
			return ""
		}
		return candidates[r.Intn(len(candidates))]
	}
}

// Reduce applies cmd to s. It never mutates s; changed reports whether a new state was produced.
// Commands addressing an absent order leave the state untouched.
func Reduce(s State, cmd Command, env Env) (next State, changed bool) {
	env = env.withDefaults()

	if c, ok := cmd.(InitializeTracking); ok {
		return s.with(c.OrderID, initialize(c, env)), true
	}

	cur, ok := s.Trackings[cmd.orderID()]
	if !ok {
		return s, false
	}

	switch c := cmd.(type) {
	case UpdateStatus:
		return s.with(c.OrderID, applyStatus(cur, c.Status, c.Location, c.Description, env)), true

	case AddEvent:
		ts := c.Event.Timestamp
		if ts.IsZero() {
			ts = env.Now()
		}
		t := cur.Clone()
		t.Events = append(t.Events, models.TrackingEvent{
			ID:          env.NewID(),
			Timestamp:   ts,
			Status:      c.Event.Status,
			Location:    c.Event.Location,
			Description: c.Event.Description,
			IsCompleted: c.Event.IsCompleted,
		})
		t.LastUpdated = env.Now()
		return s.with(c.OrderID, t), true

	case EnableLive:
		if cur.IsRealTimeEnabled {
			return s, false
		}
		t := cur.Clone()
		t.IsRealTimeEnabled = true
		return s.with(c.OrderID, t), true

	case DisableLive:
		if !cur.IsRealTimeEnabled {
			return s, false
		}
		t := cur.Clone()
		t.IsRealTimeEnabled = false
		return s.with(c.OrderID, t), true

	case SimulateAdvance:
		if c.OnlyLive && !cur.IsRealTimeEnabled {
			return s, false
		}
		next, ok := models.NextStatus(cur.CurrentStatus)
		if !ok {
			return s, false
		}
		loc := env.PickLocation(models.SimulationLocations)
		return s.with(c.OrderID, applyStatus(cur, next, loc, "", env)), true

	case SetShipment:
		if c.TrackingNumber == "" && c.Carrier == "" {
			return s, false
		}
		t := cur.Clone()
		if c.TrackingNumber != "" {
			t.TrackingNumber = c.TrackingNumber
		}
		if c.Carrier != "" {
			t.Carrier = c.Carrier
		}
		t.LastUpdated = env.Now()
		return s.with(c.OrderID, t), true
	}
	return s, false
}

func initialize(c InitializeTracking, env Env) models.OrderTracking {
	now := env.Now()
	t := models.OrderTracking{
		OrderID:           c.OrderID,
		CurrentStatus:     models.StatusConfirmed,
		EstimatedDelivery: now.Add(defaultDeliveryWindow),
		LastUpdated:       now,
		IsRealTimeEnabled: true,
		Events: []models.TrackingEvent{{
			ID:          env.NewID(),
			Timestamp:   now,
			Status:      models.StatusConfirmed,
			Location:    models.InitialLocation,
			Description: models.DefaultDescription(models.StatusConfirmed),
			IsCompleted: true,
		}},
	}

	in := c.Initial
	if len(in.Events) > 0 {
		t.Events = append([]models.TrackingEvent(nil), in.Events...)
		t.CurrentStatus = t.Events[len(t.Events)-1].Status
	}
	if in.CurrentStatus != nil {
		t.CurrentStatus = *in.CurrentStatus
	}
	if in.TrackingNumber != nil {
		t.TrackingNumber = *in.TrackingNumber
	}
	if in.Carrier != nil {
		t.Carrier = *in.Carrier
	}
	if in.EstimatedDelivery != nil {
		t.EstimatedDelivery = *in.EstimatedDelivery
	}
	if in.LastUpdated != nil {
		t.LastUpdated = *in.LastUpdated
	}
	if in.IsRealTimeEnabled != nil {
		t.IsRealTimeEnabled = *in.IsRealTimeEnabled
	}
	return t
}

func applyStatus(cur models.OrderTracking, status, location, description string, env Env) models.OrderTracking {
	if description == "" {
		description = models.DefaultDescription(status)
	}
	now := env.Now()
	t := cur.Clone()
	t.Events = append(t.Events, models.TrackingEvent{
		ID:          env.NewID(),
		Timestamp:   now,
		Status:      status,
		Location:    location,
		Description: description,
		IsCompleted: true,
	})
	t.CurrentStatus = status
	t.LastUpdated = now
	return t
}

// with returns a copy of s with orderID set to t.
func (s State) with(orderID string, t models.OrderTracking) State {
	m := make(map[string]models.OrderTracking, len(s.Trackings)+1)
	for k, v := range s.Trackings {
		m[k] = v
	}
	m[orderID] = t
	return State{Trackings: m}
}
