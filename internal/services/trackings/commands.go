package trackings

import (
	"time"

	"github.com/BearBump/ordertrack/internal/models"
)

// Command is one state transition over the trackings collection.
// The set is closed: only types in this package implement it.
type Command interface {
	Name() string
	orderID() string
}

// Initial holds optional overrides for InitializeTracking. Nil fields keep the defaults,
// a nil Events slice means "not supplied".
type Initial struct {
	CurrentStatus     *string
	TrackingNumber    *string
	Carrier           *string
	EstimatedDelivery *time.Time
	LastUpdated       *time.Time
	IsRealTimeEnabled *bool
	Events            []models.TrackingEvent
}

type InitializeTracking struct {
	OrderID string
	Initial Initial
}

type UpdateStatus struct {
	OrderID     string
	Status      string
	Location    string
	Description string
}

// EventInput is an event without id; a zero Timestamp means "now".
type EventInput struct {
	Timestamp   time.Time
	Status      string
	Location    string
	Description string
	IsCompleted bool
}

type AddEvent struct {
	OrderID string
	Event   EventInput
}

type EnableLive struct{ OrderID string }

type DisableLive struct{ OrderID string }

// SimulateAdvance moves the order one step along the status chain.
// OnlyLive makes it a no-op for records with real-time tracking off.
type SimulateAdvance struct {
	OrderID  string
	OnlyLive bool
}

// SetShipment records carrier identifiers. Empty fields keep the current values.
type SetShipment struct {
	OrderID        string
	TrackingNumber string
	Carrier        string
}

func (c InitializeTracking) Name() string { return "initialize_tracking" }
func (c UpdateStatus) Name() string       { return "update_status" }
func (c AddEvent) Name() string           { return "add_event" }
func (c EnableLive) Name() string         { return "enable_live" }
func (c DisableLive) Name() string        { return "disable_live" }
func (c SimulateAdvance) Name() string    { return "simulate_advance" }
func (c SetShipment) Name() string        { return "set_shipment" }

func (c InitializeTracking) orderID() string { return c.OrderID }
func (c UpdateStatus) orderID() string       { return c.OrderID }
func (c AddEvent) orderID() string           { return c.OrderID }
func (c EnableLive) orderID() string         { return c.OrderID }
func (c DisableLive) orderID() string        { return c.OrderID }
func (c SimulateAdvance) orderID() string    { return c.OrderID }
func (c SetShipment) orderID() string        { return c.OrderID }
