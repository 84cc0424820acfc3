package models

import (
	"strings"
	"time"
)

// Статусы заказа. Первые шесть образуют линейную прогрессию, cancelled поглощающий.
const (
	StatusConfirmed      = "confirmed"
	StatusProcessing     = "processing"
	StatusShipped        = "shipped"
	StatusInTransit      = "in_transit"
	StatusOutForDelivery = "out_for_delivery"
	StatusDelivered      = "delivered"
	StatusCancelled      = "cancelled"
)

// Progression is the canonical forward order of statuses.
var Progression = []string{
	StatusConfirmed,
	StatusProcessing,
	StatusShipped,
	StatusInTransit,
	StatusOutForDelivery,
	StatusDelivered,
}

var defaultDescriptions = map[string]string{
	StatusConfirmed:      "Order confirmed and payment received",
	StatusProcessing:     "Order is being prepared for shipment",
	StatusShipped:        "Order has been shipped",
	StatusInTransit:      "Package is in transit to destination",
	StatusOutForDelivery: "Package is out for delivery",
	StatusDelivered:      "Package has been delivered",
	StatusCancelled:      "Order has been cancelled",
}

const fallbackDescription = "Status updated"

// SimulationLocations are the hub labels a simulated advance picks from.
var SimulationLocations = []string{
	"Distribution Center",
	"Regional Hub",
	"Local Facility",
	"Sorting Center",
	"Delivery Vehicle",
}

// InitialLocation is the location of the seeded confirmed event.
const InitialLocation = "Order Processing Center"

type TrackingEvent struct {
	ID          string
	Timestamp   time.Time
	Status      string
	Location    string
	Description string
	IsCompleted bool
}

type OrderTracking struct {
	OrderID           string
	CurrentStatus     string
	TrackingNumber    string
	Carrier           string
	EstimatedDelivery time.Time
	Events            []TrackingEvent
	LastUpdated       time.Time
	IsRealTimeEnabled bool
}

// Clone returns a copy that does not share the events slice.
func (t OrderTracking) Clone() OrderTracking {
	out := t
	if t.Events != nil {
		out.Events = append([]TrackingEvent(nil), t.Events...)
	}
	return out
}

// LatestEvent returns the last appended event.
func (t OrderTracking) LatestEvent() (TrackingEvent, bool) {
	if len(t.Events) == 0 {
		return TrackingEvent{}, false
	}
	return t.Events[len(t.Events)-1], true
}

// DefaultDescription maps a status onto its human readable description.
func DefaultDescription(status string) string {
	if d, ok := defaultDescriptions[strings.ToLower(status)]; ok {
		return d
	}
	return fallbackDescription
}

// ProgressIndex returns the position of status in Progression or -1.
func ProgressIndex(status string) int {
	s := strings.ToLower(status)
	for i, p := range Progression {
		if p == s {
			return i
		}
	}
	return -1
}

// NextStatus returns the status following the given one in Progression.
// ok is false for terminal, cancelled and unrecognized statuses.
func NextStatus(status string) (string, bool) {
	i := ProgressIndex(status)
	if i < 0 || i == len(Progression)-1 {
		return "", false
	}
	return Progression[i+1], true
}

func IsTerminal(status string) bool {
	s := strings.ToLower(status)
	return s == StatusDelivered || s == StatusCancelled
}

// NormalizeStatus maps raw carrier statuses ("IN_TRANSIT", "Out For Delivery") onto the vocabulary.
// Unknown values are lower-cased and returned as is.
func NormalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	switch s {
	case "canceled":
		return StatusCancelled
	case "transit":
		return StatusInTransit
	case "out_for_delivery", "on_delivery":
		return StatusOutForDelivery
	}
	return s
}
