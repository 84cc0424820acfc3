// Package snapshot serializes the trackings collection for the per-user durable slot.
package snapshot

import (
	"encoding/json"
	"time"

	"github.com/BearBump/ordertrack/internal/models"
	"github.com/pkg/errors"
)

const slotPrefix = "order_trackings_"

// ErrNoEvents: a stored record must carry at least its initial event.
var ErrNoEvents = errors.New("tracking has no events")

// SlotKey is the durable slot of one user.
func SlotKey(userID string) string {
	return slotPrefix + userID
}

type eventDoc struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	Status      string `json:"status"`
	Location    string `json:"location"`
	Description string `json:"description"`
	IsCompleted bool   `json:"isCompleted"`
}

type trackingDoc struct {
	OrderID           string     `json:"orderId"`
	CurrentStatus     string     `json:"currentStatus"`
	TrackingNumber    string     `json:"trackingNumber,omitempty"`
	Carrier           string     `json:"carrier,omitempty"`
	EstimatedDelivery string     `json:"estimatedDelivery"`
	Events            []eventDoc `json:"events"`
	LastUpdated       string     `json:"lastUpdated"`
	IsRealTimeEnabled bool       `json:"isRealTimeEnabled"`
}

func Encode(trackings map[string]models.OrderTracking) ([]byte, error) {
	docs := make(map[string]trackingDoc, len(trackings))
	for id, t := range trackings {
		d := trackingDoc{
			OrderID:           t.OrderID,
			CurrentStatus:     t.CurrentStatus,
			TrackingNumber:    t.TrackingNumber,
			Carrier:           t.Carrier,
			EstimatedDelivery: formatTime(t.EstimatedDelivery),
			LastUpdated:       formatTime(t.LastUpdated),
			IsRealTimeEnabled: t.IsRealTimeEnabled,
			Events:            make([]eventDoc, 0, len(t.Events)),
		}
		for _, e := range t.Events {
			d.Events = append(d.Events, eventDoc{
				ID:          e.ID,
				Timestamp:   formatTime(e.Timestamp),
				Status:      e.Status,
				Location:    e.Location,
				Description: e.Description,
				IsCompleted: e.IsCompleted,
			})
		}
		docs[id] = d
	}
	b, err := json.Marshal(docs)
	if err != nil {
		return nil, errors.Wrap(err, "marshal snapshot")
	}
	return b, nil
}

// Decode is all-or-nothing: one bad timestamp or one record without events fails the whole snapshot.
func Decode(b []byte) (map[string]models.OrderTracking, error) {
	var docs map[string]trackingDoc
	if err := json.Unmarshal(b, &docs); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot")
	}

	out := make(map[string]models.OrderTracking, len(docs))
	for id, d := range docs {
		eta, err := parseTime(d.EstimatedDelivery)
		if err != nil {
			return nil, errors.Wrapf(err, "order %s estimatedDelivery", id)
		}
		upd, err := parseTime(d.LastUpdated)
		if err != nil {
			return nil, errors.Wrapf(err, "order %s lastUpdated", id)
		}
		t := models.OrderTracking{
			OrderID:           d.OrderID,
			CurrentStatus:     d.CurrentStatus,
			TrackingNumber:    d.TrackingNumber,
			Carrier:           d.Carrier,
			EstimatedDelivery: eta,
			LastUpdated:       upd,
			IsRealTimeEnabled: d.IsRealTimeEnabled,
			Events:            make([]models.TrackingEvent, 0, len(d.Events)),
		}
		if t.OrderID == "" {
			t.OrderID = id
		}
		for _, e := range d.Events {
			ts, err := parseTime(e.Timestamp)
			if err != nil {
				return nil, errors.Wrapf(err, "order %s event %s timestamp", id, e.ID)
			}
			t.Events = append(t.Events, models.TrackingEvent{
				ID:          e.ID,
				Timestamp:   ts,
				Status:      e.Status,
				Location:    e.Location,
				Description: e.Description,
				IsCompleted: e.IsCompleted,
			})
		}
		if len(t.Events) == 0 {
			return nil, errors.Wrapf(ErrNoEvents, "order %s", id)
		}
		out[id] = t
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parse time")
	}
	return t.UTC(), nil
}
