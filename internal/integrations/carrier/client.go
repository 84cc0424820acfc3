package carrier

import (
	"context"
	"time"
)

type Event struct {
	Status    string
	StatusRaw string
	Time      time.Time
	Location  string
	Message   string
}

// TrackingResult is a carrier answer with Status already mapped onto the order vocabulary.
// Empty Status means the carrier does not know the parcel yet.
type TrackingResult struct {
	Status    string
	StatusRaw string
	StatusAt  *time.Time
	Location  string
	Events    []Event
}

type Client interface {
	GetTracking(ctx context.Context, carrierCode, trackNumber string) (TrackingResult, error)
}
