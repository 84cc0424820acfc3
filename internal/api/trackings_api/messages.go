package trackings_api

import "time"

type TrackingEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description"`
	IsCompleted bool      `json:"is_completed"`
}

type OrderTracking struct {
	OrderID           string           `json:"order_id"`
	CurrentStatus     string           `json:"current_status"`
	TrackingNumber    string           `json:"tracking_number,omitempty"`
	Carrier           string           `json:"carrier,omitempty"`
	EstimatedDelivery time.Time        `json:"estimated_delivery"`
	Events            []*TrackingEvent `json:"events"`
	LastUpdated       time.Time        `json:"last_updated"`
	IsRealTimeEnabled bool             `json:"is_real_time_enabled"`
}

type GetOrderTrackingRequest struct {
	OrderID string `json:"order_id"`
}

type OrderTrackingReply struct {
	// Found is false when the record disappeared, e.g. after logout.
	Found    bool           `json:"found"`
	Tracking *OrderTracking `json:"tracking,omitempty"`
}

type ListOrderTrackingsRequest struct {
	Status   string `json:"status,omitempty"`
	LiveOnly bool   `json:"live_only,omitempty"`
	Query    string `json:"query,omitempty"`
}

type ListOrderTrackingsReply struct {
	Trackings []*OrderTracking `json:"trackings"`
	Total     int32            `json:"total"`
}

type WatchOrderTrackingRequest struct {
	OrderID string `json:"order_id"`
}
