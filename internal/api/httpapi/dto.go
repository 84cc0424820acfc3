package httpapi

import (
	"time"

	"github.com/BearBump/ordertrack/internal/models"
	"github.com/BearBump/ordertrack/internal/services/trackings"
)

type eventResponse struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	IsCompleted bool      `json:"isCompleted"`
}

type trackingResponse struct {
	OrderID           string          `json:"orderId"`
	CurrentStatus     string          `json:"currentStatus"`
	TrackingNumber    string          `json:"trackingNumber,omitempty"`
	Carrier           string          `json:"carrier,omitempty"`
	EstimatedDelivery time.Time       `json:"estimatedDelivery"`
	Events            []eventResponse `json:"events"`
	LastUpdated       time.Time       `json:"lastUpdated"`
	IsRealTimeEnabled bool            `json:"isRealTimeEnabled"`
}

type detailResponse struct {
	Tracking        trackingResponse `json:"tracking"`
	History         []eventResponse  `json:"history"`
	ProgressIndex   int              `json:"progressIndex"`
	ProgressPercent int              `json:"progressPercent"`
	IsTerminal      bool             `json:"isTerminal"`
	Subscribed      bool             `json:"subscribed"`
}

type dashboardResponse struct {
	Items     []trackingResponse `json:"items"`
	Total     int                `json:"total"`
	ByStatus  map[string]int     `json:"byStatus"`
	LiveCount int                `json:"liveCount"`
	UpdatedAt *time.Time         `json:"updatedAt,omitempty"`
}

type sessionRequest struct {
	UserID string `json:"userId"`
}

type sessionResponse struct {
	Active  bool   `json:"active"`
	UserID  string `json:"userId,omitempty"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

type initializeRequest struct {
	CurrentStatus     *string           `json:"currentStatus"`
	TrackingNumber    *string           `json:"trackingNumber"`
	Carrier           *string           `json:"carrier"`
	EstimatedDelivery *time.Time        `json:"estimatedDelivery"`
	LastUpdated       *time.Time        `json:"lastUpdated"`
	IsRealTimeEnabled *bool             `json:"isRealTimeEnabled"`
	Events            []eventRequestDoc `json:"events"`
}

type eventRequestDoc struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	IsCompleted bool      `json:"isCompleted"`
}

type statusRequest struct {
	Status      string `json:"status"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

type eventRequest struct {
	Timestamp   *time.Time `json:"timestamp"`
	Status      string     `json:"status"`
	Location    string     `json:"location"`
	Description string     `json:"description"`
	IsCompleted bool       `json:"isCompleted"`
}

type liveRequest struct {
	Enabled *bool `json:"enabled"`
}

type simulateResponse struct {
	Advanced bool           `json:"advanced"`
	Detail   detailResponse `json:"detail"`
}

type subscriptionResponse struct {
	OrderID    string `json:"orderId"`
	Subscribed bool   `json:"subscribed"`
}

func toEvents(evs []models.TrackingEvent) []eventResponse {
	out := make([]eventResponse, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventResponse{
			ID:          e.ID,
			Timestamp:   e.Timestamp,
			Status:      e.Status,
			Location:    e.Location,
			Description: e.Description,
			IsCompleted: e.IsCompleted,
		})
	}
	return out
}

func toTracking(t models.OrderTracking) trackingResponse {
	return trackingResponse{
		OrderID:           t.OrderID,
		CurrentStatus:     t.CurrentStatus,
		TrackingNumber:    t.TrackingNumber,
		Carrier:           t.Carrier,
		EstimatedDelivery: t.EstimatedDelivery,
		Events:            toEvents(t.Events),
		LastUpdated:       t.LastUpdated,
		IsRealTimeEnabled: t.IsRealTimeEnabled,
	}
}

func toDetail(v trackings.DetailView) detailResponse {
	return detailResponse{
		Tracking:        toTracking(v.Tracking),
		History:         toEvents(v.History),
		ProgressIndex:   v.ProgressIndex,
		ProgressPercent: v.ProgressPercent,
		IsTerminal:      v.IsTerminal,
	}
}

func toDashboard(v trackings.DashboardView) dashboardResponse {
	out := dashboardResponse{
		Items:     make([]trackingResponse, 0, len(v.Items)),
		Total:     v.Total,
		ByStatus:  v.ByStatus,
		LiveCount: v.LiveCount,
	}
	for _, t := range v.Items {
		out.Items = append(out.Items, toTracking(t))
	}
	if !v.UpdatedAt.IsZero() {
		at := v.UpdatedAt
		out.UpdatedAt = &at
	}
	return out
}

func (r initializeRequest) toInitial() trackings.Initial {
	in := trackings.Initial{
		CurrentStatus:     r.CurrentStatus,
		TrackingNumber:    r.TrackingNumber,
		Carrier:           r.Carrier,
		EstimatedDelivery: r.EstimatedDelivery,
		LastUpdated:       r.LastUpdated,
		IsRealTimeEnabled: r.IsRealTimeEnabled,
	}
	if r.Events != nil {
		in.Events = make([]models.TrackingEvent, 0, len(r.Events))
		for _, e := range r.Events {
			in.Events = append(in.Events, models.TrackingEvent{
				ID:          e.ID,
				Timestamp:   e.Timestamp,
				Status:      e.Status,
				Location:    e.Location,
				Description: e.Description,
				IsCompleted: e.IsCompleted,
			})
		}
	}
	return in
}

type healthResponse struct {
	Status        string     `json:"status"`
	Live          string     `json:"live"`
	Subscriptions []string   `json:"subscriptions,omitempty"`
	LiveSince     *time.Time `json:"liveSince,omitempty"`
}
