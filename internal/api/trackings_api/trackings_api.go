package trackings_api

import (
	"context"
	"log/slog"

	"github.com/BearBump/ordertrack/internal/live"
	"github.com/BearBump/ordertrack/internal/models"
	"github.com/BearBump/ordertrack/internal/services/trackings"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var msgNoTracking = trackings.ErrNotFound.Error()

type TrackingsAPI struct {
	UnimplementedTrackingsServiceServer
	store *trackings.Store
	// live is nil in degraded mode; watches then only see local changes.
	live *live.Channel
	log  *slog.Logger
}

func New(store *trackings.Store, ch *live.Channel, log *slog.Logger) *TrackingsAPI {
	if log == nil {
		log = slog.Default()
	}
	return &TrackingsAPI{store: store, live: ch, log: log}
}

func (a *TrackingsAPI) GetOrderTracking(ctx context.Context, req *GetOrderTrackingRequest) (*OrderTrackingReply, error) {
	if req.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	t, ok := a.store.GetOrderTracking(req.OrderID)
	if !ok {
		return nil, status.Error(codes.NotFound, msgNoTracking)
	}
	return &OrderTrackingReply{Found: true, Tracking: toPBTracking(t)}, nil
}

func (a *TrackingsAPI) ListOrderTrackings(ctx context.Context, req *ListOrderTrackingsRequest) (*ListOrderTrackingsReply, error) {
	v := trackings.Dashboard(a.store, trackings.DashboardFilter{Status: req.Status, LiveOnly: req.LiveOnly, Query: req.Query})
	out := &ListOrderTrackingsReply{Trackings: make([]*OrderTracking, 0, len(v.Items)), Total: int32(v.Total)}
	for _, t := range v.Items {
		out.Trackings = append(out.Trackings, toPBTracking(t))
	}
	return out, nil
}

// WatchOrderTracking sends the current record and then the latest record after each change
// of that order. Bursts of changes are coalesced into one send.
func (a *TrackingsAPI) WatchOrderTracking(req *WatchOrderTrackingRequest, stream TrackingsService_WatchOrderTrackingServer) error {
	if req.OrderID == "" {
		return status.Error(codes.InvalidArgument, "order_id is required")
	}
	ctx := stream.Context()

	if a.live == nil {
		return a.watch(ctx, req.OrderID, stream)
	}
	var watchErr error
	err := a.live.WithSubscription(ctx, req.OrderID, func(ctx context.Context) error {
		watchErr = a.watch(ctx, req.OrderID, stream)
		return watchErr
	})
	if err != nil && watchErr == nil {
		// подписка не оформилась, сам watch не запускался
		a.log.Warn("watch live subscribe", "order_id", req.OrderID, "error", err.Error())
		return status.Error(codes.Unavailable, err.Error())
	}
	return err
}

func (a *TrackingsAPI) watch(ctx context.Context, orderID string, stream TrackingsService_WatchOrderTrackingServer) error {
	wake := make(chan struct{}, 1)
	unsubscribe := a.store.Subscribe(func(ch trackings.Change) {
		if ch.OrderID != orderID && ch.Reason != trackings.ReasonHydrate && ch.Reason != trackings.ReasonClear {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	var last *models.OrderTracking
	send := func() error {
		t, ok := a.store.GetOrderTracking(orderID)
		if !ok {
			if last == nil {
				return nil
			}
			last = nil
			return stream.Send(&OrderTrackingReply{Found: false})
		}
		if last != nil && last.LastUpdated.Equal(t.LastUpdated) && len(last.Events) == len(t.Events) &&
			last.IsRealTimeEnabled == t.IsRealTimeEnabled && last.CurrentStatus == t.CurrentStatus {
			return nil
		}
		last = &t
		return stream.Send(&OrderTrackingReply{Found: true, Tracking: toPBTracking(t)})
	}

	if err := send(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
			if err := send(); err != nil {
				return err
			}
		}
	}
}

func toPBTracking(t models.OrderTracking) *OrderTracking {
	out := &OrderTracking{
		OrderID:           t.OrderID,
		CurrentStatus:     t.CurrentStatus,
		TrackingNumber:    t.TrackingNumber,
		Carrier:           t.Carrier,
		EstimatedDelivery: t.EstimatedDelivery,
		Events:            make([]*TrackingEvent, 0, len(t.Events)),
		LastUpdated:       t.LastUpdated,
		IsRealTimeEnabled: t.IsRealTimeEnabled,
	}
	for _, e := range t.Events {
		out.Events = append(out.Events, &TrackingEvent{
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
