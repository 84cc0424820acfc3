package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/ordertrack/internal/models"
)

// Registry хранит заказы, на которые кто-то подписан.
type Registry interface {
	UpsertSubscription(ctx context.Context, sub models.Subscription) error
	RemoveSubscription(ctx context.Context, orderID string) error
	ClaimDueSubscriptions(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Subscription, error)
	ApplyCheck(ctx context.Context, res models.CheckResult) error
}

// MemoryRegistry is the in-process Registry for a single worker.
type MemoryRegistry struct {
	mu   sync.Mutex
	subs map[string]*models.Subscription
	now  func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		subs: map[string]*models.Subscription{},
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRegistry) UpsertSubscription(_ context.Context, sub models.Subscription) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.subs[sub.OrderID]
	if !ok {
		cur = &models.Subscription{OrderID: sub.OrderID, CreatedAt: now}
		r.subs[sub.OrderID] = cur
	}
	if sub.Carrier != "" {
		cur.Carrier = sub.Carrier
	}
	if sub.TrackingNumber != "" {
		cur.TrackingNumber = sub.TrackingNumber
	}
	cur.NextCheckAt = now
	cur.UpdatedAt = now
	return nil
}

func (r *MemoryRegistry) RemoveSubscription(_ context.Context, orderID string) error {
	r.mu.Lock()
	delete(r.subs, orderID)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) ClaimDueSubscriptions(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*models.Subscription
	for _, s := range r.subs {
		if !s.NextCheckAt.After(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextCheckAt.Before(due[j].NextCheckAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.Subscription, 0, len(due))
	leaseUntil := now.UTC().Add(lease)
	for _, s := range due {
		s.NextCheckAt = leaseUntil
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRegistry) ApplyCheck(_ context.Context, res models.CheckResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[res.OrderID]
	if !ok {
		return nil
	}
	checked := res.CheckedAt
	s.LastCheckedAt = &checked
	s.NextCheckAt = res.NextCheckAt
	s.UpdatedAt = r.now()
	if res.Error != nil && *res.Error != "" {
		s.CheckFailCount++
		e := *res.Error
		s.LastError = &e
		return nil
	}
	if res.Status != "" {
		s.LastStatus = res.Status
	}
	s.CheckFailCount = 0
	s.LastError = nil
	return nil
}

// Len is the number of registered subscriptions.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
