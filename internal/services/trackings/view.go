package trackings

import (
	"sort"
	"strings"
	"time"

	"github.com/BearBump/ordertrack/internal/models"
)

// Reader is the read side views depend on.
type Reader interface {
	GetOrderTracking(orderID string) (models.OrderTracking, bool)
	List() []models.OrderTracking
}

type DetailView struct {
	Tracking        models.OrderTracking
	History         []models.TrackingEvent // newest first
	ProgressIndex   int
	ProgressPercent int
	IsTerminal      bool
}

// Detail builds the single order view. ok is false when the order has no record.
func Detail(r Reader, orderID string) (DetailView, bool) {
	t, ok := r.GetOrderTracking(orderID)
	if !ok {
		return DetailView{}, false
	}
	return DetailView{
		Tracking:        t,
		History:         HistoryNewestFirst(t.Events),
		ProgressIndex:   models.ProgressIndex(t.CurrentStatus),
		ProgressPercent: progressPercent(t.CurrentStatus),
		IsTerminal:      models.IsTerminal(t.CurrentStatus),
	}, true
}

// HistoryNewestFirst sorts by timestamp, not by append order: pushes and simulated
// advances may be applied out of real-world order.
func HistoryNewestFirst(events []models.TrackingEvent) []models.TrackingEvent {
	out := append([]models.TrackingEvent(nil), events...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func progressPercent(status string) int {
	i := models.ProgressIndex(status)
	if i < 0 {
		return 0
	}
	return i * 100 / (len(models.Progression) - 1)
}

type DashboardFilter struct {
	Status   string // empty means any
	LiveOnly bool
	Query    string // substring of order id or tracking number
}

type DashboardView struct {
	Items     []models.OrderTracking // LastUpdated desc
	Total     int
	ByStatus  map[string]int
	LiveCount int
	UpdatedAt time.Time
}

// Dashboard builds the fleet view. Counters cover the whole collection, Items only the filter.
func Dashboard(r Reader, f DashboardFilter) DashboardView {
	all := r.List()
	v := DashboardView{Items: []models.OrderTracking{}, Total: len(all), ByStatus: map[string]int{}}

	q := strings.ToLower(strings.TrimSpace(f.Query))
	for _, t := range all {
		v.ByStatus[strings.ToLower(t.CurrentStatus)]++
		if t.IsRealTimeEnabled {
			v.LiveCount++
		}
		if t.LastUpdated.After(v.UpdatedAt) {
			v.UpdatedAt = t.LastUpdated
		}

		if f.Status != "" && !strings.EqualFold(f.Status, t.CurrentStatus) {
			continue
		}
		if f.LiveOnly && !t.IsRealTimeEnabled {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(t.OrderID), q) && !strings.Contains(strings.ToLower(t.TrackingNumber), q) {
			continue
		}
		v.Items = append(v.Items, t)
	}

	sort.SliceStable(v.Items, func(i, j int) bool {
		return v.Items[i].LastUpdated.After(v.Items[j].LastUpdated)
	})
	return v
}
