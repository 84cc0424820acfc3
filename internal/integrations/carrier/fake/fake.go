package fake

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/BearBump/ordertrack/internal/integrations/carrier"
	"github.com/BearBump/ordertrack/internal/models"
)

// FakeClient: заглушка "перевозчика" для локального запуска без эмулятора.
// Каждый запрос продвигает трек на шаг по прогрессии, часть треков (по хешу) сразу доставлена.
type FakeClient struct {
	mu    sync.Mutex
	steps map[string]int
	now   func() time.Time
}

func New() *FakeClient {
	return &FakeClient{
		steps: map[string]int{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (f *FakeClient) GetTracking(ctx context.Context, carrierCode, trackNumber string) (carrier.TrackingResult, error) {
	now := f.now()

	h := fnv.New32a()
	_, _ = h.Write([]byte(carrierCode))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackNumber))
	v := h.Sum32()

	key := carrierCode + "|" + trackNumber
	f.mu.Lock()
	step := f.steps[key]
	f.steps[key] = step + 1
	f.mu.Unlock()

	// 20% треков считаем доставленными
	i := 1 + step
	if v%5 == 0 || i >= len(models.Progression) {
		i = len(models.Progression) - 1
	}
	status := models.Progression[i]
	loc := models.SimulationLocations[int(v)%len(models.SimulationLocations)]

	return carrier.TrackingResult{
		Status:    status,
		StatusRaw: status,
		StatusAt:  &now,
		Location:  loc,
		Events: []carrier.Event{{
			Status:    status,
			StatusRaw: status,
			Time:      now,
			Location:  loc,
			Message:   "fake carrier update",
		}},
	}, nil
}
