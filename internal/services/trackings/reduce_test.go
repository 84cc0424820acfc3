package trackings

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/BearBump/ordertrack/internal/models"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// testEnv ticks the clock one second per call and numbers ids sequentially.
func testEnv() Env {
	now := t0
	n := 0
	return Env{
		Now: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
		NewID: func() string {
			n++
			return fmt.Sprintf("ev-%03d", n)
		},
		PickLocation: func(c []string) string { return c[0] },
	}
}

func empty() State { return State{Trackings: map[string]models.OrderTracking{}} }

func mustReduce(t *testing.T, s State, cmd Command, env Env) State {
	t.Helper()
	next, changed := Reduce(s, cmd, env)
	require.True(t, changed, "command %s expected to change state", cmd.Name())
	return next
}

func TestReduce_InitializeSeedsConfirmed(t *testing.T) {
	env := testEnv()
	for _, id := range []string{"A-1", "", "order with spaces"} {
		s := mustReduce(t, empty(), InitializeTracking{OrderID: id}, env)
		tr := s.Trackings[id]
		require.Equal(t, models.StatusConfirmed, tr.CurrentStatus)
		require.Len(t, tr.Events, 1)
		require.Equal(t, models.StatusConfirmed, tr.Events[0].Status)
		require.Equal(t, "Order Processing Center", tr.Events[0].Location)
		require.Equal(t, "Order confirmed and payment received", tr.Events[0].Description)
		require.True(t, tr.Events[0].IsCompleted)
		require.True(t, tr.IsRealTimeEnabled)
		require.Equal(t, tr.LastUpdated.Add(7*24*time.Hour), tr.EstimatedDelivery)
	}
}

func TestReduce_InitializeOverrides(t *testing.T) {
	env := testEnv()
	eta := t0.Add(48 * time.Hour)
	off := false
	num, carrier := "TRK1", "DHL"
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A", Initial: Initial{
		EstimatedDelivery: &eta,
		IsRealTimeEnabled: &off,
		TrackingNumber:    &num,
		Carrier:           &carrier,
	}}, env)
	tr := s.Trackings["A"]
	require.Equal(t, eta, tr.EstimatedDelivery)
	require.False(t, tr.IsRealTimeEnabled)
	require.Equal(t, "TRK1", tr.TrackingNumber)
	require.Equal(t, "DHL", tr.Carrier)
	require.Len(t, tr.Events, 1)

	// events override replaces the seed, status follows the last supplied event
	evs := []models.TrackingEvent{
		{ID: "x1", Timestamp: t0, Status: models.StatusConfirmed},
		{ID: "x2", Timestamp: t0.Add(time.Hour), Status: models.StatusShipped},
	}
	s = mustReduce(t, s, InitializeTracking{OrderID: "A", Initial: Initial{Events: evs}}, env)
	tr = s.Trackings["A"]
	require.Equal(t, evs, tr.Events)
	require.Equal(t, models.StatusShipped, tr.CurrentStatus)
	// повторная инициализация перезаписывает запись целиком
	require.True(t, tr.IsRealTimeEnabled)
	require.Empty(t, tr.TrackingNumber)

	// empty events override keeps the seed
	s = mustReduce(t, s, InitializeTracking{OrderID: "B", Initial: Initial{Events: []models.TrackingEvent{}}}, env)
	require.Len(t, s.Trackings["B"].Events, 1)
}

func TestReduce_UpdateStatusKeepsCurrentStatusInSync(t *testing.T) {
	env := testEnv()
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A"}, env)

	seq := []string{"processing", "shipped", "delivered", "processing", "processing", "lost"}
	for i, st := range seq {
		s = mustReduce(t, s, UpdateStatus{OrderID: "A", Status: st}, env)
		tr := s.Trackings["A"]
		require.Len(t, tr.Events, i+2)
		last, _ := tr.LatestEvent()
		require.Equal(t, st, last.Status)
		require.Equal(t, st, tr.CurrentStatus)
		require.Equal(t, last.Timestamp, tr.LastUpdated)
		require.True(t, last.IsCompleted)
	}
	last, _ := s.Trackings["A"].LatestEvent()
	require.Equal(t, "Status updated", last.Description)
}

func TestReduce_UpdateStatusDefaultDescription(t *testing.T) {
	env := testEnv()
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A"}, env)
	s = mustReduce(t, s, UpdateStatus{OrderID: "A", Status: "out_for_delivery"}, env)
	last, _ := s.Trackings["A"].LatestEvent()
	require.Equal(t, "Package is out for delivery", last.Description)
	require.Empty(t, last.Location)

	s = mustReduce(t, s, UpdateStatus{OrderID: "A", Status: "shipped", Location: "Berlin", Description: "Handed to DHL"}, env)
	last, _ = s.Trackings["A"].LatestEvent()
	require.Equal(t, "Handed to DHL", last.Description)
	require.Equal(t, "Berlin", last.Location)
}

func TestReduce_AddEventDoesNotTouchCurrentStatus(t *testing.T) {
	env := testEnv()
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A"}, env)
	before := s.Trackings["A"]

	at := t0.Add(-time.Hour)
	s = mustReduce(t, s, AddEvent{OrderID: "A", Event: EventInput{
		Timestamp: at, Status: models.StatusShipped, Location: "Hub", Description: "Customs note",
	}}, env)
	tr := s.Trackings["A"]
	require.Equal(t, models.StatusConfirmed, tr.CurrentStatus)
	require.Len(t, tr.Events, 2)
	require.Equal(t, at, tr.Events[1].Timestamp)
	require.NotEmpty(t, tr.Events[1].ID)
	require.NotEqual(t, tr.Events[0].ID, tr.Events[1].ID)
	require.True(t, tr.LastUpdated.After(before.LastUpdated))

	// zero timestamp defaults to now
	s = mustReduce(t, s, AddEvent{OrderID: "A", Event: EventInput{Status: "note"}}, env)
	require.False(t, s.Trackings["A"].Events[2].Timestamp.IsZero())
}

func TestReduce_LiveToggleLeavesOtherFields(t *testing.T) {
	env := testEnv()
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A"}, env)
	before := s.Trackings["A"]

	s = mustReduce(t, s, DisableLive{OrderID: "A"}, env)
	after := s.Trackings["A"]
	require.False(t, after.IsRealTimeEnabled)
	after.IsRealTimeEnabled = true
	require.Equal(t, before, after)

	_, changed := Reduce(s, DisableLive{OrderID: "A"}, env)
	require.False(t, changed)

	s = mustReduce(t, s, EnableLive{OrderID: "A"}, env)
	require.Equal(t, before, s.Trackings["A"])
}

func TestReduce_SimulateAdvanceReachesDeliveredInFiveSteps(t *testing.T) {
	env := testEnv()
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A"}, env)

	for i := 1; i <= 5; i++ {
		s = mustReduce(t, s, SimulateAdvance{OrderID: "A"}, env)
		tr := s.Trackings["A"]
		require.Equal(t, models.Progression[i], tr.CurrentStatus)
		last, _ := tr.LatestEvent()
		require.Equal(t, models.SimulationLocations[0], last.Location)
		require.Equal(t, models.DefaultDescription(models.Progression[i]), last.Description)
	}
	require.Equal(t, models.StatusDelivered, s.Trackings["A"].CurrentStatus)

	next, changed := Reduce(s, SimulateAdvance{OrderID: "A"}, env)
	require.False(t, changed)
	require.Len(t, next.Trackings["A"].Events, 6)
	require.Equal(t, models.StatusDelivered, next.Trackings["A"].CurrentStatus)
}

func TestReduce_SimulateAdvanceCaseInsensitiveAndNoopOutsideProgression(t *testing.T) {
	env := testEnv()
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A"}, env)
	s = mustReduce(t, s, UpdateStatus{OrderID: "A", Status: "SHIPPED"}, env)
	s = mustReduce(t, s, SimulateAdvance{OrderID: "A"}, env)
	require.Equal(t, models.StatusInTransit, s.Trackings["A"].CurrentStatus)

	for _, st := range []string{"cancelled", "unknown-value"} {
		s2 := mustReduce(t, s, UpdateStatus{OrderID: "A", Status: st}, env)
		_, changed := Reduce(s2, SimulateAdvance{OrderID: "A"}, env)
		require.False(t, changed)
	}
}

func TestReduce_SimulateAdvanceOnlyLiveSkipsDisabled(t *testing.T) {
	env := testEnv()
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A"}, env)
	s = mustReduce(t, s, DisableLive{OrderID: "A"}, env)

	_, changed := Reduce(s, SimulateAdvance{OrderID: "A", OnlyLive: true}, env)
	require.False(t, changed)

	// ручная симуляция флаг не смотрит
	s = mustReduce(t, s, SimulateAdvance{OrderID: "A"}, env)
	require.Equal(t, models.Progression[1], s.Trackings["A"].CurrentStatus)

	s = mustReduce(t, s, EnableLive{OrderID: "A"}, env)
	s = mustReduce(t, s, SimulateAdvance{OrderID: "A", OnlyLive: true}, env)
	require.Equal(t, models.Progression[2], s.Trackings["A"].CurrentStatus)
}

func TestReduce_MissingOrderIsNoop(t *testing.T) {
	env := testEnv()
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A"}, env)

	cmds := []Command{
		UpdateStatus{OrderID: "missing", Status: "shipped"},
		AddEvent{OrderID: "missing", Event: EventInput{Status: "x"}},
		EnableLive{OrderID: "missing"},
		DisableLive{OrderID: "missing"},
		SimulateAdvance{OrderID: "missing"},
		SetShipment{OrderID: "missing", TrackingNumber: "T"},
	}
	for _, cmd := range cmds {
		next, changed := Reduce(s, cmd, env)
		require.False(t, changed, cmd.Name())
		require.True(t, reflect.ValueOf(next.Trackings).Pointer() == reflect.ValueOf(s.Trackings).Pointer())
		require.Equal(t, s, next)
		_, ok := next.Trackings["missing"]
		require.False(t, ok)
	}
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	env := testEnv()
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A"}, env)
	orig := s.Trackings["A"].Clone()

	_ = mustReduce(t, s, UpdateStatus{OrderID: "A", Status: "shipped"}, env)
	_ = mustReduce(t, s, AddEvent{OrderID: "A", Event: EventInput{Status: "note"}}, env)
	_ = mustReduce(t, s, InitializeTracking{OrderID: "B"}, env)

	require.Equal(t, orig, s.Trackings["A"])
	require.Len(t, s.Trackings, 1)
}

func TestReduce_RapidUpdatesBothApplied(t *testing.T) {
	env := testEnv()
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A"}, env)
	n := len(s.Trackings["A"].Events)

	s = mustReduce(t, s, UpdateStatus{OrderID: "A", Status: "shipped"}, env)
	s = mustReduce(t, s, UpdateStatus{OrderID: "A", Status: "in_transit"}, env)
	require.Len(t, s.Trackings["A"].Events, n+2)
	require.Equal(t, "in_transit", s.Trackings["A"].CurrentStatus)
}

func TestReduce_SetShipment(t *testing.T) {
	env := testEnv()
	s := mustReduce(t, empty(), InitializeTracking{OrderID: "A"}, env)
	s = mustReduce(t, s, SetShipment{OrderID: "A", TrackingNumber: "T-1", Carrier: "UPS"}, env)
	require.Equal(t, "T-1", s.Trackings["A"].TrackingNumber)
	require.Equal(t, "UPS", s.Trackings["A"].Carrier)

	s = mustReduce(t, s, SetShipment{OrderID: "A", Carrier: "DHL"}, env)
	require.Equal(t, "T-1", s.Trackings["A"].TrackingNumber)
	require.Equal(t, "DHL", s.Trackings["A"].Carrier)

	_, changed := Reduce(s, SetShipment{OrderID: "A"}, env)
	require.False(t, changed)
}

func TestNewEventID_Ordered(t *testing.T) {
	a := NewEventID()
	time.Sleep(2 * time.Millisecond)
	b := NewEventID()
	require.NotEqual(t, a, b)
	require.Less(t, a, b)
}

type fixedIntn int

func (f fixedIntn) Intn(n int) int { return int(f) % n }

func TestRandomLocation(t *testing.T) {
	pick := RandomLocation(fixedIntn(2))
	require.Equal(t, "c", pick([]string{"a", "b", "c"}))
	require.Equal(t, "", pick(nil))
}

func TestWithDefaults_CompleteEnvDoesNotAllocate(t *testing.T) {
	env := testEnv()
	allocs := testing.AllocsPerRun(100, func() {
		_ = env.withDefaults()
	})
	require.Zero(t, allocs)

	filled := Env{}.withDefaults()
	require.NotNil(t, filled.Now)
	require.NotNil(t, filled.NewID)
	require.NotNil(t, filled.PickLocation)
}
