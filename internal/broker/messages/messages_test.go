package messages

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionCommand_Validate(t *testing.T) {
	require.NoError(t, SubscriptionCommand{Type: TypeSubscribe, OrderID: "A"}.Validate())
	require.NoError(t, SubscriptionCommand{Type: TypeUnsubscribe, OrderID: "A"}.Validate())

	err := SubscriptionCommand{Type: "ping", OrderID: "A"}.Validate()
	require.True(t, errors.Is(err, ErrInvalidMessage))
	err = SubscriptionCommand{Type: TypeSubscribe}.Validate()
	require.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestTrackingUpdate_Validate(t *testing.T) {
	require.NoError(t, TrackingUpdate{OrderID: "A", Status: "shipped"}.Validate())
	require.Error(t, TrackingUpdate{OrderID: "A"}.Validate())
	require.Error(t, TrackingUpdate{Status: "shipped"}.Validate())
}

func TestWireFieldNames(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b, err := json.Marshal(SubscriptionCommand{Type: TypeSubscribe, OrderID: "A", SentAt: at})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"subscribe","order_id":"A","sent_at":"2025-01-01T00:00:00Z"}`, string(b))

	var u TrackingUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"message_id":"m1","order_id":"A","status":"shipped","tracking_number":"T1","carrier":"UPS"}`), &u))
	require.Equal(t, "m1", u.MessageID)
	require.Equal(t, "T1", u.TrackingNumber)
	require.Nil(t, u.OccurredAt)
}
