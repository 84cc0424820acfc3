package messages

import (
	"time"

	"github.com/pkg/errors"
)

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

var ErrInvalidMessage = errors.New("invalid message")

// SubscriptionCommand уходит от клиента в топик подписок.
type SubscriptionCommand struct {
	Type           string    `json:"type"`
	OrderID        string    `json:"order_id"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	Carrier        string    `json:"carrier,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

func (c SubscriptionCommand) Validate() error {
	if c.OrderID == "" {
		return errors.Wrap(ErrInvalidMessage, "order_id is empty")
	}
	if c.Type != TypeSubscribe && c.Type != TypeUnsubscribe {
		return errors.Wrapf(ErrInvalidMessage, "unknown type %q", c.Type)
	}
	return nil
}

// TrackingUpdate приходит из воркера: статус заказа сменился.
type TrackingUpdate struct {
	MessageID      string     `json:"message_id,omitempty"`
	OrderID        string     `json:"order_id"`
	Status         string     `json:"status"`
	Location       string     `json:"location,omitempty"`
	Description    string     `json:"description,omitempty"`
	TrackingNumber string     `json:"tracking_number,omitempty"`
	Carrier        string     `json:"carrier,omitempty"`
	OccurredAt     *time.Time `json:"occurred_at,omitempty"`
}

func (u TrackingUpdate) Validate() error {
	if u.OrderID == "" {
		return errors.Wrap(ErrInvalidMessage, "order_id is empty")
	}
	if u.Status == "" {
		return errors.Wrap(ErrInvalidMessage, "status is empty")
	}
	return nil
}
