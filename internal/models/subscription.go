package models

import "time"

// Subscription is the worker-side record of an order someone listens to.
type Subscription struct {
	OrderID        string
	Carrier        string
	TrackingNumber string

	// LastStatus is the last status published for the order, empty before the first check.
	LastStatus string

	NextCheckAt    time.Time
	LastCheckedAt  *time.Time
	CheckFailCount int32
	LastError      *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CheckResult is the outcome of one carrier check of a subscribed order.
type CheckResult struct {
	OrderID     string
	CheckedAt   time.Time
	Status      string
	NextCheckAt time.Time
	Error       *string
}
