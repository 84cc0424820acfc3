package pgtracking

import (
	"context"
	"time"

	"github.com/BearBump/ordertrack/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const subscriptionColumns = `
  order_id, carrier, tracking_number, last_status,
  last_checked_at, next_check_at, check_fail_count, last_error,
  created_at, updated_at`

// UpsertSubscription регистрирует заказ и ставит его на ближайшую проверку.
// Пустые carrier/tracking_number не затирают уже известные.
func (s *Storage) UpsertSubscription(ctx context.Context, sub models.Subscription) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
INSERT INTO order_subscriptions (
  order_id, carrier, tracking_number, next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$4,$4)
ON CONFLICT (order_id)
DO UPDATE SET
  carrier = COALESCE(NULLIF(EXCLUDED.carrier, ''), order_subscriptions.carrier),
  tracking_number = COALESCE(NULLIF(EXCLUDED.tracking_number, ''), order_subscriptions.tracking_number),
  next_check_at = EXCLUDED.next_check_at,
  updated_at = EXCLUDED.updated_at
`, sub.OrderID, sub.Carrier, sub.TrackingNumber, now)
	return errors.Wrap(err, "upsert subscription")
}

func (s *Storage) RemoveSubscription(ctx context.Context, orderID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM order_subscriptions WHERE order_id = $1`, orderID)
	return errors.Wrap(err, "delete subscription")
}

func (s *Storage) GetSubscription(ctx context.Context, orderID string) (*models.Subscription, bool, error) {
	rows, err := s.db.Query(ctx, `SELECT`+subscriptionColumns+` FROM order_subscriptions WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, false, errors.Wrap(err, "select subscription")
	}
	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, false, err
	}
	if len(subs) == 0 {
		return nil, false, nil
	}
	return subs[0], true, nil
}

// ClaimDueSubscriptions выбирает пачку подписок, готовых к проверке, и "бронирует" их,
// чтобы они не попадали в повторную выборку, пока воркер их обрабатывает.
// Использует SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueSubscriptions(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Subscription, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT`+subscriptionColumns+`
FROM order_subscriptions
WHERE next_check_at <= $1
ORDER BY next_check_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due subscriptions")
	}
	picked, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}

	leaseUntil := now.UTC().Add(lease)
	for _, sub := range picked {
		_, err := tx.Exec(ctx, `UPDATE order_subscriptions SET next_check_at = $2, updated_at = now() WHERE order_id = $1`, sub.OrderID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease subscription")
		}
		sub.NextCheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// ApplyCheck сохраняет результат проверки. Пустой статус не затирает последний известный.
func (s *Storage) ApplyCheck(ctx context.Context, res models.CheckResult) error {
	if res.Error != nil && *res.Error != "" {
		_, err := s.db.Exec(ctx, `
UPDATE order_subscriptions
SET
  last_checked_at = $2,
  check_fail_count = check_fail_count + 1,
  last_error = $3,
  next_check_at = $4,
  updated_at = now()
WHERE order_id = $1
`, res.OrderID, res.CheckedAt.UTC(), *res.Error, res.NextCheckAt.UTC())
		return errors.Wrap(err, "update subscription (error)")
	}

	_, err := s.db.Exec(ctx, `
UPDATE order_subscriptions
SET
  last_status = COALESCE(NULLIF($3::text, ''), last_status),
  last_checked_at = $2,
  check_fail_count = 0,
  last_error = NULL,
  next_check_at = $4,
  updated_at = now()
WHERE order_id = $1
`, res.OrderID, res.CheckedAt.UTC(), res.Status, res.NextCheckAt.UTC())
	return errors.Wrap(err, "update subscription (ok)")
}

func scanSubscriptions(rows pgx.Rows) ([]*models.Subscription, error) {
	defer rows.Close()

	var out []*models.Subscription
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(
			&sub.OrderID, &sub.Carrier, &sub.TrackingNumber, &sub.LastStatus,
			&sub.LastCheckedAt, &sub.NextCheckAt, &sub.CheckFailCount, &sub.LastError,
			&sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan subscription")
		}
		out = append(out, &sub)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
