package pgtracking

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var payload string
	err := s.db.QueryRow(ctx, `SELECT payload::text FROM tracking_snapshots WHERE slot_key = $1`, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "select snapshot")
	}
	return []byte(payload), true, nil
}

func (s *Storage) Save(ctx context.Context, key string, value []byte) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO tracking_snapshots (slot_key, payload, updated_at)
VALUES ($1, $2::jsonb, now())
ON CONFLICT (slot_key)
DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
`, key, string(value))
	return errors.Wrap(err, "upsert snapshot")
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM tracking_snapshots WHERE slot_key = $1`, key)
	return errors.Wrap(err, "delete snapshot")
}
