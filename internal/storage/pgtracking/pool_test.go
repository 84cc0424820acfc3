package pgtracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig("postgres://u:p@localhost:5432/db?sslmode=disable",
		WithMaxConns(7), WithHealthCheckPeriod(15*time.Second), WithMaxConns(0))
	require.NoError(t, err)
	require.Equal(t, int32(7), cfg.MaxConns)
	require.Equal(t, 15*time.Second, cfg.HealthCheckPeriod)
	require.Equal(t, 5*time.Second, cfg.ConnConfig.ConnectTimeout)

	_, err = poolConfig("postgres://u:p@localhost:notaport/db")
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse pg config")
}

func TestOpen_GivesUpAfterWait(t *testing.T) {
	start := time.Now()
	_, err := Open(context.Background(), "postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1", 1500*time.Millisecond)
	require.Error(t, err)
	require.Contains(t, err.Error(), "postgres is not ready")
	require.Less(t, time.Since(start), 10*time.Second)
}
