package db

import (
	"context"
	"testing"

	"gorm.io/gorm/logger"
)

func TestResolveGormLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		level, env string
		want       logger.LogLevel
	}{
		{"debug", "production", logger.Info},
		{"info", "production", logger.Warn},
		{"error", "local", logger.Error},
		{"disabled", "local", logger.Silent},
		{"fatal", "local", logger.Warn},
		{"fatal", "production", logger.Error},
	}
	for _, tc := range cases {
		if got := resolveGormLogLevel(tc.level, tc.env); got != tc.want {
			t.Fatalf("level=%q env=%q: got %v want %v", tc.level, tc.env, got, tc.want)
		}
	}
}

func TestNilPoolIsSafe(t *testing.T) {
	t.Parallel()

	var pool *Pool
	if err := pool.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := pool.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping error on nil pool")
	}
	if err := pool.QueryRow(context.Background(), "SELECT 1").Scan(new(int)); !IsNoRows(err) {
		t.Fatalf("expected ErrNoRows from nil pool row, got %v", err)
	}
	if err := pool.WithTx(context.Background(), func(Tx) error { return nil }); err == nil {
		t.Fatalf("expected transaction error on nil pool")
	}
}
