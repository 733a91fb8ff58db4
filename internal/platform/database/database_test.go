package database

import (
	"context"
	"testing"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), " ", PoolConfig{}); err == nil {
		t.Fatalf("expected error when DSN empty")
	}
}

func TestPoolConfigDefaults(t *testing.T) {
	cfg := PoolConfig{}.withDefaults()
	if cfg.MaxOpenConns != 25 || cfg.MaxIdleConns != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
