package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewRedisBackend(mr.Addr(), "", 0, "aikeyproxy:storage:")
}

func TestRedisBackend_SetGetList(t *testing.T) {
	ctx := context.Background()
	backend := newTestRedisBackend(t)
	if err := backend.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := backend.Set(ctx, "cooldowns", "key-1", []byte(`{"until":"2026-01-01"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}

	val, err := backend.Get(ctx, "cooldowns", "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(val) != `{"until":"2026-01-01"}` {
		t.Fatalf("unexpected value: %s", val)
	}

	all, err := backend.List(ctx, "cooldowns")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, ok := all["key-1"]; !ok {
		t.Fatalf("expected key-1 in list, got %+v", all)
	}
}

func TestRedisBackend_GetMiss(t *testing.T) {
	ctx := context.Background()
	backend := newTestRedisBackend(t)

	_, err := backend.Get(ctx, "cooldowns", "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisBackend_Delete(t *testing.T) {
	ctx := context.Background()
	backend := newTestRedisBackend(t)

	if err := backend.Set(ctx, "cooldowns", "key-1", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := backend.Delete(ctx, "cooldowns", "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := backend.Get(ctx, "cooldowns", "key-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	if err := backend.Delete(ctx, "cooldowns", "never-existed"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound deleting missing key, got %v", err)
	}
}

func TestRedisBackend_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	backend := newTestRedisBackend(t)

	if err := backend.Set(ctx, "ns-a", "key", []byte("a")); err != nil {
		t.Fatalf("set ns-a: %v", err)
	}
	if err := backend.Set(ctx, "ns-b", "key", []byte("b")); err != nil {
		t.Fatalf("set ns-b: %v", err)
	}

	listA, err := backend.List(ctx, "ns-a")
	if err != nil {
		t.Fatalf("list ns-a: %v", err)
	}
	if len(listA) != 1 || string(listA["key"]) != "a" {
		t.Fatalf("expected ns-a isolated to its own value, got %+v", listA)
	}
}

func TestRedisBackend_Health(t *testing.T) {
	ctx := context.Background()
	backend := newTestRedisBackend(t)
	if err := backend.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}
