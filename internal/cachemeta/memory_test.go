package cachemeta

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeDeleter struct {
	calls []string
	err   error
}

func (f *fakeDeleter) DeleteCache(ctx context.Context, keySecret, upstreamCacheID string) error {
	f.calls = append(f.calls, keySecret+":"+upstreamCacheID)
	return f.err
}

func resolverFor(secrets map[string]string) KeySecretResolver {
	return func(keyID string) (string, bool) {
		s, ok := secrets[keyID]
		return s, ok
	}
}

func TestMemoryIndexRegisterAndFindByContent(t *testing.T) {
	idx := NewMemoryIndex(nil, nil)
	h, err := idx.Register("cred-a", "hash-1", "upstream-1", "key-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	found, ok, err := idx.FindByContent("cred-a", "hash-1")
	if err != nil || !ok {
		t.Fatalf("expected found, ok=%v err=%v", ok, err)
	}
	if found.LocalID != h.LocalID {
		t.Fatalf("mismatched local id")
	}
}

func TestMemoryIndexFindByContentExpired(t *testing.T) {
	idx := NewMemoryIndex(nil, nil)
	if _, err := idx.Register("cred-a", "hash-1", "upstream-1", "key-1", time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	_, ok, err := idx.FindByContent("cred-a", "hash-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expired handle should not be found")
	}
}

func TestMemoryIndexDeleteResolvesSecretBeforeUpstreamDelete(t *testing.T) {
	fd := &fakeDeleter{}
	resolver := resolverFor(map[string]string{"key-1": "secret-xyz"})
	idx := NewMemoryIndex(fd, resolver)
	h, err := idx.Register("cred-a", "hash-1", "upstream-1", "key-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Delete(h.LocalID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(fd.calls) != 1 || fd.calls[0] != "secret-xyz:upstream-1" {
		t.Fatalf("expected resolved secret to be used, got %+v", fd.calls)
	}
	if _, ok, _ := idx.Get(h.LocalID); ok {
		t.Fatalf("handle should be removed locally")
	}
}

func TestMemoryIndexDeleteSkipsUpstreamWhenResolverMisses(t *testing.T) {
	fd := &fakeDeleter{}
	resolver := resolverFor(map[string]string{})
	idx := NewMemoryIndex(fd, resolver)
	h, err := idx.Register("cred-a", "hash-1", "upstream-1", "unknown-key", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Delete(h.LocalID); err != nil {
		t.Fatal(err)
	}
	if len(fd.calls) != 0 {
		t.Fatalf("expected no upstream call when resolver cannot find secret, got %+v", fd.calls)
	}
}

func TestMemoryIndexMarkExpiredDoesNotCallDeleter(t *testing.T) {
	fd := &fakeDeleter{}
	resolver := resolverFor(map[string]string{"key-1": "secret-xyz"})
	idx := NewMemoryIndex(fd, resolver)
	h, err := idx.Register("cred-a", "hash-1", "upstream-1", "key-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.MarkExpired(h.LocalID); err != nil {
		t.Fatal(err)
	}
	if len(fd.calls) != 0 {
		t.Fatalf("MarkExpired must not attempt upstream delete, got %+v", fd.calls)
	}
	got, ok, _ := idx.Get(h.LocalID)
	if !ok || !got.ExpiresAt.Before(time.Now()) {
		t.Fatalf("handle should be marked expired: %+v", got)
	}
}

func TestMemoryIndexSweepExpired(t *testing.T) {
	fd := &fakeDeleter{}
	resolver := resolverFor(map[string]string{"key-1": "secret-xyz"})
	idx := NewMemoryIndex(fd, resolver)
	if _, err := idx.Register("cred-a", "hash-1", "upstream-1", "key-1", time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Register("cred-a", "hash-2", "upstream-2", "key-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	n, err := idx.SweepExpired()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept handle, got %d", n)
	}
	if len(fd.calls) != 1 {
		t.Fatalf("expected best-effort upstream delete for swept handle, got %+v", fd.calls)
	}
}

func TestMemoryIndexListByCredential(t *testing.T) {
	idx := NewMemoryIndex(nil, nil)
	if _, err := idx.Register("cred-a", "hash-1", "upstream-1", "key-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Register("cred-a", "hash-2", "upstream-2", "key-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Register("cred-b", "hash-3", "upstream-3", "key-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	list, err := idx.ListByCredential("cred-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 handles for cred-a, got %d", len(list))
	}
}

func TestMemoryIndexDeleteToleratesDeleterError(t *testing.T) {
	fd := &fakeDeleter{err: errors.New("upstream down")}
	resolver := resolverFor(map[string]string{"key-1": "secret-xyz"})
	idx := NewMemoryIndex(fd, resolver)
	h, err := idx.Register("cred-a", "hash-1", "upstream-1", "key-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Delete(h.LocalID); err != nil {
		t.Fatalf("local delete must succeed even if upstream delete fails: %v", err)
	}
}
