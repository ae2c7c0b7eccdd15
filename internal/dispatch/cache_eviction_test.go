package dispatch

import (
	"context"
	"testing"
	"time"

	"aikeyproxy/internal/cachemeta"
	"aikeyproxy/internal/translator"
)

// fakeIndex serves a single pre-seeded handle and records which handles
// were marked expired, so the orphaned-owner path can be asserted on.
type fakeIndex struct {
	handle        *cachemeta.Handle
	markedExpired []string
}

func (f *fakeIndex) FindByContent(credential, contentHash string) (*cachemeta.Handle, bool, error) {
	if f.handle == nil || f.handle.Credential != credential {
		return nil, false, nil
	}
	cp := *f.handle
	return &cp, true, nil
}

func (f *fakeIndex) Register(credential, contentHash, upstreamCacheID, owningKeyID string, expiresAt time.Time) (*cachemeta.Handle, error) {
	return &cachemeta.Handle{LocalID: "registered"}, nil
}

func (f *fakeIndex) OwningKey(localID string) (string, bool, error) {
	if f.handle != nil && f.handle.LocalID == localID {
		return f.handle.OwningKeyID, true, nil
	}
	return "", false, nil
}

func (f *fakeIndex) Get(localID string) (*cachemeta.Handle, bool, error) {
	if f.handle != nil && f.handle.LocalID == localID {
		cp := *f.handle
		return &cp, true, nil
	}
	return nil, false, nil
}

func (f *fakeIndex) ListByCredential(credential string) ([]cachemeta.Handle, error) {
	if f.handle != nil && f.handle.Credential == credential {
		return []cachemeta.Handle{*f.handle}, nil
	}
	return nil, nil
}

func (f *fakeIndex) Delete(localID string) error { return nil }

func (f *fakeIndex) MarkExpired(localID string) error {
	f.markedExpired = append(f.markedExpired, localID)
	return nil
}

func (f *fakeIndex) SweepExpired() (int, error) { return 0, nil }

func TestDispatchOrphanedCacheHandleExpiredAndRetriedUncached(t *testing.T) {
	provider := &fakeProvider{
		responses: []fakeResponse{{status: 200, body: sampleGeminiReply}},
	}
	p, mgr := newTestPipeline(t, provider, "k1", "k2")
	p.Config.Cache.Enabled = true
	index := &fakeIndex{handle: &cachemeta.Handle{
		LocalID:         "h1",
		UpstreamCacheID: "upstream-h1",
		OwningKeyID:     "k1",
		Credential:      "cred-1",
		ExpiresAt:       time.Now().Add(time.Hour),
	}}
	p.Cache = index

	k1, _ := mgr.Get("k1")
	k1.MarkFatal(time.Now(), 400, "API key not valid", p.Config.KeyPool)

	res, err := p.Dispatch(context.Background(), Request{
		Credential: "cred-1",
		Format:     translator.FormatNative,
		Model:      "gemini-1.5-flash",
		RawBody:    []byte(sampleGeminiBody),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.KeyID != "k2" {
		t.Fatalf("expected the request served by k2 after the owner was disabled, got %q", res.KeyID)
	}
	if len(index.markedExpired) != 1 || index.markedExpired[0] != "h1" {
		t.Fatalf("expected the orphaned handle marked expired, got %v", index.markedExpired)
	}
}

func TestDispatchCacheBoundUsesOwningKey(t *testing.T) {
	provider := &fakeProvider{
		responses: []fakeResponse{{status: 200, body: sampleGeminiReply}},
	}
	p, _ := newTestPipeline(t, provider, "k1", "k2")
	p.Config.Cache.Enabled = true
	index := &fakeIndex{handle: &cachemeta.Handle{
		LocalID:     "h1",
		OwningKeyID: "k2",
		Credential:  "cred-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	p.Cache = index

	res, err := p.Dispatch(context.Background(), Request{
		Credential: "cred-1",
		Format:     translator.FormatNative,
		Model:      "gemini-1.5-flash",
		RawBody:    []byte(sampleGeminiBody),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.KeyID != "k2" {
		t.Fatalf("expected the cache-owning key k2, got %q", res.KeyID)
	}
	if len(index.markedExpired) != 0 {
		t.Fatalf("expected no eviction for an eligible owner, got %v", index.markedExpired)
	}
	var screened bool
	for _, rec := range res.ScreeningTrace {
		if rec.KeyID == "k2" && rec.Chosen {
			screened = true
		}
	}
	if !screened {
		t.Fatalf("expected a chosen screening record for k2, got %+v", res.ScreeningTrace)
	}
}
