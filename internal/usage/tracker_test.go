package usage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"aikeyproxy/internal/limits"
)

// testRegistry loads a tiny quota table so boundary behavior is cheap to
// exercise: 2 requests/min, 3/day, 100 input tokens/min, 200/day.
func testRegistry(t *testing.T) *limits.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limits.yaml")
	table := `test-model:
  rpm: 2
  rpd: 3
  tpm_input: 100
  tpd_input: 200
  input_token_limit: 1000
  output_token_limit: 100
`
	if err := os.WriteFile(path, []byte(table), 0o644); err != nil {
		t.Fatalf("write limits file: %v", err)
	}
	return limits.NewRegistry(path, 32000)
}

func TestRecordRequestAndSnapshot(t *testing.T) {
	tr := NewTracker(testRegistry(t), time.UTC, nil)
	now := time.Now()

	tr.RecordRequest("k1", "test-model", 40, now)
	tr.RecordRequest("k1", "test-model", 30, now)

	snap := tr.Snapshot("k1", "test-model")
	if snap.RPMUsed != 2 || snap.RPDUsed != 2 {
		t.Fatalf("expected 2 requests in both windows, got rpm=%d rpd=%d", snap.RPMUsed, snap.RPDUsed)
	}
	if snap.TPMInputUsed != 70 || snap.TPDInputUsed != 70 {
		t.Fatalf("expected 70 tokens in both windows, got tpm=%d tpd=%d", snap.TPMInputUsed, snap.TPDInputUsed)
	}
	if !snap.LastUsed.Equal(now) {
		t.Fatalf("expected last_used %v, got %v", now, snap.LastUsed)
	}
}

func TestSlidingWindowEvictsEntriesOlderThanSixtySeconds(t *testing.T) {
	tr := NewTracker(testRegistry(t), time.UTC, nil)
	old := time.Now().Add(-61 * time.Second)

	tr.RecordRequest("k1", "test-model", 50, old)

	snap := tr.Snapshot("k1", "test-model")
	if snap.RPMUsed != 0 || snap.TPMInputUsed != 0 {
		t.Fatalf("expected sliding windows empty after 61s, got rpm=%d tpm=%d", snap.RPMUsed, snap.TPMInputUsed)
	}
	// Calendar-day counters are unaffected by window eviction.
	if snap.RPDUsed != 1 || snap.TPDInputUsed != 50 {
		t.Fatalf("expected daily counters preserved, got rpd=%d tpd=%d", snap.RPDUsed, snap.TPDInputUsed)
	}
}

func TestWouldExceedBoundary(t *testing.T) {
	tr := NewTracker(testRegistry(t), time.UTC, nil)
	now := time.Now()

	// 99 of 100 TPM used: exactly one more token fits, two do not.
	tr.RecordRequest("k1", "test-model", 99, now)
	if e := tr.WouldExceed("k1", "test-model", 1); e.TPM {
		t.Fatalf("expected a request at the limit boundary to be accepted, got %+v", e)
	}
	if e := tr.WouldExceed("k1", "test-model", 2); !e.TPM {
		t.Fatalf("expected one token past the limit to be rejected, got %+v", e)
	}
}

func TestWouldExceedRPM(t *testing.T) {
	tr := NewTracker(testRegistry(t), time.UTC, nil)
	now := time.Now()

	tr.RecordRequest("k1", "test-model", 1, now)
	if e := tr.WouldExceed("k1", "test-model", 1); e.RPM {
		t.Fatalf("expected second request under a 2 rpm limit to pass, got %+v", e)
	}
	tr.RecordRequest("k1", "test-model", 1, now)
	e := tr.WouldExceed("k1", "test-model", 1)
	if !e.RPM {
		t.Fatalf("expected the third request to breach rpm=2, got %+v", e)
	}
	rpm, _, _, _ := tr.WouldExceedDims("k1", "test-model", 1)
	if !rpm {
		t.Fatalf("expected WouldExceedDims to agree with WouldExceed")
	}
}

func TestWouldExceedUnknownModelUntracked(t *testing.T) {
	tr := NewTracker(testRegistry(t), time.UTC, nil)
	if e := tr.WouldExceed("k1", "never-heard-of-it", 1_000_000); e.Any() {
		t.Fatalf("expected an unknown model to pass through untracked, got %+v", e)
	}
}

func TestDailyResetZeroesCalendarCounters(t *testing.T) {
	tr := NewTracker(testRegistry(t), time.UTC, nil)
	now := time.Now()

	tr.RecordRequest("k1", "test-model", 50, now)
	tr.RecordRequest("k2", "test-model", 60, now)

	tr.DailyReset(now.AddDate(0, 0, 1))

	for _, keyID := range []string{"k1", "k2"} {
		snap := tr.Snapshot(keyID, "test-model")
		if snap.RPDUsed != 0 || snap.TPDInputUsed != 0 {
			t.Fatalf("expected %s daily counters zeroed after reset, got rpd=%d tpd=%d", keyID, snap.RPDUsed, snap.TPDInputUsed)
		}
	}
}

func TestDailyResetIdempotent(t *testing.T) {
	tr := NewTracker(testRegistry(t), time.UTC, nil)
	now := time.Now()
	tr.RecordRequest("k1", "test-model", 10, now)

	tomorrow := now.AddDate(0, 0, 1)
	tr.DailyReset(tomorrow)
	tr.DailyReset(tomorrow)

	snap := tr.Snapshot("k1", "test-model")
	if snap.RPDUsed != 0 {
		t.Fatalf("expected repeated resets to stay at zero, got rpd=%d", snap.RPDUsed)
	}
}

func TestRPDMonotonicBetweenResets(t *testing.T) {
	tr := NewTracker(testRegistry(t), time.UTC, nil)
	now := time.Now()

	tr.RecordRequest("k1", "test-model", 1, now)
	first := tr.Snapshot("k1", "test-model").RPDUsed
	tr.RecordRequest("k1", "test-model", 1, now)
	second := tr.Snapshot("k1", "test-model").RPDUsed
	if second < first {
		t.Fatalf("rpd_used regressed without a reset: %d then %d", first, second)
	}
}

func TestRemainingRatios(t *testing.T) {
	tr := NewTracker(testRegistry(t), time.UTC, nil)
	now := time.Now()

	rpd, tpd, rpm, tpm, ok := tr.RemainingRatios("k1", "test-model")
	if !ok || rpd != 1 || tpd != 1 || rpm != 1 || tpm != 1 {
		t.Fatalf("expected full capacity before any request, got %v %v %v %v %v", rpd, tpd, rpm, tpm, ok)
	}

	tr.RecordRequest("k1", "test-model", 50, now)
	rpd, tpd, rpm, tpm, _ = tr.RemainingRatios("k1", "test-model")
	if rpm >= 1 || tpm >= 1 || rpd >= 1 || tpd >= 1 {
		t.Fatalf("expected every ratio to drop after a request, got %v %v %v %v", rpd, tpd, rpm, tpm)
	}
	if tpm != 0.5 {
		t.Fatalf("expected tpm ratio 0.5 after 50 of 100 tokens, got %v", tpm)
	}
}

func TestParseCounterKeyRoundTrip(t *testing.T) {
	key := counterKey("key-1", "model-a")
	keyID, modelID, err := ParseCounterKey(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keyID != "key-1" || modelID != "model-a" {
		t.Fatalf("round trip mismatch: %q %q", keyID, modelID)
	}
	if _, _, err := ParseCounterKey("no-separator"); err == nil {
		t.Fatalf("expected an error for a malformed key")
	}
}
