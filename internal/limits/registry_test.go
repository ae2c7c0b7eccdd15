package limits

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLookupBuiltinDefaults(t *testing.T) {
	r := NewRegistry("", 32000)
	l, ok := r.Lookup("gemini-1.5-flash")
	if !ok {
		t.Fatalf("expected gemini-1.5-flash in the built-in table")
	}
	if l.RPM <= 0 || l.InputTokenLimit <= 0 {
		t.Fatalf("expected positive limits, got %+v", l)
	}
}

func TestLookupUnknownModelMissing(t *testing.T) {
	r := NewRegistry("", 32000)
	if _, ok := r.Lookup("made-up-model"); ok {
		t.Fatalf("expected an unknown model to report missing")
	}
	if r.FallbackInputTokenLimit() != 32000 {
		t.Fatalf("expected the configured fallback limit, got %d", r.FallbackInputTokenLimit())
	}
}

func TestFileOverlayExtendsAndOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	table := `custom-model:
  rpm: 10
  rpd: 100
  tpm_input: 1000
  tpd_input: 10000
  input_token_limit: 8192
  output_token_limit: 1024
gemini-1.5-flash:
  rpm: 5
  rpd: 50
  tpm_input: 500
  tpd_input: 5000
  input_token_limit: 4096
  output_token_limit: 512
`
	if err := os.WriteFile(path, []byte(table), 0o644); err != nil {
		t.Fatalf("write limits file: %v", err)
	}
	r := NewRegistry(path, 32000)

	custom, ok := r.Lookup("custom-model")
	if !ok || custom.RPM != 10 {
		t.Fatalf("expected the overlay to add custom-model, got %+v ok=%v", custom, ok)
	}
	flash, _ := r.Lookup("gemini-1.5-flash")
	if flash.RPM != 5 {
		t.Fatalf("expected the overlay to override the built-in entry, got %+v", flash)
	}

	var sawCustom bool
	for _, id := range r.KnownModelIDs() {
		if id == "custom-model" {
			sawCustom = true
		}
	}
	if !sawCustom {
		t.Fatalf("expected KnownModelIDs to include the overlay entry")
	}
}

func TestResolveAlias(t *testing.T) {
	resolved, ok := ResolveAlias("  Gemini-Flash ")
	if !ok || resolved != "gemini-1.5-flash" {
		t.Fatalf("expected alias expansion, got %q ok=%v", resolved, ok)
	}
	resolved, ok = ResolveAlias("GEMINI-1.5-PRO")
	if ok || resolved != "gemini-1.5-pro" {
		t.Fatalf("expected lowercase normalization without alias, got %q ok=%v", resolved, ok)
	}
}
