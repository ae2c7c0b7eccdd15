package translator

import (
	"testing"
)

func TestRedactText_AppliesConfiguredPattern(t *testing.T) {
	ConfigureRedaction(true, []string{`\d{3}-\d{2}-\d{4}`})
	t.Cleanup(func() { ConfigureRedaction(false, nil) })
	in := "ssn on file: 123-45-6789, proceed"
	out := redactText(in)
	if out == in || out == "" {
		t.Fatalf("expected pattern redacted, got: %q", out)
	}
}

func TestRedactText_DisabledWithNoPatterns(t *testing.T) {
	ConfigureRedaction(true, nil)
	t.Cleanup(func() { ConfigureRedaction(false, nil) })
	in := "nothing should change here"
	if out := redactText(in); out != in {
		t.Fatalf("expected no-op with no patterns, got: %q", out)
	}
}

func TestEnsureCompletionMarker_OnlyOnce(t *testing.T) {
	var parts []interface{}
	ensureCompletionMarker(&parts)
	if len(parts) == 0 {
		t.Fatal("expected marker instruction appended")
	}
	ensureCompletionMarker(&parts)
	if len(parts) != 1 {
		t.Fatalf("expected single instruction, got %d", len(parts))
	}
}
