package translator

import (
	"os"
	"regexp"
	"strings"
	"sync"

	"aikeyproxy/internal/common"
	log "github.com/sirupsen/logrus"
)

// Redaction patterns are deployment-specific (a clinic's PHI policy looks
// nothing like a support bot's PII policy), so unlike the teacher's
// sanitizer — which shipped a single hardcoded age-detection regex as its
// compiled-in default — this package ships with redaction disabled and no
// default pattern at all. REDACTION_PATTERNS/REDACTION_ENABLED configure
// it per deployment; ConfigureRedaction does the same at runtime for
// tests and the admin API.
var (
	redactionOnce     sync.Once
	redactionMu       sync.RWMutex
	compiledPatterns  []*regexp.Regexp
	redactionEnabled  = false
	completionMarkerOn = true
)

func initRedaction() {
	redactionOnce.Do(func() {
		enabled := redactionEnabled
		if v := strings.ToLower(strings.TrimSpace(os.Getenv("REDACTION_ENABLED"))); v != "" {
			enabled = v == "true" || v == "1" || v == "yes" || v == "on"
		}
		if v := strings.ToLower(strings.TrimSpace(os.Getenv("COMPLETION_MARKER_ENABLED"))); v != "" {
			completionMarkerOn = v == "true" || v == "1" || v == "yes" || v == "on"
		}

		var patterns []string
		if raw := strings.TrimSpace(os.Getenv("REDACTION_PATTERNS")); raw != "" {
			if strings.Contains(raw, "|") {
				patterns = strings.Split(raw, "|")
			} else {
				patterns = strings.Split(raw, ",")
			}
		}
		configureRedaction(enabled, patterns)
	})
}

// ConfigureRedaction updates runtime redaction settings, overriding
// environment defaults. Passing no patterns disables redaction
// regardless of enabled, since there is nothing compiled in to fall back
// to.
func ConfigureRedaction(enabled bool, patterns []string) {
	initRedaction()
	configureRedaction(enabled, patterns)
}

func configureRedaction(enabled bool, patterns []string) {
	redactionMu.Lock()
	defer redactionMu.Unlock()

	compiled := compiledPatterns[:0]
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		} else {
			log.Warnf("invalid redaction pattern ignored: %q, err=%v", p, err)
		}
	}
	compiledPatterns = compiled
	redactionEnabled = enabled && len(compiledPatterns) > 0
}

func redactText(text string) string {
	if text == "" {
		return text
	}
	initRedaction()
	redactionMu.RLock()
	enabled := redactionEnabled
	patterns := compiledPatterns
	redactionMu.RUnlock()
	if !enabled {
		return text
	}
	out := text
	for _, re := range patterns {
		out = re.ReplaceAllString(out, "")
	}
	return out
}

func redactParts(parts []interface{}) []interface{} {
	for _, part := range parts {
		if mp, ok := part.(map[string]interface{}); ok {
			if text, ok := mp["text"].(string); ok {
				mp["text"] = redactText(text)
			}
		}
	}
	return parts
}

// RedactOutputText applies configured redaction patterns to a single text
// blob — used on assistant output before it reaches the caller or the
// conversation context store.
func RedactOutputText(text string) string {
	return redactText(text)
}

func redactMessages(messages []interface{}) []interface{} {
	for _, item := range messages {
		msg, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if parts, ok := msg["parts"].([]interface{}); ok {
			msg["parts"] = redactParts(parts)
		}
	}
	return messages
}

// ensureCompletionMarker appends a request, as a final system-instruction
// part, for the model to emit common.DoneMarker once it has fully
// finished responding. Some upstream configurations give no reliable
// terminal signal of their own, so the dispatch pipeline falls back to
// watching for this marker in the stream. A no-op if the marker is
// already requested.
func ensureCompletionMarker(parts *[]interface{}) {
	if parts == nil {
		return
	}
	initRedaction()
	redactionMu.RLock()
	enabled := completionMarkerOn
	redactionMu.RUnlock()
	if !enabled {
		return
	}
	for _, part := range *parts {
		mp, ok := part.(map[string]interface{})
		if !ok {
			continue
		}
		if text, ok := mp["text"].(string); ok && strings.Contains(text, common.DoneMarker) {
			return
		}
	}
	*parts = append(*parts, map[string]interface{}{"text": common.DoneInstruction})
}
