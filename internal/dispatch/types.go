// Package dispatch implements the Dispatch Pipeline (spec.md §4.7): the
// single entry point that authenticates a request, resolves a cached
// context/content handle, runs the Key Pool selection loop with bounded
// retries, calls the upstream provider, and translates the result back
// into the caller's wire format. Grounded on the teacher's
// internal/handlers/openai + internal/handlers/gemini + the retry shape
// of internal/upstream/gemini/client_retry.go, generalized from a single
// hardcoded provider client to the internal/upstream.Provider interface.
package dispatch

import (
	"io"
	"net/http"

	"aikeyproxy/internal/keypool"
	"aikeyproxy/internal/translator"
)

// Request is one inbound generation call, already decoded far enough to
// know its wire format and target model but not yet translated.
type Request struct {
	Credential string
	Format     translator.Format // source/target wire format: FormatOpenAI or FormatNative
	Model      string
	RawBody    []byte
	Stream     bool
}

// Result is the pipeline's outcome for one request. Exactly one of Body
// or Stream is set, matching the streaming/non-streaming distinction in
// spec.md §4.7 step 7.
type Result struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Stream     io.Reader

	KeyID          string
	ModelID        string
	ScreeningTrace []keypool.ScreeningRecord
}
