package translator

import (
	"context"
	"io"
)

// Format identifies one of the wire shapes the dispatch pipeline can
// accept or emit. FormatNative is the vendor-neutral term spec.md uses
// for the proxy's own generateContent-shaped request/response — the
// shape every upstream call actually travels in, and the shape every
// other format is translated to and from.
type Format string

const (
	FormatOpenAI  Format = "openai"
	FormatNative  Format = "native"
	FormatGeneric Format = "generic"
)

// RequestTransform converts a request from one format to another.
// Returns the transformed request body as bytes.
type RequestTransform func(model string, rawJSON []byte, stream bool) []byte

// ResponseTransform converts a non-streaming response from one format to another.
type ResponseTransform func(ctx context.Context, model string, responseBody []byte) ([]byte, error)

// StreamTransform converts streaming response chunks from one format to another.
// It reads from the input reader and returns a new reader with transformed chunks.
type StreamTransform func(ctx context.Context, model string, reader io.Reader) (io.Reader, error)

// TranslatorConfig holds the transforms registered for one (from, to) pair.
// A pair rarely needs all three: a request-only direction leaves
// ResponseTransform/StreamTransform nil, and Registry.Translate* falls
// back to passing the payload through unchanged when a transform is nil.
type TranslatorConfig struct {
	RequestTransform  RequestTransform
	ResponseTransform ResponseTransform
	StreamTransform   StreamTransform
}
