// Package errors implements the proxy's error taxonomy: a small set of
// Kinds that the dispatch pipeline uses to decide whether to rotate keys,
// plus a standardized APIError that renders into either wire format.
package errors

// Kind classifies a failure for the selection loop's recovery policy
// (see internal/dispatch). It is orthogonal to HTTPStatus/Code, which
// describe what goes back to the caller.
type Kind string

const (
	KindClientInput       Kind = "client_input"       // malformed request; not retried
	KindAuth              Kind = "auth"               // unknown/expired credential; surfaced as 401
	KindNoCapacity        Kind = "no_capacity"         // no eligible key; surfaced as 503
	KindUpstreamTransient Kind = "upstream_transient"  // 5xx / 429-rate; recovered by rotation
	KindUpstreamQuota     Kind = "upstream_quota"      // 429 daily; recovered by rotation
	KindUpstreamPermanent Kind = "upstream_permanent"  // 401/403/invalid-400 on the key; recovered by rotation
	KindUpstreamSemantic  Kind = "upstream_semantic"   // 400 on the prompt itself; surfaced as-is
	KindStreaming         Kind = "streaming"           // mid-stream failure; surfaced, never retried
	KindCancellation      Kind = "cancellation"        // caller cancelled; no response surfaced
)

// ErrorFormat represents the target wire format for an error envelope.
type ErrorFormat string

const (
	FormatOpenAI ErrorFormat = "openai"
	FormatGemini ErrorFormat = "gemini"
)

// APIError is the proxy-internal standardized error. Handlers translate it
// into the caller's wire format at the edge; Message/Details never carry
// secret material (key text).
type APIError struct {
	Kind       Kind
	HTTPStatus int
	Code       string
	Type       string
	Message    string
	Details    map[string]interface{}
}

func (e *APIError) Error() string {
	return e.Message
}

// OpenAIError mirrors the OpenAI chat-completions error envelope.
type OpenAIError struct {
	Error struct {
		Message string                 `json:"message"`
		Type    string                 `json:"type"`
		Code    string                 `json:"code,omitempty"`
		Param   string                 `json:"param,omitempty"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// GeminiError mirrors the native generateContent error envelope.
type GeminiError struct {
	Error struct {
		Code    int                    `json:"code"`
		Message string                 `json:"message"`
		Status  string                 `json:"status"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// New builds an untagged APIError (Kind left zero for callers that only
// care about the wire-level status/code).
func New(httpStatus int, code, errType, message string) *APIError {
	return &APIError{HTTPStatus: httpStatus, Code: code, Type: errType, Message: message}
}

// NewKind builds an APIError tagged with an explicit taxonomy Kind.
func NewKind(kind Kind, httpStatus int, code, errType, message string) *APIError {
	return &APIError{Kind: kind, HTTPStatus: httpStatus, Code: code, Type: errType, Message: message}
}

func (e *APIError) WithDetails(details map[string]interface{}) *APIError {
	e.Details = details
	return e
}
