// Package common holds small cross-package sentinel strings.
package common

const (
	// DoneMarker is emitted by some upstream streams inline in the text
	// body to signal early completion; translators strip it before it
	// reaches the caller.
	DoneMarker = "[DONE]"
	// DoneInstruction is appended to a prompt to request the marker above
	// when the upstream otherwise gives no explicit terminal signal.
	DoneInstruction = "When you have completely finished your response, output the exact marker [DONE] on its own line."
)
