package translator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

func init() {
	Register(FormatNative, FormatOpenAI, TranslatorConfig{
		ResponseTransform: NativeToOpenAIResponse,
		StreamTransform:   NativeToOpenAIStream,
	})
}

// NativeToOpenAIResponse converts a non-streaming native generateContent
// response into an OpenAI chat.completion response (spec §4.6): wrap
// candidates[0].content.parts[*].text into choices[0].message.content,
// propagate finish_reason, and synthesize an empty assistant message when
// the upstream returned no candidates at all so OpenAI-compatible clients
// — which assume at least one choice — don't choke on an empty array.
func NativeToOpenAIResponse(ctx context.Context, model string, responseBody []byte) ([]byte, error) {
	result := gjson.ParseBytes(responseBody)

	if result.Get("error").Exists() {
		return responseBody, nil
	}

	candidates := result.Get("candidates")
	var choices []map[string]interface{}
	var totalPromptTokens, totalCompletionTokens int64

	if !candidates.Exists() || len(candidates.Array()) == 0 {
		choices = append(choices, map[string]interface{}{
			"index":         0,
			"message":       map[string]interface{}{"role": "assistant", "content": ""},
			"finish_reason": "stop",
		})
	} else {
		for idx, candidate := range candidates.Array() {
			choices = append(choices, buildOpenAIChoice(idx, candidate))
		}
	}

	if usage := result.Get("usageMetadata"); usage.Exists() {
		totalPromptTokens = usage.Get("promptTokenCount").Int()
		totalCompletionTokens = usage.Get("candidatesTokenCount").Int()
	}

	response := map[string]interface{}{
		"id":      fmt.Sprintf("chatcmpl-%d", time.Now().Unix()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": choices,
		"usage": map[string]interface{}{
			"prompt_tokens":     totalPromptTokens,
			"completion_tokens": totalCompletionTokens,
			"total_tokens":      totalPromptTokens + totalCompletionTokens,
		},
	}

	return json.Marshal(response)
}

func buildOpenAIChoice(idx int, candidate gjson.Result) map[string]interface{} {
	parts := candidate.Get("content.parts").Array()

	var messageContent strings.Builder
	var reasoning strings.Builder
	var toolCalls []map[string]interface{}

	for _, part := range parts {
		if thought := part.Get("thought"); thought.Exists() {
			reasoning.WriteString(thought.String())
			continue
		}
		if exec := part.Get("executableCode"); exec.Exists() {
			reasoning.WriteString(fmt.Sprintf("\n[code execution]\n%s\n", exec.String()))
			continue
		}
		if text := part.Get("text"); text.Exists() {
			messageContent.WriteString(text.String())
		}
		if fnCall := part.Get("functionCall"); fnCall.Exists() {
			toolCalls = append(toolCalls, buildToolCall(fnCall, len(toolCalls)))
		}
	}

	message := map[string]interface{}{
		"role":    "assistant",
		"content": messageContent.String(),
	}
	if reasoning.Len() > 0 {
		message["reasoning_content"] = reasoning.String()
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	finishReason := mapFinishReason(candidate.Get("finishReason").String())
	if len(toolCalls) > 0 {
		finishReason = "tool_calls"
	}

	return map[string]interface{}{
		"index":         idx,
		"message":       message,
		"finish_reason": finishReason,
	}
}

func buildToolCall(fnCall gjson.Result, index int) map[string]interface{} {
	fnName := fnCall.Get("name").String()
	fnArgs := fnCall.Get("args")

	var argsJSON []byte
	switch {
	case !fnArgs.Exists():
		argsJSON = []byte("{}")
	case fnArgs.IsObject() || fnArgs.IsArray():
		argsJSON, _ = json.Marshal(fnArgs.Value())
	default:
		argsJSON = []byte(fnArgs.Raw)
	}
	argsJSON = compensateToolCallArgs(fnName, argsJSON)

	return map[string]interface{}{
		"id":   fmt.Sprintf("call_%s_%d", fnName, index),
		"type": "function",
		"function": map[string]interface{}{
			"name":      fnName,
			"arguments": string(argsJSON),
		},
	}
}

func mapFinishReason(native string) string {
	switch native {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "":
		return "stop"
	default:
		return "stop"
	}
}

// NativeToOpenAIStream converts a streaming native generateContent
// response into OpenAI chat.completion.chunk SSE frames (spec §4.6): one
// chunk per upstream candidate, a terminal chunk carrying finish_reason,
// then the SSE [DONE] sentinel.
func NativeToOpenAIStream(ctx context.Context, model string, reader io.Reader) (io.Reader, error) {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

		chunkIndex := 0

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}

			jsonData := bytes.TrimPrefix(line, []byte("data: "))
			if bytes.Equal(jsonData, []byte("[DONE]")) {
				pw.Write([]byte("data: [DONE]\n\n"))
				return
			}

			result := gjson.ParseBytes(jsonData)
			if errMsg := result.Get("error"); errMsg.Exists() {
				writeStreamError(pw, errMsg.Get("message").String())
				return
			}

			candidates := result.Get("candidates")
			if !candidates.Exists() {
				continue
			}

			for _, candidate := range candidates.Array() {
				writeStreamChunk(pw, model, candidate, chunkIndex)
				chunkIndex++
			}
		}

		pw.Write([]byte("data: [DONE]\n\n"))
	}()

	return pr, nil
}

func writeStreamError(pw *io.PipeWriter, message string) {
	errorChunk := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "server_error",
		},
	}
	errorJSON, _ := json.Marshal(errorChunk)
	pw.Write([]byte("data: "))
	pw.Write(errorJSON)
	pw.Write([]byte("\n\n"))
}

func writeStreamChunk(pw *io.PipeWriter, model string, candidate gjson.Result, chunkIndex int) {
	delta := map[string]interface{}{}
	if chunkIndex == 0 {
		delta["role"] = "assistant"
	}

	for _, part := range candidate.Get("content.parts").Array() {
		if thought := part.Get("thought"); thought.Exists() {
			delta["reasoning_content"] = thought.String()
			continue
		}
		if text := part.Get("text"); text.Exists() {
			delta["content"] = text.String()
		}
		if fnCall := part.Get("functionCall"); fnCall.Exists() {
			delta["tool_calls"] = []map[string]interface{}{withToolCallIndex(buildToolCall(fnCall, chunkIndex), 0)}
		}
	}

	var finishReason interface{}
	if fr := candidate.Get("finishReason"); fr.Exists() {
		finishReason = mapFinishReason(fr.String())
	}

	chunk := map[string]interface{}{
		"id":      fmt.Sprintf("chatcmpl-%d", time.Now().Unix()),
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{
			{"index": 0, "delta": delta, "finish_reason": finishReason},
		},
	}

	chunkJSON, _ := json.Marshal(chunk)
	pw.Write([]byte("data: "))
	pw.Write(chunkJSON)
	pw.Write([]byte("\n\n"))
}

func withToolCallIndex(call map[string]interface{}, index int) map[string]interface{} {
	call["index"] = index
	return call
}
