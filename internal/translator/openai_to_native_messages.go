package translator

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// translateMessages flattens an OpenAI chat completions "messages" array
// into native contents + a separate systemInstruction parts list (spec
// §4.6: "flatten system role"). Gemini has no notion of a system turn
// inside contents, so every system message is pulled out regardless of
// its position in the array.
func translateMessages(rawJSON []byte) ([]interface{}, []interface{}) {
	messages := gjson.GetBytes(rawJSON, "messages")
	var contents []interface{}
	var systemInstructions []interface{}

	for _, msg := range messages.Array() {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "system":
			systemInstructions = append(systemInstructions, convertContentParts(content)...)

		case "user":
			contents = append(contents, map[string]interface{}{
				"role":  "user",
				"parts": nonEmptyParts(convertContentParts(content)),
			})

		case "assistant":
			if geminiMsg, ok := convertAssistantMessage(msg, content); ok {
				contents = append(contents, geminiMsg)
			}

		case "tool":
			contents = append(contents, convertToolMessage(msg, content))
		}
	}

	contents = redactMessages(contents)
	ensureCompletionMarker(&systemInstructions)
	systemInstructions = redactParts(systemInstructions)
	return contents, systemInstructions
}

// convertContentParts converts an OpenAI message's content field, which
// is either a plain string or an array of typed parts, into native parts.
func convertContentParts(content gjson.Result) []interface{} {
	if content.IsArray() {
		var parts []interface{}
		for _, part := range content.Array() {
			if converted, ok := convertContentPart(part); ok {
				parts = append(parts, converted)
			}
		}
		return parts
	}
	if content.String() == "" {
		return nil
	}
	return []interface{}{map[string]interface{}{"text": redactText(content.String())}}
}

func nonEmptyParts(parts []interface{}) []interface{} {
	if parts == nil {
		return []interface{}{}
	}
	return parts
}

func convertAssistantMessage(msg, content gjson.Result) (map[string]interface{}, bool) {
	geminiMsg := map[string]interface{}{"role": "model"}

	if toolCalls := msg.Get("tool_calls"); toolCalls.Exists() && toolCalls.IsArray() {
		var parts []interface{}
		if content.Exists() && content.String() != "" {
			parts = append(parts, map[string]interface{}{"text": redactText(content.String())})
		}
		for _, tc := range toolCalls.Array() {
			if tc.Get("type").String() != "function" {
				continue
			}
			fnName := tc.Get("function.name").String()
			argsJSON := compensateToolCallArgs(fnName, []byte(tc.Get("function.arguments").String()))
			var argsObj interface{}
			if err := json.Unmarshal(argsJSON, &argsObj); err == nil {
				parts = append(parts, map[string]interface{}{
					"functionCall": map[string]interface{}{
						"name": fnName,
						"args": argsObj,
					},
				})
			}
		}
		geminiMsg["parts"] = parts
	} else if content.Exists() {
		geminiMsg["parts"] = convertContentParts(content)
	}

	parts, _ := geminiMsg["parts"].([]interface{})
	if len(parts) == 0 {
		return nil, false
	}
	return geminiMsg, true
}

func convertToolMessage(msg, content gjson.Result) map[string]interface{} {
	toolCallID := msg.Get("tool_call_id").String()
	name := msg.Get("name").String()

	var responseContent interface{}
	contentStr := redactText(content.String())
	if err := json.Unmarshal([]byte(contentStr), &responseContent); err != nil {
		responseContent = map[string]interface{}{"result": contentStr}
	}

	funcResp := map[string]interface{}{
		"name":     name,
		"response": responseContent,
	}
	if toolCallID != "" {
		funcResp["id"] = toolCallID
	}

	return map[string]interface{}{
		"role":  "user",
		"parts": []interface{}{map[string]interface{}{"functionResponse": funcResp}},
	}
}

// convertContentPart converts one OpenAI content part to its native
// equivalent. The bool return is false when the part must be dropped
// entirely — currently only an image_url whose data URI carries a mime
// type outside acceptedInlineMimeTypes (spec §4.6 accepts only
// JPEG/PNG/WebP/HEIC/HEIF).
func convertContentPart(part gjson.Result) (interface{}, bool) {
	switch part.Get("type").String() {
	case "text":
		return map[string]interface{}{"text": redactText(part.Get("text").String())}, true

	case "image_url":
		return convertImagePart(part)

	case "audio":
		if audio := part.Get("audio"); audio.Exists() && audio.Get("data").Exists() {
			return map[string]interface{}{
				"inlineData": map[string]interface{}{
					"mimeType": audio.Get("format").String(),
					"data":     audio.Get("data").String(),
				},
			}, true
		}

	case "video":
		if videoURL := part.Get("video.url"); videoURL.Exists() {
			return map[string]interface{}{
				"fileData": map[string]interface{}{"fileUri": videoURL.String()},
			}, true
		}
	}

	var result interface{}
	if err := json.Unmarshal([]byte(part.Raw), &result); err == nil {
		return result, true
	}
	return map[string]interface{}{"text": redactText(part.Raw)}, true
}

func convertImagePart(part gjson.Result) (interface{}, bool) {
	imageURL := part.Get("image_url.url").String()
	detail := part.Get("image_url.detail").String()

	if strings.HasPrefix(imageURL, "data:") {
		split := strings.SplitN(imageURL, ",", 2)
		if len(split) != 2 {
			return nil, false
		}
		mimeType, ok := detectImageMIME(split[0])
		if !ok {
			return nil, false
		}
		return map[string]interface{}{
			"inlineData": map[string]interface{}{"mimeType": mimeType, "data": split[1]},
		}, true
	}

	fileData := map[string]interface{}{"fileUri": imageURL}
	if detail != "" {
		fileData["detail"] = detail
	}
	return map[string]interface{}{"fileData": fileData}, true
}

func mergeConsecutiveMessages(contents []interface{}) []interface{} {
	if len(contents) <= 1 {
		return contents
	}

	merged := make([]interface{}, 0, len(contents))
	var current map[string]interface{}

	for i, item := range contents {
		msg, ok := item.(map[string]interface{})
		if !ok {
			merged = append(merged, item)
			continue
		}

		role, hasRole := msg["role"].(string)
		if !hasRole {
			merged = append(merged, msg)
			continue
		}

		if current == nil || current["role"].(string) != role {
			if current != nil {
				merged = append(merged, current)
			}
			current = msg
			continue
		}

		currentParts, hasParts := current["parts"].([]interface{})
		msgParts, hasMsgParts := msg["parts"].([]interface{})

		if hasParts && hasMsgParts {
			current["parts"] = append(currentParts, msgParts...)
		} else if hasMsgParts {
			current["parts"] = msgParts
		}
	}

	if current != nil {
		merged = append(merged, current)
	}

	return merged
}

// detectImageMIME maps a data URI's "data:<mime>;base64" prefix to one of
// the mime types the upstream accepts for inline image data. The second
// return is false when the prefix doesn't match any accepted type, so the
// caller can drop the part instead of guessing.
func detectImageMIME(prefix string) (string, bool) {
	switch {
	case strings.Contains(prefix, "image/png"):
		return "image/png", true
	case strings.Contains(prefix, "image/webp"):
		return "image/webp", true
	case strings.Contains(prefix, "image/heic"):
		return "image/heic", true
	case strings.Contains(prefix, "image/heif"):
		return "image/heif", true
	case strings.Contains(prefix, "image/jpeg"), strings.Contains(prefix, "image/jpg"):
		return "image/jpeg", true
	default:
		return "", false
	}
}
