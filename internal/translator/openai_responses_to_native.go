package translator

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIResponsesToNativeRequest converts an OpenAI Responses API request
// (the "input" + typed content items shape) into a native generateContent
// request. Not wired into the Registry — the dispatch pipeline only
// serves chat completions and native passthrough today — but kept and
// tested as the Responses-API adapter the rest of this package's
// generation-config/tool-declaration helpers were generalized to share.
func OpenAIResponsesToNativeRequest(model string, rawJSON []byte, _ bool) []byte {
	out := `{"contents":[]}`

	genConfig := buildGenerationConfig(rawJSON, responsesGenOpts)
	genJSON, _ := json.Marshal(genConfig)
	out, _ = sjson.SetRaw(out, "generationConfig", string(genJSON))

	if inst := gjson.GetBytes(rawJSON, "instructions"); inst.Exists() && inst.String() != "" {
		sys := map[string]any{"parts": []any{map[string]any{"text": inst.String()}}}
		sysJSON, _ := json.Marshal(sys)
		out, _ = sjson.SetRaw(out, "systemInstruction", string(sysJSON))
	}

	if contents := responsesInputToContents(rawJSON); len(contents) > 0 {
		contentsJSON, _ := json.Marshal(contents)
		out, _ = sjson.SetRaw(out, "contents", string(contentsJSON))
	}

	out = applyToolDeclarations(out, rawJSON, "parametersJsonSchema")

	return []byte(out)
}

// responsesInputToContents converts the Responses API's "input" field,
// which is either a bare string or an array of typed items, into native
// contents entries.
func responsesInputToContents(rawJSON []byte) []any {
	in := gjson.GetBytes(rawJSON, "input")
	if !in.Exists() {
		return nil
	}
	if in.Type == gjson.String {
		return []any{map[string]any{"role": "user", "parts": []any{map[string]any{"text": in.String()}}}}
	}
	if !in.IsArray() {
		return nil
	}

	node := map[string]any{"role": "user", "parts": []any{}}
	for _, item := range in.Array() {
		switch item.Get("type").String() {
		case "message":
			role := strings.ToLower(item.Get("role").String())
			if role == "assistant" || role == "model" {
				node["role"] = "model"
			} else {
				node["role"] = "user"
			}
			for _, ci := range item.Get("content").Array() {
				if txt := ci.Get("text"); txt.Exists() && txt.String() != "" {
					node["parts"] = append(node["parts"].([]any), map[string]any{"text": txt.String()})
				}
			}
		case "input_text", "text", "output_text":
			if txt := item.Get("text").String(); txt != "" {
				node["parts"] = append(node["parts"].([]any), map[string]any{"text": txt})
			}
		case "input_image", "image_url":
			node["parts"] = append(node["parts"].([]any), responsesImagePart(item))
		}
	}
	if parts, _ := node["parts"].([]any); len(parts) == 0 {
		return nil
	}
	return []any{node}
}

func responsesImagePart(item gjson.Result) any {
	url := item.Get("image_url.url").String()
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		semi := strings.Index(rest, ";")
		comma := strings.LastIndex(rest, ",")
		if semi > 0 && comma > semi {
			return map[string]any{"inlineData": map[string]any{"mimeType": rest[:semi], "data": rest[comma+1:]}}
		}
	}
	return map[string]any{"fileData": map[string]any{"fileUri": url}}
}

// OpenAICompletionsToNativeRequest converts a legacy OpenAI completions
// request (a single "prompt" string) into a native generateContent
// request.
func OpenAICompletionsToNativeRequest(model string, rawJSON []byte, _ bool) []byte {
	out := `{"contents":[]}`

	genConfig := buildGenerationConfig(rawJSON, completionsGenOpts)
	out, _ = sjson.SetRaw(out, "generationConfig", mustJSON(genConfig))

	if prompt := gjson.GetBytes(rawJSON, "prompt").String(); prompt != "" {
		out, _ = sjson.SetRaw(out, "contents", mustJSON([]any{
			map[string]any{"role": "user", "parts": []any{map[string]any{"text": prompt}}},
		}))
	}
	return []byte(out)
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
