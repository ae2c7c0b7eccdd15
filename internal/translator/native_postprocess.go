package translator

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// applyToolDeclarations maps OpenAI-shape tools into native
// functionDeclarations. paramsField names the OpenAI field holding the
// JSON Schema for each function's parameters — "parameters" for chat
// completions, "parametersJsonSchema" for the Responses API — since the
// two request shapes disagree on that one key.
func applyToolDeclarations(out string, rawJSON []byte, paramsField string) string {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.Exists() {
		return out
	}
	var declarations []interface{}
	for _, tool := range tools.Array() {
		if tool.Get("type").String() != "function" {
			continue
		}
		fn := tool.Get("function")
		decl := map[string]interface{}{
			"name":        fn.Get("name").String(),
			"description": fn.Get("description").String(),
		}
		if params := fn.Get(paramsField); params.Exists() {
			decl["parameters"] = json.RawMessage(params.Raw)
		}
		declarations = append(declarations, decl)
	}
	if len(declarations) == 0 {
		return out
	}
	toolsJSON, _ := json.Marshal([]interface{}{
		map[string]interface{}{"functionDeclarations": declarations},
	})
	out, _ = sjson.SetRaw(out, "tools", string(toolsJSON))
	return out
}

// applyResponseFormat maps OpenAI's response_format onto
// generationConfig.responseMimeType/responseSchema. Only chat completions
// exposes response_format, so this has a single caller.
func applyResponseFormat(out string, rawJSON []byte) string {
	respFormat := gjson.GetBytes(rawJSON, "response_format")
	if !respFormat.Exists() {
		return out
	}
	switch respFormat.Get("type").String() {
	case "json_object":
		out, _ = sjson.Set(out, "generationConfig.responseMimeType", "application/json")
	case "json_schema":
		out, _ = sjson.Set(out, "generationConfig.responseMimeType", "application/json")
		if schema := respFormat.Get("json_schema.schema"); schema.Exists() {
			out, _ = sjson.SetRaw(out, "generationConfig.responseSchema", schema.Raw)
		}
	}
	return out
}
