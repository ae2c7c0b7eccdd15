package dispatch

import (
	"encoding/json"

	"aikeyproxy/internal/contextstore"
	"github.com/tidwall/sjson"
)

// turnsToNativeContents replaces nativeBody's "contents" array with the
// full merged turn history, preserving every other field (generationConfig,
// systemInstruction, tools, ...) untouched — matching the translator
// package's untyped gjson/sjson tree-surgery idiom rather than a fully
// typed request struct.
func turnsToNativeContents(turns []contextstore.Turn, nativeBody []byte) []byte {
	contents := make([]map[string]interface{}, 0, len(turns))
	for _, t := range turns {
		contents = append(contents, map[string]interface{}{
			"role":  string(t.Role),
			"parts": partsToNativeJSON(t.Parts),
		})
	}
	contentsJSON, err := json.Marshal(contents)
	if err != nil {
		return nativeBody
	}
	out, err := sjson.SetRawBytes(nativeBody, "contents", contentsJSON)
	if err != nil {
		return nativeBody
	}
	return out
}

func partsToNativeJSON(parts []contextstore.Part) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(parts))
	for _, p := range parts {
		if p.InlineData != nil {
			out = append(out, map[string]interface{}{
				"inlineData": map[string]interface{}{
					"mimeType": p.InlineData.MimeType,
					"data":     p.InlineData.Base64,
				},
			})
			continue
		}
		out = append(out, map[string]interface{}{"text": p.Text})
	}
	return out
}
