package translator

import (
	"encoding/json"

	"github.com/tidwall/sjson"
)

func init() {
	Register(FormatOpenAI, FormatNative, TranslatorConfig{
		RequestTransform: OpenAIToNativeRequest,
	})
}

// OpenAIToNativeRequest converts an OpenAI chat completions request into
// the native generateContent request shape (spec §4.6): flatten the
// system role into systemInstruction, map each message's content into
// parts, and carry generation parameters into generationConfig.
func OpenAIToNativeRequest(model string, rawJSON []byte, stream bool) []byte { // stream kept for interface compatibility
	out := `{"contents":[]}`

	genConfig := buildGenerationConfig(rawJSON, chatCompletionsGenOpts)
	genConfigJSON, _ := json.Marshal(genConfig)
	out, _ = sjson.SetRaw(out, "generationConfig", string(genConfigJSON))

	contents, systemInstructions := translateMessages(rawJSON)
	if shouldMergeAdjacent(rawJSON) {
		contents = mergeConsecutiveMessages(contents)
	}

	contentsJSON, _ := json.Marshal(contents)
	out, _ = sjson.SetRaw(out, "contents", string(contentsJSON))

	if len(systemInstructions) > 0 {
		sysJSON, _ := json.Marshal(map[string]interface{}{"parts": systemInstructions})
		out, _ = sjson.SetRaw(out, "systemInstruction", string(sysJSON))
	}

	out = applyToolDeclarations(out, rawJSON, "parameters")
	out = applyResponseFormat(out, rawJSON)

	return []byte(out)
}
