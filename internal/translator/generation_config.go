package translator

import (
	"strings"

	"aikeyproxy/internal/constants"
	"github.com/tidwall/gjson"
)

// generationConfigOptions parameterizes buildGenerationConfig over the
// three request shapes that feed it (chat completions, the Responses
// API, and legacy completions): they share every field below max tokens,
// but disagree on which key names the token cap and on what an
// unset/zero cap should fall back to.
type generationConfigOptions struct {
	// maxTokensKeys is checked in order; the last key present in the
	// request wins, so put the higher-priority key last.
	maxTokensKeys []string
	// clampZeroToDefault mirrors the legacy completions endpoint, which
	// treats an explicit zero or negative cap as "use the default" rather
	// than omitting the field.
	clampZeroToDefault bool
	includeThinking    bool
	includeModalities  bool
}

var (
	chatCompletionsGenOpts = generationConfigOptions{
		maxTokensKeys:     []string{"max_tokens", "max_completion_tokens"},
		includeThinking:   true,
		includeModalities: true,
	}
	responsesGenOpts = generationConfigOptions{
		maxTokensKeys: []string{"max_tokens", "max_output_tokens"},
	}
	completionsGenOpts = generationConfigOptions{
		maxTokensKeys:      []string{"max_tokens"},
		clampZeroToDefault: true,
	}
)

func buildGenerationConfig(rawJSON []byte, opts generationConfigOptions) map[string]interface{} {
	genConfig := map[string]interface{}{"candidateCount": 1}

	if temp := gjson.GetBytes(rawJSON, "temperature"); temp.Exists() {
		genConfig["temperature"] = temp.Value()
	}
	if topP := gjson.GetBytes(rawJSON, "top_p"); topP.Exists() {
		genConfig["topP"] = topP.Value()
	}
	genConfig["topK"] = resolveTopK(rawJSON)

	if maxTokens, ok := resolveMaxTokens(rawJSON, opts); ok {
		genConfig["maxOutputTokens"] = maxTokens
	}

	if fp := gjson.GetBytes(rawJSON, "frequency_penalty"); fp.Exists() {
		genConfig["frequencyPenalty"] = fp.Value()
	}
	if pp := gjson.GetBytes(rawJSON, "presence_penalty"); pp.Exists() {
		genConfig["presencePenalty"] = pp.Value()
	}
	if n := gjson.GetBytes(rawJSON, "n"); n.Exists() {
		genConfig["candidateCount"] = int(n.Int())
	}
	if seed := gjson.GetBytes(rawJSON, "seed"); seed.Exists() {
		genConfig["seed"] = int(seed.Int())
	}
	if stop := gjson.GetBytes(rawJSON, "stop"); stop.Exists() {
		if stopSeqs := collectStopSequences(stop); len(stopSeqs) > 0 {
			genConfig["stopSequences"] = stopSeqs
		}
	}

	if opts.includeThinking {
		if reasoningEffort := gjson.GetBytes(rawJSON, "reasoning_effort"); reasoningEffort.Exists() {
			genConfig["thinkingConfig"] = buildThinkingConfig(reasoningEffort.String())
		}
	}

	if opts.includeModalities {
		if mods := gjson.GetBytes(rawJSON, "modalities"); mods.Exists() {
			if responseMods := mapModalities(mods.Array()); len(responseMods) > 0 {
				genConfig["responseModalities"] = responseMods
			}
		}
		if imgCfg := gjson.GetBytes(rawJSON, "image_config"); imgCfg.Exists() {
			if aspect := imgCfg.Get("aspect_ratio"); aspect.Exists() {
				genConfig["responseImageAspectRatio"] = aspect.String()
			}
		}
	}

	return genConfig
}

func resolveTopK(rawJSON []byte) int {
	topKValue := constants.DefaultTopK
	if topK := gjson.GetBytes(rawJSON, "top_k"); topK.Exists() {
		value := int(topK.Int())
		if value <= 0 {
			value = constants.DefaultTopK
		}
		if value > constants.MaxTopK {
			value = constants.MaxTopK
		}
		topKValue = value
	}
	return topKValue
}

func resolveMaxTokens(rawJSON []byte, opts generationConfigOptions) (int, bool) {
	value := 0
	found := false
	for _, key := range opts.maxTokensKeys {
		if v := gjson.GetBytes(rawJSON, key); v.Exists() {
			value = int(v.Int())
			found = true
		}
	}
	if !found {
		return 0, false
	}
	if value <= 0 {
		if !opts.clampZeroToDefault {
			return 0, false
		}
		value = constants.MaxOutputTokens
	}
	if value > constants.MaxOutputTokens {
		value = constants.MaxOutputTokens
	}
	return value, true
}

func buildThinkingConfig(effort string) map[string]interface{} {
	thinkingConfig := make(map[string]interface{})

	switch effort {
	case "none":
		thinkingConfig["thinkingBudget"] = 0
	case "low":
		thinkingConfig["thinkingBudget"] = 1024
		thinkingConfig["includeThoughts"] = true
	case "medium":
		thinkingConfig["thinkingBudget"] = 8192
		thinkingConfig["includeThoughts"] = true
	case "high":
		thinkingConfig["thinkingBudget"] = 24576
		thinkingConfig["includeThoughts"] = true
	default: // "auto" and anything unrecognized
		thinkingConfig["thinkingBudget"] = -1
		thinkingConfig["includeThoughts"] = true
	}
	return thinkingConfig
}

func mapModalities(mods []gjson.Result) []string {
	var responseMods []string
	for _, m := range mods {
		switch strings.ToLower(m.String()) {
		case "text":
			responseMods = append(responseMods, "Text")
		case "image":
			responseMods = append(responseMods, "Image")
		}
	}
	return responseMods
}

func collectStopSequences(stop gjson.Result) []string {
	var stopSeqs []string
	if stop.IsArray() {
		for _, s := range stop.Array() {
			stopSeqs = append(stopSeqs, s.String())
		}
	} else {
		stopSeqs = append(stopSeqs, stop.String())
	}
	return stopSeqs
}

func shouldMergeAdjacent(rawJSON []byte) bool {
	merge := true
	if v := gjson.GetBytes(rawJSON, "compat_merge_adjacent"); v.Exists() {
		if v.Type == gjson.False {
			merge = false
		}
	}
	return merge
}
