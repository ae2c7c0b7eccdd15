package translator

import (
	"encoding/json"
	"strings"
)

// lineCountTools names the function-call tools known to omit line_count
// from their arguments even though downstream consumers (editors driving
// write_to_file-style tools) expect it alongside content (spec §4.6).
// The upstream model reliably supplies name/content but not the derived
// count, so the translator computes it rather than rejecting the call.
var lineCountTools = map[string]bool{
	"write_to_file": true,
}

// compensateToolCallArgs fills in a missing line_count argument for
// line-count tools, computed from the call's content argument. Calls for
// any other tool, or calls that already carry line_count, pass through
// unchanged.
func compensateToolCallArgs(name string, argsJSON []byte) []byte {
	if !lineCountTools[name] || len(argsJSON) == 0 {
		return argsJSON
	}
	var args map[string]interface{}
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return argsJSON
	}
	if _, present := args["line_count"]; present {
		return argsJSON
	}
	content, ok := args["content"].(string)
	if !ok {
		return argsJSON
	}
	args["line_count"] = countContentLines(content)
	compensated, err := json.Marshal(args)
	if err != nil {
		return argsJSON
	}
	return compensated
}

// countContentLines counts lines the way a text editor would: an empty
// string is zero lines, and a trailing newline does not start a new one.
func countContentLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}
