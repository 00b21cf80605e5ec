package gatekeeper

import (
	"encoding/json"
	"strings"
)

// Parameter inference normalizes well-known input variants the model
// produces so tools receive their canonical parameter names.

// aliasSets map canonical field names to accepted aliases, per tool
// family. The first canonical name present wins; otherwise the first
// populated alias is renamed.
var pathAliases = []string{"path", "filename", "file", "filepath", "file_path"}
var contentAliases = []string{"content", "text", "body", "contents", "data"}
var queryAliases = []string{"query", "q", "search", "term"}

// regionCodes normalizes verbose region names to codes for search tools.
var regionCodes = map[string]string{
	"united states":  "us",
	"united kingdom": "uk",
	"germany":        "de",
	"france":         "fr",
	"japan":          "jp",
}

// InferParameters rewrites input aliases to canonical names. It returns
// the normalized input and whether any change was made.
func InferParameters(toolName string, input json.RawMessage) (json.RawMessage, bool) {
	var obj map[string]any
	if err := json.Unmarshal(input, &obj); err != nil || obj == nil {
		return input, false
	}

	changed := false
	changed = normalizeAlias(obj, pathAliases) || changed
	changed = normalizeAlias(obj, contentAliases) || changed
	if strings.Contains(toolName, "search") {
		changed = normalizeAlias(obj, queryAliases) || changed
		if region, ok := obj["region"].(string); ok {
			if code, found := regionCodes[strings.ToLower(region)]; found && code != region {
				obj["region"] = code
				changed = true
			}
		}
	}

	if !changed {
		return input, false
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return input, false
	}
	return out, true
}

// normalizeAlias renames the first populated alias to the canonical name
// (the first entry) when the canonical name is absent.
func normalizeAlias(obj map[string]any, aliases []string) bool {
	canonical := aliases[0]
	if _, ok := obj[canonical]; ok {
		return false
	}
	for _, alias := range aliases[1:] {
		if v, ok := obj[alias]; ok {
			obj[canonical] = v
			delete(obj, alias)
			return true
		}
	}
	return false
}
