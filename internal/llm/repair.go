package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	controlChars = regexp.MustCompile("[\x00-\x08\x0B\x0C\x0E-\x1F]")
	openFence    = regexp.MustCompile("^```[a-zA-Z0-9_-]*\\s*")
	closeFence   = regexp.MustCompile("\\s*```$")
)

// RepairJSON recovers a JSON object from model output: it drops control
// characters and code fences, then falls back to the outermost braces.
func RepairJSON(raw string) (string, bool) {
	cleaned := strings.TrimSpace(controlChars.ReplaceAllString(raw, ""))
	cleaned = openFence.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(closeFence.ReplaceAllString(cleaned, ""))
	if strings.HasPrefix(cleaned, "{") && json.Valid([]byte(cleaned)) {
		return cleaned, true
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end <= start {
		return "", false
	}
	snippet := cleaned[start : end+1]
	if !json.Valid([]byte(snippet)) {
		return "", false
	}
	return snippet, true
}
