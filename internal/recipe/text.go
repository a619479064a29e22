package recipe

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	spacePattern    = regexp.MustCompile(`\s+`)
	durationPattern = regexp.MustCompile(`(?i)^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)
	leadingNumber   = regexp.MustCompile(`\d+`)
)

// CleanText unescapes HTML entities and collapses whitespace.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, " ", " ")
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

// ParseISODuration converts values like "PT1H30M" or "P0DT45M" to whole minutes.
func ParseISODuration(s string) (int, bool) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || strings.EqualFold(strings.TrimSpace(s), "P") || strings.EqualFold(strings.TrimSpace(s), "PT") {
		return 0, false
	}
	minutes := 0
	if m[1] != "" {
		d, _ := strconv.Atoi(m[1])
		minutes += d * 24 * 60
	}
	if m[2] != "" {
		h, _ := strconv.Atoi(m[2])
		minutes += h * 60
	}
	if m[3] != "" {
		mm, _ := strconv.Atoi(m[3])
		minutes += mm
	}
	if m[4] != "" {
		sec, _ := strconv.ParseFloat(m[4], 64)
		minutes += int(sec / 60)
	}
	return minutes, true
}

// ParseServings reads a yield value from structured data. It may be a number,
// a string or a list of either.
func ParseServings(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return CleanText(t)
	case float64:
		return strconv.Itoa(int(t))
	case []any:
		for _, item := range t {
			if s := ParseServings(item); s != "" {
				if leadingNumber.MatchString(s) {
					return s
				}
			}
		}
		if len(t) > 0 {
			return ParseServings(t[0])
		}
	}
	return CleanText(fmt.Sprint(v))
}

// Lines splits text into trimmed non-empty lines.
func Lines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, ln := range raw {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
