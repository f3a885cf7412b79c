package client

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment  = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing     = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseDamageReport reads a model reply. Replies that are not JSON become a
// report whose note is the trimmed reply text.
func ParseDamageReport(raw string) *DamageReport {
	cleaned := SanitizeModelJSON(raw)

	if strings.HasPrefix(cleaned, "{") {
		var report DamageReport
		if err := json.Unmarshal([]byte(cleaned), &report); err == nil {
			report.Note = strings.TrimSpace(report.Note)
			return &report
		}
	}

	note := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), "`"))
	return &DamageReport{
		Damage:     note != "",
		Note:       note,
		Confidence: 0.1,
		Tags:       []string{"non-json"},
	}
}

// SanitizeModelJSON removes code fences, comments and trailing commas and
// keeps only the outermost object.
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
