package types

import (
	"encoding/json"
	"strings"
	"time"
)

// DraftSnapshot is the scalar view of a draft condition report
type DraftSnapshot struct {
	ID           string         `json:"id"`
	AssetID      string         `json:"asset_id"`
	ReportType   string         `json:"report_type"`
	Created      bool           `json:"created"`
	FromTemplate bool           `json:"from_template"`
	UpdatedAt    *time.Time     `json:"updated_at,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// MeaningfullyNonEmpty reports whether the draft holds user work worth resuming.
// A draft counts only if it was reused (not just created), was not seeded from a
// template, has been updated at least once and has one non-empty field.
func (d *DraftSnapshot) MeaningfullyNonEmpty() bool {
	if d == nil || d.Created || d.FromTemplate || d.UpdatedAt == nil {
		return false
	}
	for _, v := range d.Fields {
		if fieldHasValue(v) {
			return true
		}
	}
	return false
}

func fieldHasValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case *string:
		return t != nil && strings.TrimSpace(*t) != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case json.RawMessage:
		s := strings.TrimSpace(string(t))
		return s != "" && s != "null" && s != "{}" && s != "[]"
	default:
		return true
	}
}
