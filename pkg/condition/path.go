package condition

import (
	"fmt"
	"path"
	"strings"

	"github.com/menta2k/condition-report/pkg/processing"
	"github.com/menta2k/condition-report/pkg/types"
)

// StoragePath derives the object key for a normalized upload. The key only
// depends on the report, the slot, the source file's modification time and
// the normalized blob, so retrying the same content overwrites the same object.
//
//	side:   {org}/{report}/{side}/{modifiedMillis}-{size}{ext}
//	detail: {org}/{report}/markers/{marker}/{modifiedMillis}-{size}{ext}
func StoragePath(org, reportID string, side types.Side, scope types.UploadScope, markerID string, file *types.LocalFile, blob *processing.Blob) (string, error) {
	if org == "" || reportID == "" {
		return "", fmt.Errorf("storage path: organisation and report are required")
	}
	ext := blob.Extension
	if ext == "" {
		ext = ".bin"
	}
	name := fmt.Sprintf("%d-%d%s", file.LastModified.UnixMilli(), blob.Size(), strings.ToLower(ext))

	switch scope {
	case types.ScopeDetail:
		if markerID == "" {
			return "", fmt.Errorf("storage path: detail upload needs a marker id")
		}
		return path.Join(org, reportID, "markers", markerID, name), nil
	default:
		if !side.Valid() {
			return "", fmt.Errorf("storage path: unknown side %q", side)
		}
		return path.Join(org, reportID, string(side), name), nil
	}
}
