package types

import (
	"fmt"
	"strings"
	"time"
)

// Side identifies one photographed facet of a vehicle
type Side string

// Fixed set of sides, in capture order
const (
	SideFront    Side = "front"
	SideNearside Side = "nearside"
	SideBack     Side = "back"
	SideOffside  Side = "offside"
	SideInterior Side = "interior"
)

// AllSides returns every side in capture order
func AllSides() []Side {
	return []Side{SideFront, SideNearside, SideBack, SideOffside, SideInterior}
}

// Valid reports whether s belongs to the closed set of sides
func (s Side) Valid() bool {
	for _, known := range AllSides() {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSide converts user input into a Side
func ParseSide(raw string) (Side, error) {
	s := Side(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown side %q", raw)
	}
	return s, nil
}

// UploadStatus tags the upload state of an image.
// The empty value means the image is already durable or nothing is pending.
type UploadStatus string

const (
	StatusNone      UploadStatus = ""
	StatusUploading UploadStatus = "uploading"
	StatusSuccess   UploadStatus = "success"
	StatusError     UploadStatus = "error"
)

// UploadScope selects between a side's base image and a marker detail photo
type UploadScope string

const (
	ScopeSide   UploadScope = "side"
	ScopeDetail UploadScope = "detail"
)

// LocalFile is a user-selected file that has not been stored yet
type LocalFile struct {
	Name         string
	ContentType  string
	Data         []byte
	Size         int64
	LastModified time.Time
}

// NewLocalFile builds a LocalFile from raw bytes
func NewLocalFile(name string, data []byte, lastModified time.Time) *LocalFile {
	return &LocalFile{
		Name:         name,
		Data:         data,
		Size:         int64(len(data)),
		LastModified: lastModified,
	}
}

// FileKey identifies the file's bytes by size and modification time
func (f *LocalFile) FileKey() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%d:%d", f.Size, f.LastModified.UnixMilli())
}

// UploadedImage is one physical image, either local-only or durable
type UploadedImage struct {
	Local        *LocalFile   `json:"-"`
	PreviewURL   string       `json:"preview_url"`
	UploadStatus UploadStatus `json:"upload_status,omitempty"`
	StoragePath  string       `json:"storage_path,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Progress     float64      `json:"progress,omitempty"`
}

// IsLocalOnly reports whether the image exists only as a selected file
func (img *UploadedImage) IsLocalOnly() bool {
	return img != nil && img.StoragePath == "" && img.Local != nil
}

// IsDurable reports whether the image has been stored
func (img *UploadedImage) IsDurable() bool {
	return img != nil && img.StoragePath != ""
}

// Clone returns a shallow copy; the LocalFile is shared
func (img *UploadedImage) Clone() *UploadedImage {
	if img == nil {
		return nil
	}
	c := *img
	return &c
}

// Point is a position normalized to [0,1] x [0,1] of the base image
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Observation is a marker placed on a base image
type Observation struct {
	ID       string           `json:"id"`
	MarkerID string           `json:"marker_id,omitempty"`
	X        float64          `json:"x"`
	Y        float64          `json:"y"`
	Note     string           `json:"note"`
	Photos   []*UploadedImage `json:"photos,omitempty"`
}

// SidePhoto is the base image and markers for one side
type SidePhoto struct {
	Side         Side           `json:"side"`
	Image        *UploadedImage `json:"image,omitempty"`
	Observations []Observation  `json:"observations,omitempty"`
}

// EmptySides returns one empty SidePhoto per side
func EmptySides() []SidePhoto {
	sides := AllSides()
	out := make([]SidePhoto, len(sides))
	for i, s := range sides {
		out[i] = SidePhoto{Side: s}
	}
	return out
}

// AuthContext carries the signed-in user and organisation
type AuthContext struct {
	UserID         string
	OrganisationID string
	SignedIn       bool
}

// Require fails unless the context has a signed-in user inside an organisation
func (a AuthContext) Require() error {
	if !a.SignedIn || a.UserID == "" {
		return &AuthorizationError{Reason: "not signed in"}
	}
	if a.OrganisationID == "" {
		return &AuthorizationError{Reason: "no organisation selected"}
	}
	return nil
}
