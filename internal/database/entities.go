package database

import (
	"time"

	"gorm.io/datatypes"
)

// Draft status values
const (
	StatusDraft     = "draft"
	StatusSubmitted = "submitted"
)

// TableName specifies the table name for ConditionReport.
func (ConditionReport) TableName() string {
	return "condition_reports"
}

// ConditionReport is a draft or submitted report for one asset.
type ConditionReport struct {
	ID             string            `gorm:"type:uuid;primaryKey"`
	OrganisationID string            `gorm:"size:64;not null;index:idx_report_asset,priority:1"`
	AssetID        string            `gorm:"size:64;not null;index:idx_report_asset,priority:2"`
	ReportType     string            `gorm:"size:32;not null;index:idx_report_asset,priority:3"`
	Status         string            `gorm:"size:16;not null;default:draft;index"`
	FromTemplate   bool              `gorm:"not null;default:false"`
	Fields         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedBy      string            `gorm:"size:64"`
	LastEditedAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SidePhotos     []SidePhoto `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for SidePhoto.
func (SidePhoto) TableName() string {
	return "side_photos"
}

// SidePhoto points at the stored base image of one side.
type SidePhoto struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	ReportID    string `gorm:"type:uuid;not null;uniqueIndex:idx_side_photo_report_side,priority:1"`
	Side        string `gorm:"size:16;not null;uniqueIndex:idx_side_photo_report_side,priority:2"`
	StoragePath string `gorm:"size:1024;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Markers     []Marker `gorm:"foreignKey:SidePhotoID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for Marker.
func (Marker) TableName() string {
	return "markers"
}

// Marker is an observation on a side photo. X and Y are normalized to the image.
type Marker struct {
	ID          string  `gorm:"type:uuid;primaryKey"`
	SidePhotoID string  `gorm:"type:uuid;not null;index"`
	X           float64 `gorm:"not null"`
	Y           float64 `gorm:"not null"`
	Note        string  `gorm:"type:text;not null"`
	CreatedAt   time.Time
	Photos      []MarkerPhoto `gorm:"foreignKey:MarkerID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for MarkerPhoto.
func (MarkerPhoto) TableName() string {
	return "marker_photos"
}

// MarkerPhoto points at a stored detail photo of a marker.
type MarkerPhoto struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	MarkerID    string `gorm:"type:uuid;not null;index"`
	StoragePath string `gorm:"size:1024;not null"`
	Position    int    `gorm:"not null;default:0"`
	CreatedAt   time.Time
}
