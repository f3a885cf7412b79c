package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/menta2k/condition-report/pkg/condition"
	"github.com/menta2k/condition-report/pkg/types"
)

// ErrNotFound is returned when a referenced row does not exist
var ErrNotFound = errors.New("record not found")

// Repository stores condition reports in postgres
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

var _ condition.Repository = (*Repository)(nil)

// NewRepository wraps db
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// EnsureDraft returns the newest draft for the asset, creating a blank one
// when none exists and createBlank is set.
func (r *Repository) EnsureDraft(ctx context.Context, org, assetID, reportType string, createBlank bool) (*types.DraftSnapshot, error) {
	var report ConditionReport
	err := r.db.WithContext(ctx).
		Where("organisation_id = ? AND asset_id = ? AND report_type = ? AND status = ?", org, assetID, reportType, StatusDraft).
		Order("created_at DESC").
		First(&report).Error
	switch {
	case err == nil:
		return snapshot(&report, false), nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("find draft: %w", err)
	case !createBlank:
		return nil, ErrNotFound
	}

	report = ConditionReport{
		ID:             uuid.NewString(),
		OrganisationID: org,
		AssetID:        assetID,
		ReportType:     reportType,
		Status:         StatusDraft,
		Fields:         datatypes.JSONMap{},
	}
	if err := r.db.WithContext(ctx).Create(&report).Error; err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	return snapshot(&report, true), nil
}

func snapshot(report *ConditionReport, created bool) *types.DraftSnapshot {
	fields := make(map[string]any, len(report.Fields))
	for k, v := range report.Fields {
		fields[k] = v
	}
	return &types.DraftSnapshot{
		ID:           report.ID,
		AssetID:      report.AssetID,
		ReportType:   report.ReportType,
		Created:      created,
		FromTemplate: report.FromTemplate,
		UpdatedAt:    report.LastEditedAt,
		Fields:       fields,
	}
}

// UpdateDraft merges patch into the draft's fields
func (r *Repository) UpdateDraft(ctx context.Context, reportID string, patch map[string]any) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var report ConditionReport
		if err := tx.First(&report, "id = ?", reportID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if report.Fields == nil {
			report.Fields = datatypes.JSONMap{}
		}
		for k, v := range patch {
			report.Fields[k] = v
		}
		now := r.now()
		return tx.Model(&report).Updates(map[string]any{
			"fields":         report.Fields,
			"last_edited_at": now,
		}).Error
	})
}

// DiscardDraft deletes the report and every dependent row in one
// transaction and returns the storage paths the rows pointed at.
func (r *Repository) DiscardDraft(ctx context.Context, reportID string) ([]string, error) {
	var paths []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sides []SidePhoto
		if err := tx.Preload("Markers.Photos").Where("report_id = ?", reportID).Find(&sides).Error; err != nil {
			return err
		}

		var sideIDs, markerIDs []string
		for _, sp := range sides {
			sideIDs = append(sideIDs, sp.ID)
			paths = append(paths, sp.StoragePath)
			for _, m := range sp.Markers {
				markerIDs = append(markerIDs, m.ID)
				for _, p := range m.Photos {
					paths = append(paths, p.StoragePath)
				}
			}
		}

		if len(markerIDs) > 0 {
			if err := tx.Where("marker_id IN ?", markerIDs).Delete(&MarkerPhoto{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", markerIDs).Delete(&Marker{}).Error; err != nil {
				return err
			}
		}
		if len(sideIDs) > 0 {
			if err := tx.Where("id IN ?", sideIDs).Delete(&SidePhoto{}).Error; err != nil {
				return err
			}
		}
		res := tx.Where("id = ?", reportID).Delete(&ConditionReport{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// UpsertSidePhoto points the side at storagePath. Replacing the image drops
// the markers that were placed on the previous one; the storage paths those
// rows pointed at are returned.
func (r *Repository) UpsertSidePhoto(ctx context.Context, reportID string, side types.Side, storagePath string) (string, []string, error) {
	var id string
	var superseded []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sp SidePhoto
		err := tx.Where("report_id = ? AND side = ?", reportID, string(side)).First(&sp).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			sp = SidePhoto{ID: uuid.NewString(), ReportID: reportID, Side: string(side), StoragePath: storagePath}
			if err := tx.Create(&sp).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case sp.StoragePath != storagePath:
			photos, err := deleteMarkers(tx, "side_photo_id = ?", sp.ID)
			if err != nil {
				return err
			}
			superseded = append([]string{sp.StoragePath}, photos...)
			if err := tx.Model(&sp).Update("storage_path", storagePath).Error; err != nil {
				return err
			}
		}
		id = sp.ID
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return id, superseded, nil
}

// DeleteSidePhoto removes the side photo row and its markers
func (r *Repository) DeleteSidePhoto(ctx context.Context, reportID string, side types.Side, storagePath string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sp SidePhoto
		err := tx.Where("report_id = ? AND side = ? AND storage_path = ?", reportID, string(side), storagePath).First(&sp).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if _, err := deleteMarkers(tx, "side_photo_id = ?", sp.ID); err != nil {
			return err
		}
		return tx.Delete(&sp).Error
	})
}

// CreateMarker adds a marker to a persisted side photo
func (r *Repository) CreateMarker(ctx context.Context, sidePhotoID string, x, y float64, note string) (string, error) {
	db := r.db.WithContext(ctx)
	var count int64
	if err := db.Model(&SidePhoto{}).Where("id = ?", sidePhotoID).Count(&count).Error; err != nil {
		return "", err
	}
	if count == 0 {
		return "", ErrNotFound
	}

	m := Marker{ID: uuid.NewString(), SidePhotoID: sidePhotoID, X: x, Y: y, Note: note}
	if err := db.Create(&m).Error; err != nil {
		return "", err
	}
	return m.ID, nil
}

// DeleteMarker removes a marker and its photo rows
func (r *Repository) DeleteMarker(ctx context.Context, markerID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := deleteMarkers(tx, "id = ?", markerID)
		return err
	})
}

// AddMarkerPhoto appends a detail photo to a marker
func (r *Repository) AddMarkerPhoto(ctx context.Context, markerID, storagePath string) (string, error) {
	var id string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Marker{}).Where("id = ?", markerID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}

		var existing int64
		if err := tx.Model(&MarkerPhoto{}).Where("marker_id = ?", markerID).Count(&existing).Error; err != nil {
			return err
		}
		p := MarkerPhoto{ID: uuid.NewString(), MarkerID: markerID, StoragePath: storagePath, Position: int(existing)}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		id = p.ID
		return nil
	})
	return id, err
}

// LoadSides returns every side photo of the report with markers and photos in order
func (r *Repository) LoadSides(ctx context.Context, reportID string) ([]condition.PersistedSide, error) {
	var rows []SidePhoto
	err := r.db.WithContext(ctx).
		Preload("Markers", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Preload("Markers.Photos", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("report_id = ?", reportID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]condition.PersistedSide, 0, len(rows))
	for _, sp := range rows {
		ps := condition.PersistedSide{ID: sp.ID, Side: types.Side(sp.Side), StoragePath: sp.StoragePath}
		for _, m := range sp.Markers {
			pm := condition.PersistedMarker{ID: m.ID, X: m.X, Y: m.Y, Note: m.Note}
			for _, p := range m.Photos {
				pm.PhotoPaths = append(pm.PhotoPaths, p.StoragePath)
			}
			ps.Markers = append(ps.Markers, pm)
		}
		out = append(out, ps)
	}
	return out, nil
}

func deleteMarkers(tx *gorm.DB, query string, args ...any) ([]string, error) {
	var ids []string
	if err := tx.Model(&Marker{}).Where(query, args...).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var paths []string
	if err := tx.Model(&MarkerPhoto{}).Where("marker_id IN ?", ids).Order("marker_id, position").Pluck("storage_path", &paths).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("marker_id IN ?", ids).Delete(&MarkerPhoto{}).Error; err != nil {
		return nil, err
	}
	return paths, tx.Where("id IN ?", ids).Delete(&Marker{}).Error
}
