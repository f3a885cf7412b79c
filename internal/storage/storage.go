// Package storage provides the object store backends for report images.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/menta2k/condition-report/internal/config"
	"github.com/menta2k/condition-report/pkg/condition"
)

// ErrDisabled is returned by every operation of an unconfigured store
var ErrDisabled = errors.New("object storage is not configured; set CONDITION_STORAGE_* to enable uploads")

var (
	_ condition.Storage = (*S3Storage)(nil)
	_ condition.Storage = (*MinioStorage)(nil)
	_ condition.Storage = Disabled{}
)

// New returns the backend named by cfg.Backend
func New(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (condition.Storage, error) {
	switch cfg.Backend {
	case "", "s3":
		return NewS3Storage(ctx, cfg, log)
	case "minio":
		return NewMinioStorage(ctx, cfg, log)
	case "disabled":
		log.Warn().Str("component", "storage").Msg("object storage disabled")
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Disabled rejects every operation with ErrDisabled
type Disabled struct{}

func (Disabled) Upload(context.Context, string, []byte, string) error { return ErrDisabled }

func (Disabled) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", ErrDisabled
}

func (Disabled) PresignPut(context.Context, string, string, time.Duration) (string, error) {
	return "", ErrDisabled
}

func (Disabled) Remove(context.Context, string) error { return ErrDisabled }
