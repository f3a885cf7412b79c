package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	conditionreport "github.com/menta2k/condition-report"
	"github.com/menta2k/condition-report/internal/config"
	"github.com/menta2k/condition-report/internal/database"
	"github.com/menta2k/condition-report/internal/logger"
	"github.com/menta2k/condition-report/internal/storage"
	"github.com/menta2k/condition-report/internal/transfer"
	"github.com/menta2k/condition-report/internal/urlcache"
	"github.com/menta2k/condition-report/internal/utils"
	"github.com/menta2k/condition-report/pkg/client"
	"github.com/menta2k/condition-report/pkg/condition"
	"github.com/menta2k/condition-report/pkg/llamacpp"
	"github.com/menta2k/condition-report/pkg/ollama"
	"github.com/menta2k/condition-report/pkg/processing"
	"github.com/menta2k/condition-report/pkg/suggest"
	"github.com/menta2k/condition-report/pkg/types"
	"github.com/menta2k/condition-report/pkg/viewport"
)

// app holds what every command needs
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	processor *processing.Processor
	closers   []func()
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		cfg.Session.UserID = user
	}
	if org, _ := cmd.Flags().GetString("org"); org != "" {
		cfg.Session.OrganisationID = org
	}

	return &app{
		cfg:       cfg,
		log:       logger.New(cfg.Log),
		processor: processing.NewProcessor(),
	}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) auth() types.AuthContext {
	return types.AuthContext{
		UserID:         a.cfg.Session.UserID,
		OrganisationID: a.cfg.Session.OrganisationID,
		SignedIn:       a.cfg.Session.UserID != "",
	}
}

// inspector connects every backend and returns a ready Inspector
func (a *app) inspector(ctx context.Context) (*conditionreport.Inspector, error) {
	if a.cfg.Database.DSN == "" {
		return nil, fmt.Errorf("CONDITION_DB_DSN is required")
	}
	db, err := database.Open(database.Config{
		DSN:             a.cfg.Database.DSN,
		MaxIdleConns:    a.cfg.Database.MaxIdleConns,
		MaxOpenConns:    a.cfg.Database.MaxOpenConns,
		ConnMaxLifetime: a.cfg.Database.ConnLifetime.Std(),
	})
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, func() { sqlDB.Close() })
	}
	if a.cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			return nil, err
		}
	}

	store, err := storage.New(ctx, a.cfg.Storage, a.log)
	if err != nil {
		return nil, err
	}

	cache, err := urlcache.New(a.cfg.Cache, a.log)
	if err != nil {
		return nil, err
	}
	if rc, ok := cache.(*urlcache.RedisCache); ok {
		a.closers = append(a.closers, func() { rc.Close() })
	}

	opts := condition.Options{
		Auth:      a.auth(),
		Repo:      database.NewRepository(db),
		Storage:   store,
		Transfer:  transfer.New(a.cfg.Transfer, a.log),
		Processor: a.processor,
		Config:    a.cfg.Condition(),
		Logger:    &a.log,
	}
	if cache != nil {
		opts.Cache = cache
	}
	if a.cfg.Vision.Enabled {
		s, err := a.suggester()
		if err != nil {
			return nil, err
		}
		opts.Suggester = s
	}

	in := conditionreport.New(ctx, opts)
	a.closers = append(a.closers, in.Close)
	return in, nil
}

func (a *app) visionClient() (client.VisionClient, error) {
	switch a.cfg.Vision.Backend {
	case "llamacpp":
		return llamacpp.NewClient(a.cfg.Vision.LlamaCppURL)
	default:
		return ollama.NewClient(a.cfg.Vision.OllamaURL)
	}
}

func (a *app) suggester() (*suggest.Suggester, error) {
	vc, err := a.visionClient()
	if err != nil {
		return nil, fmt.Errorf("create vision client: %w", err)
	}
	return suggest.New(vc, suggest.Options{
		Model:     a.cfg.Vision.Model,
		Prompt:    a.cfg.Vision.Prompt,
		MaxDim:    a.cfg.Vision.MaxDim,
		Processor: a.processor,
		Logger:    &a.log,
	}), nil
}

func parseSide(cmd *cobra.Command) (types.Side, error) {
	raw, _ := cmd.Flags().GetString("side")
	return types.ParseSide(raw)
}

func requireAsset(cmd *cobra.Command) (string, error) {
	asset, _ := cmd.Flags().GetString("asset")
	if asset == "" {
		return "", fmt.Errorf("--asset is required")
	}
	return asset, nil
}

// parsePoint reads "x,y" as a normalized point
func parsePoint(raw string) (types.Point, error) {
	var p types.Point
	if _, err := fmt.Sscanf(raw, "%g,%g", &p.X, &p.Y); err != nil {
		return p, fmt.Errorf("marker must look like 0.42,0.61: %w", err)
	}
	if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
		return p, fmt.Errorf("marker %q is outside the image", raw)
	}
	return p, nil
}

// pixelPoint converts a pixel position on a w x h image to a normalized point
func pixelPoint(px, py float64, w, h int) (types.Point, error) {
	return viewport.ToNormalized(px, py, viewport.Rect{Width: float64(w), Height: float64(h)})
}
