// Package condition drives a condition report draft: normalizing and
// uploading images, persisting pointers, rehydrating signed URLs and
// discarding drafts.
package condition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/condition-report/internal/metrics"
	"github.com/menta2k/condition-report/pkg/processing"
	"github.com/menta2k/condition-report/pkg/sides"
	"github.com/menta2k/condition-report/pkg/types"
)

var (
	ErrNoDraft     = errors.New("no draft report")
	ErrNotBound    = errors.New("no side annotator bound")
	ErrNoSuggester = errors.New("note suggestions are not configured")
)

// PersistedSide is a side photo row with its markers
type PersistedSide struct {
	ID          string
	Side        types.Side
	StoragePath string
	Markers     []PersistedMarker
}

// PersistedMarker is a marker row with its photo paths in insertion order
type PersistedMarker struct {
	ID         string
	X          float64
	Y          float64
	Note       string
	PhotoPaths []string
}

// Repository persists drafts, side photos and markers
type Repository interface {
	EnsureDraft(ctx context.Context, org, assetID, reportType string, createBlank bool) (*types.DraftSnapshot, error)
	UpdateDraft(ctx context.Context, reportID string, patch map[string]any) error
	DiscardDraft(ctx context.Context, reportID string) ([]string, error)
	// UpsertSidePhoto returns the row id and the storage paths of a replaced
	// image and its marker photos
	UpsertSidePhoto(ctx context.Context, reportID string, side types.Side, storagePath string) (string, []string, error)
	DeleteSidePhoto(ctx context.Context, reportID string, side types.Side, storagePath string) error
	CreateMarker(ctx context.Context, sidePhotoID string, x, y float64, note string) (string, error)
	DeleteMarker(ctx context.Context, markerID string) error
	AddMarkerPhoto(ctx context.Context, markerID, storagePath string) (string, error)
	LoadSides(ctx context.Context, reportID string) ([]PersistedSide, error)
}

// Storage is durable object storage with presigned access
type Storage interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PresignGet(ctx context.Context, path string, expires time.Duration) (string, error)
	PresignPut(ctx context.Context, path, contentType string, expires time.Duration) (string, error)
	Remove(ctx context.Context, path string) error
}

// Transfer moves bytes over signed URLs
type Transfer interface {
	PutSigned(ctx context.Context, url string, body []byte, contentType string) error
	Preload(ctx context.Context, url string) error
}

// URLCache remembers signed URLs per storage path
type URLCache interface {
	Get(ctx context.Context, path string) (string, bool)
	Set(ctx context.Context, path, url string, ttl time.Duration)
	Delete(ctx context.Context, path string)
}

// Suggester drafts a marker note from a detail photo
type Suggester interface {
	Suggest(ctx context.Context, file *types.LocalFile) (string, error)
}

// Config holds the orchestrator's tunables
type Config struct {
	ReportType   string
	Normalize    processing.NormalizeOptions
	SignedURLTTL time.Duration
	SignWorkers  int
}

// DefaultConfig returns the standard tunables
func DefaultConfig() Config {
	return Config{
		ReportType:   "condition",
		Normalize:    processing.DefaultNormalizeOptions(),
		SignedURLTTL: time.Hour,
		SignWorkers:  8,
	}
}

// Options wires an Orchestrator. Cache, Transfer and Suggester are optional.
type Options struct {
	Auth      types.AuthContext
	Repo      Repository
	Storage   Storage
	Transfer  Transfer
	Cache     URLCache
	Suggester Suggester
	Processor *processing.Processor
	Config    Config
	Logger    *zerolog.Logger
}

// Orchestrator owns one draft and the sides being annotated for it
type Orchestrator struct {
	log       zerolog.Logger
	repo      Repository
	storage   Storage
	transfer  Transfer
	cache     URLCache
	suggester Suggester
	processor *processing.Processor
	cfg       Config

	mu      sync.Mutex
	auth    types.AuthContext
	draft   *types.DraftSnapshot
	sides   *sides.MultiSide
	refresh chan struct{}
}

// New creates an Orchestrator
func New(opts Options) *Orchestrator {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "condition").Logger()
	}
	cfg := opts.Config
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = DefaultConfig().SignedURLTTL
	}
	if cfg.SignWorkers <= 0 {
		cfg.SignWorkers = DefaultConfig().SignWorkers
	}
	if cfg.ReportType == "" {
		cfg.ReportType = DefaultConfig().ReportType
	}
	proc := opts.Processor
	if proc == nil {
		proc = processing.NewProcessor()
	}
	return &Orchestrator{
		log:       log,
		repo:      opts.Repo,
		storage:   opts.Storage,
		transfer:  opts.Transfer,
		cache:     opts.Cache,
		suggester: opts.Suggester,
		processor: proc,
		cfg:       cfg,
		auth:      opts.Auth,
		refresh:   make(chan struct{}, 1),
	}
}

// SetAuth replaces the auth context used for later calls
func (o *Orchestrator) SetAuth(auth types.AuthContext) {
	o.mu.Lock()
	o.auth = auth
	o.mu.Unlock()
}

// Draft returns the current draft
func (o *Orchestrator) Draft() *types.DraftSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draft
}

func (o *Orchestrator) state() (types.AuthContext, *types.DraftSnapshot, *sides.MultiSide) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.auth, o.draft, o.sides
}

// EnsureDraft finds or creates the draft for assetID and reports whether a
// reused draft holds meaningful data worth resuming.
func (o *Orchestrator) EnsureDraft(ctx context.Context, assetID, reportType string) (*types.DraftSnapshot, bool, error) {
	auth, _, _ := o.state()
	if err := auth.Require(); err != nil {
		return nil, false, err
	}
	if reportType == "" {
		reportType = o.cfg.ReportType
	}

	draft, err := o.repo.EnsureDraft(ctx, auth.OrganisationID, assetID, reportType, true)
	if err != nil {
		return nil, false, &types.PersistenceError{Op: "ensure draft", Err: err}
	}

	o.mu.Lock()
	o.draft = draft
	o.mu.Unlock()

	resume := draft.MeaningfullyNonEmpty()
	o.log.Info().
		Str("report_id", draft.ID).
		Str("asset_id", assetID).
		Bool("created", draft.Created).
		Bool("resume", resume).
		Msg("draft ready")
	return draft, resume, nil
}

// UpdateDraft applies a partial update of the draft's scalar fields
func (o *Orchestrator) UpdateDraft(ctx context.Context, patch map[string]any) error {
	auth, draft, _ := o.state()
	if err := auth.Require(); err != nil {
		return err
	}
	if draft == nil {
		return ErrNoDraft
	}
	if err := o.repo.UpdateDraft(ctx, draft.ID, patch); err != nil {
		return &types.PersistenceError{Op: "update draft", Err: err}
	}

	o.mu.Lock()
	if o.draft != nil && o.draft.ID == draft.ID {
		next := *o.draft
		next.Fields = make(map[string]any, len(draft.Fields)+len(patch))
		for k, v := range draft.Fields {
			next.Fields[k] = v
		}
		for k, v := range patch {
			next.Fields[k] = v
		}
		o.draft = &next
	}
	o.mu.Unlock()
	return nil
}

// Bind registers the orchestrator as the collaborator of ms
func (o *Orchestrator) Bind(ms *sides.MultiSide) {
	o.mu.Lock()
	o.sides = ms
	o.mu.Unlock()

	ms.Register(sides.Handlers{
		Upload: func(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope) (*sides.UploadResult, error) {
			return o.UploadImage(ctx, file, side, scope, "")
		},
		CreateMarker: func(ctx context.Context, side types.Side, sidePhotoID string, x, y float64, note string) (string, error) {
			id, err := o.repo.CreateMarker(ctx, sidePhotoID, x, y, note)
			if err != nil {
				return "", &types.PersistenceError{Op: "create marker", Err: err}
			}
			o.log.Info().Str("side", string(side)).Str("marker_id", id).Msg("marker created")
			return id, nil
		},
		UploadMarkerPhoto: func(ctx context.Context, markerID string, file *types.LocalFile) (string, error) {
			res, err := o.UploadImage(ctx, file, "", types.ScopeDetail, markerID)
			if err != nil {
				return "", err
			}
			return res.Path, nil
		},
		DeleteMarker: func(ctx context.Context, markerID string) error {
			err := o.repo.DeleteMarker(ctx, markerID)
			metrics.RecordDeletion("marker", err)
			return err
		},
		DeleteSidePhoto: func(ctx context.Context, side types.Side, storagePath string) error {
			_, draft, _ := o.state()
			if draft == nil {
				return ErrNoDraft
			}
			err := o.repo.DeleteSidePhoto(ctx, draft.ID, side, storagePath)
			metrics.RecordDeletion("side_photo", err)
			return err
		},
		RemoveObject: o.removeObject,
	})
}

// UploadImage normalizes file, stores it under its deterministic path and
// persists the matching pointer row.
func (o *Orchestrator) UploadImage(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope, markerID string) (*sides.UploadResult, error) {
	auth, draft, _ := o.state()
	if err := auth.Require(); err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, ErrNoDraft
	}

	start := time.Now()
	blob, err := o.processor.Normalize(ctx, file, o.cfg.Normalize)
	metrics.RecordNormalize(time.Since(start).Seconds())
	if err != nil {
		metrics.RecordUpload(string(scope), "error", 0)
		return nil, err
	}

	path, err := StoragePath(auth.OrganisationID, draft.ID, side, scope, markerID, file, blob)
	if err != nil {
		return nil, err
	}
	if err := o.put(ctx, path, blob); err != nil {
		metrics.RecordUpload(string(scope), "error", 0)
		o.log.Error().Err(err).Str("path", path).Msg("upload failed")
		return nil, err
	}
	metrics.RecordUpload(string(scope), "success", blob.Size())

	res := &sides.UploadResult{Path: path}
	switch scope {
	case types.ScopeDetail:
		if _, err := o.repo.AddMarkerPhoto(ctx, markerID, path); err != nil {
			return nil, &types.PersistenceError{Op: "add marker photo", Err: err}
		}
	default:
		id, superseded, err := o.repo.UpsertSidePhoto(ctx, draft.ID, side, path)
		if err != nil {
			return nil, &types.PersistenceError{Op: "upsert side photo", Err: err}
		}
		res.SidePhotoID = id
		o.removeAll(ctx, superseded)
	}

	o.log.Info().
		Str("path", path).
		Str("scope", string(scope)).
		Int64("bytes", blob.Size()).
		Int("width", blob.Width).
		Int("height", blob.Height).
		Msg("image uploaded")
	return res, nil
}

// put uploads directly and falls back to a presigned PUT
func (o *Orchestrator) put(ctx context.Context, path string, blob *processing.Blob) error {
	direct := o.storage.Upload(ctx, path, blob.Data, blob.ContentType)
	if direct == nil {
		return nil
	}
	o.log.Warn().Err(direct).Str("path", path).Msg("direct upload failed, trying signed url")

	if o.transfer == nil {
		return &types.UploadError{Path: path, Err: direct}
	}
	metrics.UploadFallbacksTotal.Inc()
	url, err := o.storage.PresignPut(ctx, path, blob.ContentType, o.cfg.SignedURLTTL)
	if err != nil {
		return &types.UploadError{Path: path, Err: errors.Join(direct, err)}
	}
	if err := o.transfer.PutSigned(ctx, url, blob.Data, blob.ContentType); err != nil {
		return &types.UploadError{Path: path, Err: errors.Join(direct, err)}
	}
	return nil
}

func (o *Orchestrator) removeObject(ctx context.Context, path string) error {
	err := o.storage.Remove(ctx, path)
	metrics.RecordDeletion("object", err)
	if o.cache != nil {
		o.cache.Delete(ctx, path)
	}
	return err
}

// removeAll removes storage objects best-effort; failures are only logged
func (o *Orchestrator) removeAll(ctx context.Context, paths []string) {
	var g errgroup.Group
	g.SetLimit(o.cfg.SignWorkers)
	for _, p := range paths {
		if p == "" {
			continue
		}
		g.Go(func() error {
			if err := o.removeObject(ctx, p); err != nil {
				o.log.Warn().Err(err).Str("path", p).Msg("remove storage object failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// SignURL returns a time-limited URL for path, served from the cache when possible
func (o *Orchestrator) SignURL(ctx context.Context, path string) (string, error) {
	if o.cache != nil {
		if url, ok := o.cache.Get(ctx, path); ok {
			return url, nil
		}
	}
	url, err := o.storage.PresignGet(ctx, path, o.cfg.SignedURLTTL)
	if err != nil {
		return "", err
	}
	if o.cache != nil {
		// cached for half the lifetime so a cached URL never expires on screen
		o.cache.Set(ctx, path, url, o.cfg.SignedURLTTL/2)
	}
	return url, nil
}

// Rehydrate loads the persisted sides, signs their URLs and merges them
// into the bound annotator without clobbering local work.
func (o *Orchestrator) Rehydrate(ctx context.Context) error {
	err := o.rehydrate(ctx)
	metrics.RecordRehydration(err)
	return err
}

func (o *Orchestrator) rehydrate(ctx context.Context) error {
	_, draft, ms := o.state()
	if draft == nil {
		return ErrNoDraft
	}
	if ms == nil {
		return ErrNotBound
	}

	base := ms.Sides()
	persisted, err := o.repo.LoadSides(ctx, draft.ID)
	if err != nil {
		return &types.PersistenceError{Op: "load sides", Err: err}
	}
	server := o.serverSides(ctx, persisted)

	loaded := o.preload(ctx, PlanPreloads(base, server))
	merged := Merge(base, server, func(url string) bool { return loaded[url] })

	for _, ps := range persisted {
		i := ms.Index(ps.Side)
		if i >= 0 && !base[i].Image.IsLocalOnly() {
			ms.SetSidePhotoID(ps.Side, ps.ID)
		}
	}
	changed := ms.Apply(base, merged)
	o.log.Debug().Str("report_id", draft.ID).Bool("changed", changed).Msg("rehydrated")
	return nil
}

// serverSides builds the server view with freshly signed URLs. A path that
// cannot be signed gets an empty URL so the current one is kept.
func (o *Orchestrator) serverSides(ctx context.Context, persisted []PersistedSide) []types.SidePhoto {
	var paths []string
	for _, ps := range persisted {
		paths = append(paths, ps.StoragePath)
		for _, m := range ps.Markers {
			paths = append(paths, m.PhotoPaths...)
		}
	}

	var (
		mu   sync.Mutex
		urls = make(map[string]string, len(paths))
		g    errgroup.Group
	)
	g.SetLimit(o.cfg.SignWorkers)
	for _, p := range paths {
		g.Go(func() error {
			url, err := o.SignURL(ctx, p)
			if err != nil {
				o.log.Warn().Err(err).Str("path", p).Msg("sign url failed")
				return nil
			}
			mu.Lock()
			urls[p] = url
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := types.EmptySides()
	for _, ps := range persisted {
		i := -1
		for j, sp := range out {
			if sp.Side == ps.Side {
				i = j
				break
			}
		}
		if i < 0 {
			continue
		}
		out[i].Image = &types.UploadedImage{StoragePath: ps.StoragePath, PreviewURL: urls[ps.StoragePath]}
		for _, m := range ps.Markers {
			obs := types.Observation{ID: m.ID, MarkerID: m.ID, X: m.X, Y: m.Y, Note: m.Note}
			for _, p := range m.PhotoPaths {
				obs.Photos = append(obs.Photos, &types.UploadedImage{StoragePath: p, PreviewURL: urls[p]})
			}
			out[i].Observations = append(out[i].Observations, obs)
		}
	}
	return out
}

// preload fetches each URL and reports which ones are ready to swap in
func (o *Orchestrator) preload(ctx context.Context, urls []string) map[string]bool {
	loaded := make(map[string]bool, len(urls))
	if len(urls) == 0 {
		return loaded
	}
	if o.transfer == nil {
		for _, u := range urls {
			loaded[u] = true
		}
		return loaded
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.cfg.SignWorkers)
	for _, u := range urls {
		g.Go(func() error {
			err := o.transfer.Preload(ctx, u)
			if err != nil {
				metrics.PreloadFailuresTotal.Inc()
				o.log.Warn().Err(err).Msg("preload failed, keeping current url")
			}
			mu.Lock()
			loaded[u] = err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return loaded
}

// Refresh asks a running Watch loop to rehydrate now
func (o *Orchestrator) Refresh() {
	select {
	case o.refresh <- struct{}{}:
	default:
	}
}

// Watch rehydrates on every interval tick and on Refresh until ctx is done.
// A zero interval only reacts to Refresh.
func (o *Orchestrator) Watch(ctx context.Context, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		case <-o.refresh:
		}
		if err := o.Rehydrate(ctx); err != nil && !errors.Is(err, ErrNoDraft) {
			o.log.Error().Err(err).Msg("rehydration failed")
		}
	}
}

// Discard deletes the draft and its rows in one transaction, removes its
// storage objects on a best-effort basis and starts a fresh blank draft.
func (o *Orchestrator) Discard(ctx context.Context) (*types.DraftSnapshot, error) {
	auth, draft, ms := o.state()
	if err := auth.Require(); err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, ErrNoDraft
	}

	paths, err := o.repo.DiscardDraft(ctx, draft.ID)
	if err != nil {
		return nil, &types.PersistenceError{Op: "discard draft", Err: err}
	}

	o.removeAll(ctx, paths)

	if ms != nil {
		ms.Reset()
	}

	fresh, err := o.repo.EnsureDraft(ctx, auth.OrganisationID, draft.AssetID, draft.ReportType, true)
	if err != nil {
		o.mu.Lock()
		o.draft = nil
		o.mu.Unlock()
		return nil, &types.PersistenceError{Op: "ensure draft", Err: err}
	}

	o.mu.Lock()
	o.draft = fresh
	o.mu.Unlock()

	o.log.Info().
		Str("discarded", draft.ID).
		Str("report_id", fresh.ID).
		Int("objects", len(paths)).
		Msg("draft discarded")
	return fresh, nil
}

// SuggestNote drafts a marker note for a detail photo
func (o *Orchestrator) SuggestNote(ctx context.Context, file *types.LocalFile) (string, error) {
	if o.suggester == nil {
		return "", ErrNoSuggester
	}
	note, err := o.suggester.Suggest(ctx, file)
	if err != nil {
		return "", fmt.Errorf("suggest note: %w", err)
	}
	return note, nil
}
