// Package sides coordinates one annotator per vehicle side and drives the
// upload of freshly selected base images.
package sides

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/condition-report/pkg/annotator"
	"github.com/menta2k/condition-report/pkg/types"
)

var (
	ErrSideNotPersisted = errors.New("side photo is not persisted yet")
	ErrNoHandler        = errors.New("no handler registered")
	ErrUnknownSide      = errors.New("unknown side")
)

// UploadResult is returned by a successful upload. SidePhotoID is only set
// for side-scoped uploads that created a database row.
type UploadResult struct {
	Path        string
	SidePhotoID string
}

type (
	UploadFunc            func(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope) (*UploadResult, error)
	CreateMarkerFunc      func(ctx context.Context, side types.Side, sidePhotoID string, x, y float64, note string) (string, error)
	UploadMarkerPhotoFunc func(ctx context.Context, markerID string, file *types.LocalFile) (string, error)
	DeleteMarkerFunc      func(ctx context.Context, markerID string) error
	DeleteSidePhotoFunc   func(ctx context.Context, side types.Side, storagePath string) error
	RemoveObjectFunc      func(ctx context.Context, storagePath string) error
	PersistedFunc         func(side types.Side, sidePhotoID string)
	ChangeFunc            func(sides []types.SidePhoto)
)

// Handlers are the collaborators of a MultiSide. Register replaces only the
// non-nil fields, and every call uses whichever value was registered last.
type Handlers struct {
	Upload            UploadFunc
	CreateMarker      CreateMarkerFunc
	UploadMarkerPhoto UploadMarkerPhotoFunc
	DeleteMarker      DeleteMarkerFunc
	DeleteSidePhoto   DeleteSidePhotoFunc
	RemoveObject      RemoveObjectFunc
	OnPersisted       PersistedFunc
	OnChange          ChangeFunc
}

// Options configures a MultiSide
type Options struct {
	Logger   *zerolog.Logger
	Context  context.Context
	Handlers Handlers
}

// MultiSide owns one annotator per side in capture order
type MultiSide struct {
	log        zerolog.Logger
	ctx        context.Context
	annotators []*annotator.Annotator

	mu           sync.Mutex
	sides        []types.SidePhoto
	sidePhotoIDs map[types.Side]string
	inflight     map[string]struct{}
	closed       bool
	wg           sync.WaitGroup

	upload            slot[UploadFunc]
	createMarker      slot[CreateMarkerFunc]
	uploadMarkerPhoto slot[UploadMarkerPhotoFunc]
	deleteMarker      slot[DeleteMarkerFunc]
	deleteSidePhoto   slot[DeleteSidePhotoFunc]
	removeObject      slot[RemoveObjectFunc]
	onPersisted       slot[PersistedFunc]
	onChange          slot[ChangeFunc]
}

// New creates a MultiSide with an empty slot for every side
func New(opts Options) *MultiSide {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "sides").Logger()
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}

	ms := &MultiSide{
		log:          log,
		ctx:          context.WithoutCancel(ctx),
		sides:        types.EmptySides(),
		sidePhotoIDs: make(map[types.Side]string),
		inflight:     make(map[string]struct{}),
	}
	ms.Register(opts.Handlers)

	for i, sp := range ms.sides {
		idx, side := i, sp.Side
		sideLog := log.With().Str("side", string(side)).Logger()
		ms.annotators = append(ms.annotators, annotator.New(annotator.Options{
			Logger: &sideLog,
			OnChange: func(img *types.UploadedImage, obs []types.Observation) {
				ms.SideImageChanged(idx, img, obs)
			},
			CreateMarker: func(ctx context.Context, x, y float64, note string, files []*types.LocalFile) (*annotator.MarkerResult, error) {
				return ms.CreateMarkerForSide(ctx, side, x, y, note, files)
			},
			DeleteMarker: func(ctx context.Context, markerID string, paths []string) error {
				return ms.DeleteMarkerAndFiles(ctx, markerID, paths)
			},
			RemoveBaseImage: func(ctx context.Context) error {
				return ms.removeBase(ctx, idx)
			},
		}))
	}
	return ms
}

// Register installs handlers; nil fields keep their previous value
func (ms *MultiSide) Register(h Handlers) {
	if h.Upload != nil {
		ms.upload.set(h.Upload)
	}
	if h.CreateMarker != nil {
		ms.createMarker.set(h.CreateMarker)
	}
	if h.UploadMarkerPhoto != nil {
		ms.uploadMarkerPhoto.set(h.UploadMarkerPhoto)
	}
	if h.DeleteMarker != nil {
		ms.deleteMarker.set(h.DeleteMarker)
	}
	if h.DeleteSidePhoto != nil {
		ms.deleteSidePhoto.set(h.DeleteSidePhoto)
	}
	if h.RemoveObject != nil {
		ms.removeObject.set(h.RemoveObject)
	}
	if h.OnPersisted != nil {
		ms.onPersisted.set(h.OnPersisted)
	}
	if h.OnChange != nil {
		ms.onChange.set(h.OnChange)
	}
}

// Index returns the position of side, or -1
func (ms *MultiSide) Index(side types.Side) int {
	for i, s := range types.AllSides() {
		if s == side {
			return i
		}
	}
	return -1
}

// Annotator returns the annotator for side
func (ms *MultiSide) Annotator(side types.Side) (*annotator.Annotator, error) {
	i := ms.Index(side)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSide, side)
	}
	return ms.annotators[i], nil
}

// Sides returns a snapshot of every side. Entries share pointers with the
// live state and must not be mutated.
func (ms *MultiSide) Sides() []types.SidePhoto {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]types.SidePhoto(nil), ms.sides...)
}

// SetSidePhotoID records the database row backing a side's base image
func (ms *MultiSide) SetSidePhotoID(side types.Side, id string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if id == "" {
		delete(ms.sidePhotoIDs, side)
		return
	}
	ms.sidePhotoIDs[side] = id
}

// SidePhotoID returns the persisted row id for side, or ""
func (ms *MultiSide) SidePhotoID(side types.Side) string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sidePhotoIDs[side]
}

// SelectImage selects a local file as the base image of side
func (ms *MultiSide) SelectImage(side types.Side, file *types.LocalFile) error {
	a, err := ms.Annotator(side)
	if err != nil {
		return err
	}
	return a.SelectBaseImage(file)
}

// SideImageChanged receives updates from the annotator at index i. A fresh
// local selection starts exactly one upload per (slot, file identity).
func (ms *MultiSide) SideImageChanged(i int, img *types.UploadedImage, obs []types.Observation) {
	if i < 0 || i >= len(types.AllSides()) {
		return
	}

	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return
	}

	current := ms.sides[i]
	if sameSelection(current.Image, img) {
		// our own uploading/success copy is further along than the event
		img = current.Image
	}

	var start *types.UploadedImage
	var key string
	if isFreshSelection(img) {
		key = fmt.Sprintf("%d:%s", i, img.Local.FileKey())
		if _, busy := ms.inflight[key]; !busy {
			ms.inflight[key] = struct{}{}
			start = img.Clone()
			start.UploadStatus = types.StatusUploading
			start.ErrorMessage = ""
			img = start
			ms.wg.Add(1)
		}
	}
	if img == nil || start != nil {
		// the row belongs to the previous image until this upload succeeds
		delete(ms.sidePhotoIDs, current.Side)
	}

	next := append([]types.SidePhoto(nil), ms.sides...)
	next[i] = types.SidePhoto{Side: current.Side, Image: img, Observations: obs}
	ms.sides = next
	snapshot := ms.sides
	ms.mu.Unlock()

	if start != nil {
		ms.annotators[i].SetImage(start)
		ms.log.Info().Str("side", string(current.Side)).Str("file", start.Local.Name).Msg("starting base image upload")
		go ms.uploadBase(i, key, start)
	}
	ms.notify(snapshot)
}

// uploadBase runs one side upload. The in-flight key is cleared on every path.
func (ms *MultiSide) uploadBase(i int, key string, img *types.UploadedImage) {
	defer ms.wg.Done()
	defer func() {
		ms.mu.Lock()
		delete(ms.inflight, key)
		ms.mu.Unlock()
	}()

	side := types.AllSides()[i]
	var res *UploadResult
	var err error
	if upload, ok := ms.upload.get(); ok {
		res, err = upload(ms.ctx, img.Local, side, types.ScopeSide)
	} else {
		err = ErrNoHandler
	}
	if err == nil && (res == nil || res.Path == "") {
		err = errors.New("upload returned no storage path")
	}

	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return
	}
	cur := ms.sides[i].Image
	if cur == nil || cur.PreviewURL != img.PreviewURL {
		ms.mu.Unlock()
		ms.log.Debug().Str("side", string(side)).Msg("dropping result for replaced image")
		return
	}

	done := cur.Clone()
	var persistedID string
	if err != nil {
		done.UploadStatus = types.StatusError
		done.ErrorMessage = err.Error()
	} else {
		done.UploadStatus = types.StatusSuccess
		done.StoragePath = res.Path
		done.ErrorMessage = ""
		done.Progress = 1
		if res.SidePhotoID != "" {
			ms.sidePhotoIDs[side] = res.SidePhotoID
			persistedID = res.SidePhotoID
		}
	}
	next := append([]types.SidePhoto(nil), ms.sides...)
	next[i].Image = done
	ms.sides = next
	snapshot := ms.sides
	ms.mu.Unlock()

	if err != nil {
		ms.log.Error().Err(err).Str("side", string(side)).Msg("base image upload failed")
	} else {
		ms.log.Info().Str("side", string(side)).Str("path", res.Path).Msg("base image uploaded")
	}

	ms.annotators[i].SetImage(done)
	if persistedID != "" {
		if fn, ok := ms.onPersisted.get(); ok {
			fn(side, persistedID)
		}
	}
	ms.notify(snapshot)
}

// CreateMarkerForSide creates a marker on side's persisted photo and then
// uploads files one by one. The side's current image must be stored. Paths are returned in input order; a failed
// photo leaves an empty entry.
func (ms *MultiSide) CreateMarkerForSide(ctx context.Context, side types.Side, x, y float64, note string, files []*types.LocalFile) (*annotator.MarkerResult, error) {
	i := ms.Index(side)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSide, side)
	}
	ms.mu.Lock()
	sidePhotoID := ms.sidePhotoIDs[side]
	durable := ms.sides[i].Image.IsDurable()
	ms.mu.Unlock()
	if sidePhotoID == "" || !durable {
		return nil, ErrSideNotPersisted
	}
	create, ok := ms.createMarker.get()
	if !ok {
		return nil, fmt.Errorf("create marker: %w", ErrNoHandler)
	}

	markerID, err := create(ctx, side, sidePhotoID, x, y, note)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(files))
	upload, ok := ms.uploadMarkerPhoto.get()
	for i, f := range files {
		if !ok || f == nil {
			continue
		}
		p, err := upload(ctx, markerID, f)
		if err != nil {
			ms.log.Error().Err(err).Str("marker_id", markerID).Str("file", f.Name).Msg("marker photo upload failed")
			continue
		}
		paths[i] = p
	}
	return &annotator.MarkerResult{MarkerID: markerID, PhotoPaths: paths}, nil
}

// DeleteMarkerAndFiles deletes the marker row and every listed storage object.
// All deletions are attempted; failures are logged and joined.
func (ms *MultiSide) DeleteMarkerAndFiles(ctx context.Context, markerID string, paths []string) error {
	var errs []error
	if markerID != "" {
		if del, ok := ms.deleteMarker.get(); ok {
			if err := del(ctx, markerID); err != nil {
				ms.log.Error().Err(err).Str("marker_id", markerID).Msg("delete marker failed")
				errs = append(errs, fmt.Errorf("delete marker %s: %w", markerID, err))
			}
		}
	}
	if err := ms.removeObjects(ctx, paths); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RemoveBaseImage removes side's base image remotely and locally
func (ms *MultiSide) RemoveBaseImage(ctx context.Context, side types.Side) error {
	a, err := ms.Annotator(side)
	if err != nil {
		return err
	}
	return a.RemoveBaseImage(ctx)
}

func (ms *MultiSide) removeBase(ctx context.Context, i int) error {
	ms.mu.Lock()
	sp := ms.sides[i]
	delete(ms.sidePhotoIDs, sp.Side)
	ms.mu.Unlock()

	if sp.Image == nil || sp.Image.StoragePath == "" {
		return nil
	}

	var errs []error
	if del, ok := ms.deleteSidePhoto.get(); ok {
		if err := del(ctx, sp.Side, sp.Image.StoragePath); err != nil {
			ms.log.Error().Err(err).Str("side", string(sp.Side)).Str("path", sp.Image.StoragePath).Msg("delete side photo failed")
			errs = append(errs, err)
		}
	}

	paths := []string{sp.Image.StoragePath}
	for _, o := range sp.Observations {
		for _, ph := range o.Photos {
			if ph.IsDurable() {
				paths = append(paths, ph.StoragePath)
			}
		}
	}
	if err := ms.removeObjects(ctx, paths); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// removeObjects settles every removal, ignoring individual failures
func (ms *MultiSide) removeObjects(ctx context.Context, paths []string) error {
	remove, ok := ms.removeObject.get()
	if !ok || len(paths) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(4)
	for _, p := range paths {
		if p == "" {
			continue
		}
		g.Go(func() error {
			if err := remove(ctx, p); err != nil {
				ms.log.Warn().Err(err).Str("path", p).Msg("remove storage object failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Apply installs a merged state computed from base, typically by
// rehydration. A side is only replaced when it still equals its base entry
// and is not local-only; unchanged sides are skipped by reference.
func (ms *MultiSide) Apply(base, merged []types.SidePhoto) bool {
	ms.mu.Lock()
	if ms.closed || len(merged) != len(ms.sides) || len(base) != len(ms.sides) {
		ms.mu.Unlock()
		return false
	}

	next := append([]types.SidePhoto(nil), ms.sides...)
	var changed []int
	for i := range merged {
		cur := ms.sides[i]
		if cur.Image.IsLocalOnly() {
			continue
		}
		if !SameSide(cur, base[i]) {
			// edited while the merge was computed; the next refresh picks it up
			continue
		}
		if SameSide(cur, merged[i]) {
			continue
		}
		next[i] = merged[i]
		changed = append(changed, i)
	}
	if len(changed) == 0 {
		ms.mu.Unlock()
		return false
	}
	ms.sides = next
	snapshot := ms.sides
	ms.mu.Unlock()

	for _, i := range changed {
		ms.annotators[i].SetImage(snapshot[i].Image)
		ms.annotators[i].SetObservations(snapshot[i].Observations)
	}
	ms.notify(snapshot)
	return true
}

// Reset clears every side, e.g. after the draft was discarded
func (ms *MultiSide) Reset() {
	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return
	}
	ms.sides = types.EmptySides()
	ms.sidePhotoIDs = make(map[types.Side]string)
	snapshot := ms.sides
	ms.mu.Unlock()

	for _, a := range ms.annotators {
		a.SetImage(nil)
		a.SetObservations(nil)
	}
	ms.notify(snapshot)
}

// AllUploadsComplete reports whether every side's uploads have settled
func (ms *MultiSide) AllUploadsComplete() bool {
	for _, a := range ms.annotators {
		if !a.AllUploadsComplete() {
			return false
		}
	}
	return true
}

// Wait blocks until in-flight base uploads have finished
func (ms *MultiSide) Wait() {
	ms.wg.Wait()
}

// Close tears down every annotator. Uploads still running finish but no
// longer change state.
func (ms *MultiSide) Close() {
	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return
	}
	ms.closed = true
	ms.mu.Unlock()

	for _, a := range ms.annotators {
		a.Close()
	}
}

func (ms *MultiSide) notify(snapshot []types.SidePhoto) {
	if fn, ok := ms.onChange.get(); ok {
		fn(append([]types.SidePhoto(nil), snapshot...))
	}
}

// SameSide compares two side entries by reference
func SameSide(a, b types.SidePhoto) bool {
	return a.Side == b.Side && a.Image == b.Image && sameObservations(a.Observations, b.Observations)
}

func sameObservations(a, b []types.Observation) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}

func isFreshSelection(img *types.UploadedImage) bool {
	return img.IsLocalOnly() && img.UploadStatus == types.StatusNone
}

// sameSelection reports whether next is an echo of the image we already hold
// in a later upload state.
func sameSelection(cur, next *types.UploadedImage) bool {
	if cur == nil || next == nil || cur == next {
		return false
	}
	return cur.PreviewURL == next.PreviewURL && cur.UploadStatus != types.StatusNone && next.UploadStatus == types.StatusNone
}
