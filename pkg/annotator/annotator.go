// Package annotator holds the state of one base image and the markers placed on it.
//
// The annotator never uploads the base image itself: it reports selections to
// its owner through OnChange, and the owner feeds upload progress back with
// SetImage. Marker creation and deletion go through injected callbacks.
package annotator

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/menta2k/condition-report/pkg/preview"
	"github.com/menta2k/condition-report/pkg/types"
	"github.com/menta2k/condition-report/pkg/viewport"
)

var (
	ErrClosed          = errors.New("annotator closed")
	ErrDisabled        = errors.New("annotator disabled")
	ErrNoImage         = errors.New("no base image")
	ErrImageUploading  = errors.New("base image is uploading")
	ErrUploadInFlight  = errors.New("upload in flight for current image")
	ErrMarkerPending   = errors.New("a marker is already pending")
	ErrNoPendingMarker = errors.New("no pending marker")
	ErrEmptyNote       = errors.New("marker note is required")
	ErrSaving          = errors.New("marker save in progress")
	ErrNoHandler       = errors.New("no marker handler registered")
	ErrIndex           = errors.New("index out of range")
	ErrPhotoDurable    = errors.New("photo is already stored")
)

// MarkerResult is returned by a successful marker creation. PhotoPaths is
// aligned with the files passed in; an empty entry means that photo failed.
type MarkerResult struct {
	MarkerID   string
	PhotoPaths []string
}

type (
	ChangeFunc          func(image *types.UploadedImage, observations []types.Observation)
	CreateMarkerFunc    func(ctx context.Context, x, y float64, note string, files []*types.LocalFile) (*MarkerResult, error)
	DeleteMarkerFunc    func(ctx context.Context, markerID string, photoPaths []string) error
	RemoveBaseImageFunc func(ctx context.Context) error
)

// Options configures an Annotator. Every callback is optional.
type Options struct {
	Logger          *zerolog.Logger
	Previews        *preview.Registry
	OnChange        ChangeFunc
	OnError         func(error)
	CreateMarker    CreateMarkerFunc
	DeleteMarker    DeleteMarkerFunc
	RemoveBaseImage RemoveBaseImageFunc
	NewID           func() string
}

// PendingMarker is a marker whose position is picked but which is not saved yet
type PendingMarker struct {
	Point        types.Point
	Note         string
	Photos       []*types.UploadedImage
	ErrorMessage string
}

// MarkerPosition is an observation placed in display pixels
type MarkerPosition struct {
	ID    string
	Index int
	X     float64
	Y     float64
}

// Annotator owns one base image and its observations
type Annotator struct {
	mu       sync.Mutex
	log      zerolog.Logger
	previews *preview.Registry
	newID    func() string

	onChange     ChangeFunc
	onError      func(error)
	createMarker CreateMarkerFunc
	deleteMarker DeleteMarkerFunc
	removeBase   RemoveBaseImageFunc

	image        *types.UploadedImage
	observations []types.Observation
	pending      *PendingMarker
	saving       bool

	container  viewport.Rect
	intrinsicW float64
	intrinsicH float64
	box        viewport.Rect
	loaded     bool
	ready      bool

	disabled bool
	closed   bool
}

// New creates an empty annotator
func New(opts Options) *Annotator {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "annotator").Logger()
	}
	previews := opts.Previews
	if previews == nil {
		previews = preview.NewRegistry()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Annotator{
		log:          log,
		previews:     previews,
		newID:        newID,
		onChange:     opts.OnChange,
		onError:      opts.OnError,
		createMarker: opts.CreateMarker,
		deleteMarker: opts.DeleteMarker,
		removeBase:   opts.RemoveBaseImage,
	}
}

// Previews returns the registry holding this annotator's local previews
func (a *Annotator) Previews() *preview.Registry {
	return a.previews
}

// Snapshot returns the current image and observations.
// The returned slice is never mutated by the annotator.
func (a *Annotator) Snapshot() (*types.UploadedImage, []types.Observation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.image, a.observations
}

// Pending returns a copy of the pending marker, if any
func (a *Annotator) Pending() *PendingMarker {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return nil
	}
	p := *a.pending
	p.Photos = append([]*types.UploadedImage(nil), a.pending.Photos...)
	return &p
}

// SetDisabled blocks or allows marker placement and image selection
func (a *Annotator) SetDisabled(disabled bool) {
	a.mu.Lock()
	a.disabled = disabled
	a.mu.Unlock()
}

// SelectBaseImage replaces the base image with a local selection. Prior
// observations are dropped because markers belong to a specific image.
// Selection is refused while the current image is uploading.
func (a *Annotator) SelectBaseImage(file *types.LocalFile) error {
	if file == nil {
		return ErrNoImage
	}

	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return ErrClosed
	case a.disabled:
		a.mu.Unlock()
		return ErrDisabled
	case a.image != nil && a.image.UploadStatus == types.StatusUploading:
		a.mu.Unlock()
		a.log.Debug().Str("file", file.Name).Msg("ignoring selection while upload in flight")
		return ErrUploadInFlight
	}

	a.releaseImageLocked(a.image)
	a.releaseObservationsLocked(a.observations)
	a.releasePendingLocked()

	h := a.previews.Create(file)
	a.image = &types.UploadedImage{Local: file, PreviewURL: h.URL}
	a.observations = nil
	a.resetLoadLocked()
	img, obs := a.image, a.observations
	a.mu.Unlock()

	a.notify(img, obs)
	return nil
}

// SetImage applies an owner-driven update such as an upload status change or
// a refreshed signed URL. A superseded local preview is released.
func (a *Annotator) SetImage(img *types.UploadedImage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	prev := a.image
	if prev != nil && (img == nil || img.PreviewURL != prev.PreviewURL) {
		a.releaseImageLocked(prev)
	}
	if !sameImage(prev, img) {
		a.resetLoadLocked()
	}
	a.image = img
}

// SetObservations replaces the observation list from the owner.
// Local previews no longer referenced are released.
func (a *Annotator) SetObservations(obs []types.Observation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	keep := make(map[string]struct{})
	for _, o := range obs {
		for _, ph := range o.Photos {
			if ph != nil {
				keep[ph.PreviewURL] = struct{}{}
			}
		}
	}
	for _, o := range a.observations {
		for _, ph := range o.Photos {
			if ph == nil {
				continue
			}
			if _, ok := keep[ph.PreviewURL]; !ok {
				a.previews.Release(ph.PreviewURL)
			}
		}
	}
	a.observations = obs
}

// ImageLoaded records the intrinsic size once the current image has loaded
func (a *Annotator) ImageLoaded(width, height int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.intrinsicW, a.intrinsicH = float64(width), float64(height)
	a.loaded = width > 0 && height > 0
	a.ready = false
	a.measureLocked()
}

// Measure records the container rectangle, e.g. after a resize
func (a *Annotator) Measure(container viewport.Rect) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.container = container
	a.measureLocked()
}

// Ready reports whether markers can be drawn at their true position
func (a *Annotator) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// DisplayBox returns the measured display box
func (a *Annotator) DisplayBox() (viewport.Rect, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready {
		return viewport.Rect{}, viewport.ErrNotReady
	}
	return a.box, nil
}

// MarkerPositions places every observation in display pixels.
// It returns nothing until the display box is ready.
func (a *Annotator) MarkerPositions() []MarkerPosition {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready {
		return nil
	}
	out := make([]MarkerPosition, 0, len(a.observations))
	for i, o := range a.observations {
		x, y, err := viewport.ToPixel(types.Point{X: o.X, Y: o.Y}, a.box)
		if err != nil {
			return nil
		}
		out = append(out, MarkerPosition{ID: o.ID, Index: i, X: x, Y: y})
	}
	return out
}

// PlaceMarker opens a pending marker at the pointer position
func (a *Annotator) PlaceMarker(pointerX, pointerY float64) (types.Point, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.closed:
		return types.Point{}, ErrClosed
	case a.image == nil:
		return types.Point{}, ErrNoImage
	case a.pending != nil:
		return types.Point{}, ErrMarkerPending
	case a.disabled:
		return types.Point{}, ErrDisabled
	case a.image.UploadStatus == types.StatusUploading:
		return types.Point{}, ErrImageUploading
	case !a.ready:
		return types.Point{}, viewport.ErrNotReady
	}

	p, err := viewport.ToNormalized(pointerX, pointerY, a.box)
	if err != nil {
		return types.Point{}, err
	}
	a.pending = &PendingMarker{Point: p}
	return p, nil
}

// SetPendingNote updates the note of the pending marker
func (a *Annotator) SetPendingNote(note string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return ErrNoPendingMarker
	}
	a.pending.Note = note
	return nil
}

// AttachDetailPhoto adds a local photo to the pending marker. Nothing is uploaded yet.
func (a *Annotator) AttachDetailPhoto(file *types.LocalFile) (*types.UploadedImage, error) {
	if file == nil {
		return nil, ErrNoImage
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return nil, ErrNoPendingMarker
	}
	if a.saving {
		return nil, ErrSaving
	}
	h := a.previews.Create(file)
	photo := &types.UploadedImage{Local: file, PreviewURL: h.URL}
	a.pending.Photos = append(a.pending.Photos, photo)
	return photo, nil
}

// RemovePendingPhoto drops one photo from the pending marker
func (a *Annotator) RemovePendingPhoto(index int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return ErrNoPendingMarker
	}
	if a.saving {
		return ErrSaving
	}
	if index < 0 || index >= len(a.pending.Photos) {
		return ErrIndex
	}
	a.previews.Release(a.pending.Photos[index].PreviewURL)
	photos := make([]*types.UploadedImage, 0, len(a.pending.Photos)-1)
	photos = append(photos, a.pending.Photos[:index]...)
	a.pending.Photos = append(photos, a.pending.Photos[index+1:]...)
	return nil
}

// CancelMarker discards the pending marker and its photos
func (a *Annotator) CancelMarker() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saving {
		return
	}
	a.releasePendingLocked()
}

// SaveMarker persists the pending marker through the create callback and
// appends the resulting observation, or replaces an entry that already carries
// its marker id. An empty note is rejected without
// calling the server. On failure the pending marker is kept for a retry.
func (a *Annotator) SaveMarker(ctx context.Context) (*types.Observation, error) {
	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return nil, ErrClosed
	case a.pending == nil:
		a.mu.Unlock()
		return nil, ErrNoPendingMarker
	case strings.TrimSpace(a.pending.Note) == "":
		a.mu.Unlock()
		return nil, ErrEmptyNote
	case a.saving:
		a.mu.Unlock()
		return nil, ErrSaving
	case a.createMarker == nil:
		a.mu.Unlock()
		return nil, ErrNoHandler
	}

	pending := *a.pending
	photos := append([]*types.UploadedImage(nil), pending.Photos...)
	files := make([]*types.LocalFile, len(photos))
	for i, ph := range photos {
		files[i] = ph.Local
	}
	note := strings.TrimSpace(pending.Note)
	a.saving = true
	create := a.createMarker
	a.mu.Unlock()

	res, err := create(ctx, pending.Point.X, pending.Point.Y, note, files)

	a.mu.Lock()
	a.saving = false
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if err != nil {
		if a.pending != nil {
			a.pending.ErrorMessage = err.Error()
		}
		a.mu.Unlock()
		a.log.Error().Err(err).Msg("create marker failed")
		return nil, err
	}
	if res == nil {
		res = &MarkerResult{}
	}

	saved := make([]*types.UploadedImage, len(photos))
	for i, ph := range photos {
		if i < len(res.PhotoPaths) && res.PhotoPaths[i] != "" {
			c := ph.Clone()
			c.Local = nil
			c.StoragePath = res.PhotoPaths[i]
			c.UploadStatus = types.StatusSuccess
			c.ErrorMessage = ""
			saved[i] = c
			continue
		}
		c := ph.Clone()
		c.UploadStatus = types.StatusError
		c.ErrorMessage = "photo upload failed"
		saved[i] = c
	}

	obs := types.Observation{
		ID:       a.newID(),
		MarkerID: res.MarkerID,
		X:        pending.Point.X,
		Y:        pending.Point.Y,
		Note:     note,
		Photos:   saved,
	}
	next := make([]types.Observation, 0, len(a.observations)+1)
	replaced := false
	for _, o := range a.observations {
		// a refresh during the save may already have delivered this marker
		if obs.MarkerID != "" && o.MarkerID == obs.MarkerID {
			if !replaced {
				obs.ID = o.ID
				next = append(next, obs)
				replaced = true
			}
			continue
		}
		next = append(next, o)
	}
	if !replaced {
		next = append(next, obs)
	}
	a.observations = next
	a.pending = nil
	img, list := a.image, a.observations
	a.mu.Unlock()

	a.notify(img, list)
	return &obs, nil
}

// DeleteObservation removes an observation. The remote delete is best effort:
// a failure is logged and reported to OnError but the observation is removed anyway.
func (a *Annotator) DeleteObservation(ctx context.Context, index int) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if index < 0 || index >= len(a.observations) {
		a.mu.Unlock()
		return ErrIndex
	}
	target := a.observations[index]
	remove := a.deleteMarker
	a.mu.Unlock()

	var paths []string
	for _, ph := range target.Photos {
		if ph != nil && ph.StoragePath != "" {
			paths = append(paths, ph.StoragePath)
		}
	}
	if remove != nil && (target.MarkerID != "" || len(paths) > 0) {
		if err := remove(ctx, target.MarkerID, paths); err != nil {
			a.reportError(err, "delete marker failed", target.MarkerID)
		}
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	next := make([]types.Observation, 0, len(a.observations))
	for _, o := range a.observations {
		if o.ID == target.ID {
			a.releaseObservationsLocked([]types.Observation{o})
			continue
		}
		next = append(next, o)
	}
	a.observations = next
	img, list := a.image, a.observations
	a.mu.Unlock()

	a.notify(img, list)
	return nil
}

// RemoveObservationPhoto drops a detail photo that never reached storage,
// e.g. after its upload failed.
func (a *Annotator) RemoveObservationPhoto(obsIndex, photoIndex int) error {
	a.mu.Lock()
	if obsIndex < 0 || obsIndex >= len(a.observations) {
		a.mu.Unlock()
		return ErrIndex
	}
	obs := a.observations[obsIndex]
	if photoIndex < 0 || photoIndex >= len(obs.Photos) {
		a.mu.Unlock()
		return ErrIndex
	}
	photo := obs.Photos[photoIndex]
	if photo.IsDurable() {
		a.mu.Unlock()
		return ErrPhotoDurable
	}
	a.previews.Release(photo.PreviewURL)

	photos := make([]*types.UploadedImage, 0, len(obs.Photos)-1)
	photos = append(photos, obs.Photos[:photoIndex]...)
	obs.Photos = append(photos, obs.Photos[photoIndex+1:]...)

	next := append([]types.Observation(nil), a.observations...)
	next[obsIndex] = obs
	a.observations = next
	img, list := a.image, a.observations
	a.mu.Unlock()

	a.notify(img, list)
	return nil
}

// RemoveBaseImage deletes the base image and every observation on it.
// The remote removal is best effort like DeleteObservation.
func (a *Annotator) RemoveBaseImage(ctx context.Context) error {
	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return ErrClosed
	case a.image == nil:
		a.mu.Unlock()
		return nil
	case a.image.UploadStatus == types.StatusUploading:
		a.mu.Unlock()
		return ErrImageUploading
	}
	remove := a.removeBase
	a.mu.Unlock()

	if remove != nil {
		if err := remove(ctx); err != nil {
			a.reportError(err, "remove base image failed", "")
		}
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.releaseImageLocked(a.image)
	a.releaseObservationsLocked(a.observations)
	a.releasePendingLocked()
	a.image = nil
	a.observations = nil
	a.resetLoadLocked()
	a.mu.Unlock()

	a.notify(nil, nil)
	return nil
}

// AllUploadsComplete reports whether nothing is local-only, uploading or failed
func (a *Annotator) AllUploadsComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != nil {
		return false
	}
	if a.image != nil && !settled(a.image) {
		return false
	}
	for _, o := range a.observations {
		for _, ph := range o.Photos {
			if !settled(ph) {
				return false
			}
		}
	}
	return true
}

// Close releases every local preview. Calls that complete afterwards no longer change state.
func (a *Annotator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.pending = nil
	if n := a.previews.ReleaseAll(); n > 0 {
		a.log.Debug().Int("released", n).Msg("released local previews")
	}
}

func settled(img *types.UploadedImage) bool {
	if img == nil {
		return true
	}
	switch img.UploadStatus {
	case types.StatusUploading, types.StatusError:
		return false
	}
	return img.IsDurable()
}

func sameImage(a, b *types.UploadedImage) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.StoragePath != "" || b.StoragePath != "" {
		if a.StoragePath == b.StoragePath {
			return true
		}
		// an upload just finished for the file on screen
		return a.Local != nil && a.StoragePath == "" && a.PreviewURL == b.PreviewURL
	}
	return a.Local == b.Local
}

func (a *Annotator) measureLocked() {
	a.ready = false
	if !a.loaded {
		return
	}
	box, err := viewport.ComputeDisplayBox(a.container, a.intrinsicW, a.intrinsicH)
	if err != nil {
		return
	}
	a.box = box
	a.ready = true
}

func (a *Annotator) resetLoadLocked() {
	a.loaded = false
	a.ready = false
	a.intrinsicW, a.intrinsicH = 0, 0
	a.box = viewport.Rect{}
}

func (a *Annotator) releaseImageLocked(img *types.UploadedImage) {
	if img != nil {
		a.previews.Release(img.PreviewURL)
	}
}

func (a *Annotator) releaseObservationsLocked(obs []types.Observation) {
	for _, o := range obs {
		for _, ph := range o.Photos {
			if ph != nil {
				a.previews.Release(ph.PreviewURL)
			}
		}
	}
}

func (a *Annotator) releasePendingLocked() {
	if a.pending == nil {
		return
	}
	for _, ph := range a.pending.Photos {
		a.previews.Release(ph.PreviewURL)
	}
	a.pending = nil
}

func (a *Annotator) notify(img *types.UploadedImage, obs []types.Observation) {
	if a.onChange != nil {
		a.onChange(img, obs)
	}
}

func (a *Annotator) reportError(err error, msg, markerID string) {
	ev := a.log.Error().Err(err)
	if markerID != "" {
		ev = ev.Str("marker_id", markerID)
	}
	ev.Msg(msg)
	if a.onError != nil {
		a.onError(err)
	}
}
