package conditionreport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/condition-report/pkg/condition"
	"github.com/menta2k/condition-report/pkg/cropper"
	"github.com/menta2k/condition-report/pkg/types"
)

// memRepo keeps one report per asset in memory
type memRepo struct {
	mu      sync.Mutex
	seq     int
	drafts  map[string]*types.DraftSnapshot
	sides   map[string][]condition.PersistedSide
	markers map[string]string // marker id -> side photo id
}

func newMemRepo() *memRepo {
	return &memRepo{
		drafts:  make(map[string]*types.DraftSnapshot),
		sides:   make(map[string][]condition.PersistedSide),
		markers: make(map[string]string),
	}
}

func (r *memRepo) id(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *memRepo) EnsureDraft(ctx context.Context, org, assetID, reportType string, createBlank bool) (*types.DraftSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.drafts {
		if d.AssetID == assetID {
			c := *d
			c.Created = false
			return &c, nil
		}
	}
	d := &types.DraftSnapshot{ID: r.id("report"), AssetID: assetID, ReportType: reportType, Created: true}
	r.drafts[d.ID] = d
	return d, nil
}

func (r *memRepo) UpdateDraft(ctx context.Context, reportID string, patch map[string]any) error {
	return nil
}

func (r *memRepo) DiscardDraft(ctx context.Context, reportID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var paths []string
	for _, ps := range r.sides[reportID] {
		paths = append(paths, ps.StoragePath)
		for _, m := range ps.Markers {
			paths = append(paths, m.PhotoPaths...)
		}
	}
	delete(r.sides, reportID)
	delete(r.drafts, reportID)
	return paths, nil
}

func (r *memRepo) UpsertSidePhoto(ctx context.Context, reportID string, side types.Side, storagePath string) (string, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sides[reportID] {
		ps := &r.sides[reportID][i]
		if ps.Side != side {
			continue
		}
		if ps.StoragePath == storagePath {
			return ps.ID, nil, nil
		}
		superseded := []string{ps.StoragePath}
		for _, m := range ps.Markers {
			superseded = append(superseded, m.PhotoPaths...)
		}
		ps.StoragePath = storagePath
		ps.Markers = nil
		return ps.ID, superseded, nil
	}
	ps := condition.PersistedSide{ID: r.id("sp"), Side: side, StoragePath: storagePath}
	r.sides[reportID] = append(r.sides[reportID], ps)
	return ps.ID, nil, nil
}

func (r *memRepo) DeleteSidePhoto(ctx context.Context, reportID string, side types.Side, storagePath string) error {
	return errors.New("not supported")
}

func (r *memRepo) find(f func(ps *condition.PersistedSide) bool) *condition.PersistedSide {
	for _, list := range r.sides {
		for i := range list {
			if f(&list[i]) {
				return &list[i]
			}
		}
	}
	return nil
}

func (r *memRepo) CreateMarker(ctx context.Context, sidePhotoID string, x, y float64, note string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := r.find(func(ps *condition.PersistedSide) bool { return ps.ID == sidePhotoID })
	if ps == nil {
		return "", errors.New("side photo not found")
	}
	id := r.id("marker")
	ps.Markers = append(ps.Markers, condition.PersistedMarker{ID: id, X: x, Y: y, Note: note})
	r.markers[id] = sidePhotoID
	return id, nil
}

func (r *memRepo) DeleteMarker(ctx context.Context, markerID string) error {
	return nil
}

func (r *memRepo) AddMarkerPhoto(ctx context.Context, markerID, storagePath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := r.find(func(ps *condition.PersistedSide) bool { return ps.ID == r.markers[markerID] })
	if ps == nil {
		return "", errors.New("marker not found")
	}
	for i := range ps.Markers {
		if ps.Markers[i].ID == markerID {
			ps.Markers[i].PhotoPaths = append(ps.Markers[i].PhotoPaths, storagePath)
		}
	}
	return r.id("mp"), nil
}

func (r *memRepo) LoadSides(ctx context.Context, reportID string) ([]condition.PersistedSide, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]condition.PersistedSide, len(r.sides[reportID]))
	for i, ps := range r.sides[reportID] {
		out[i] = ps
		out[i].Markers = append([]condition.PersistedMarker(nil), ps.Markers...)
	}
	return out, nil
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (s *memStorage) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("bucket unavailable")
	}
	s.objects[path] = data
	return nil
}

func (s *memStorage) PresignGet(ctx context.Context, path string, expires time.Duration) (string, error) {
	return "https://storage.test/" + path, nil
}

func (s *memStorage) PresignPut(ctx context.Context, path, contentType string, expires time.Duration) (string, error) {
	return "", errors.New("presign disabled")
}

func (s *memStorage) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func pngFile(t *testing.T, name string, w, h int, mod int64) *types.LocalFile {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return types.NewLocalFile(name, buf.Bytes(), time.UnixMilli(mod))
}

func newInspector(t *testing.T) (*Inspector, *memRepo, *memStorage) {
	t.Helper()
	repo := newMemRepo()
	store := &memStorage{objects: make(map[string][]byte)}
	in := New(context.Background(), condition.Options{
		Auth:    types.AuthContext{UserID: "u1", OrganisationID: "org1", SignedIn: true},
		Repo:    repo,
		Storage: store,
	})
	t.Cleanup(in.Close)
	return in, repo, store
}

func TestInspectorAnnotatesASide(t *testing.T) {
	in, _, store := newInspector(t)
	ctx := context.Background()

	draft, resume, err := in.Open(ctx, "asset-1")
	require.NoError(t, err)
	assert.True(t, draft.Created)
	assert.False(t, resume)

	img, err := in.AttachBase(ctx, types.SideNearside, pngFile(t, "near.png", 60, 40, 100))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, img.UploadStatus)
	assert.Contains(t, img.StoragePath, "org1/"+draft.ID+"/nearside/100-")
	assert.Len(t, store.objects, 1)

	obs, err := in.AddMarker(ctx, types.SideNearside, types.Point{X: 0.25, Y: 0.5}, "  chipped mirror ", pngFile(t, "d.png", 8, 8, 200))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, obs.X, 1e-9)
	assert.InDelta(t, 0.5, obs.Y, 1e-9)
	assert.Equal(t, "chipped mirror", obs.Note)
	require.Len(t, obs.Photos, 1)
	assert.Contains(t, obs.Photos[0].StoragePath, "/markers/"+obs.MarkerID+"/200-")

	report := in.Report()
	i := in.Sides().Index(types.SideNearside)
	require.Len(t, report[i].Observations, 1)

	out, err := in.Render(types.SideNearside, image.NewRGBA(image.Rect(0, 0, 60, 40)))
	require.NoError(t, err)
	assert.Equal(t, 60, out.Bounds().Dx())
}

func TestInspectorCloseUps(t *testing.T) {
	in, _, _ := newInspector(t)
	ctx := context.Background()

	_, _, err := in.Open(ctx, "asset-1")
	require.NoError(t, err)
	_, err = in.AttachBase(ctx, types.SideFront, pngFile(t, "front.png", 400, 200, 100))
	require.NoError(t, err)
	_, err = in.AddMarker(ctx, types.SideFront, types.Point{X: 0.25, Y: 0.5}, "scuff")
	require.NoError(t, err)

	crops, err := in.CloseUps(types.SideFront, image.NewRGBA(image.Rect(0, 0, 400, 200)), cropper.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, crops, 1)
	assert.Equal(t, image.Rect(68, 68, 132, 132), crops[0].Region)
	assert.Equal(t, "scuff", crops[0].Note)

	none, err := in.CloseUps(types.SideBack, image.NewRGBA(image.Rect(0, 0, 400, 200)), cropper.DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInspectorReopenRestoresMarkers(t *testing.T) {
	repo := newMemRepo()
	store := &memStorage{objects: make(map[string][]byte)}
	opts := condition.Options{
		Auth:    types.AuthContext{UserID: "u1", OrganisationID: "org1", SignedIn: true},
		Repo:    repo,
		Storage: store,
	}
	ctx := context.Background()

	first := New(ctx, opts)
	_, _, err := first.Open(ctx, "asset-2")
	require.NoError(t, err)
	_, err = first.AttachBase(ctx, types.SideBack, pngFile(t, "back.png", 30, 30, 1))
	require.NoError(t, err)
	_, err = first.AddMarker(ctx, types.SideBack, types.Point{X: 0.1, Y: 0.9}, "scuff")
	require.NoError(t, err)
	first.Close()

	second := New(ctx, opts)
	defer second.Close()
	draft, _, err := second.Open(ctx, "asset-2")
	require.NoError(t, err)
	assert.False(t, draft.Created)

	back := second.Report()[second.Sides().Index(types.SideBack)]
	require.NotNil(t, back.Image)
	assert.Equal(t, "https://storage.test/"+back.Image.StoragePath, back.Image.PreviewURL)
	require.Len(t, back.Observations, 1)
	assert.Equal(t, "scuff", back.Observations[0].Note)
}

func TestInspectorUploadFailure(t *testing.T) {
	in, _, store := newInspector(t)
	ctx := context.Background()
	_, _, err := in.Open(ctx, "asset-3")
	require.NoError(t, err)

	store.fail = true
	_, err = in.AttachBase(ctx, types.SideFront, pngFile(t, "f.png", 10, 10, 5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload front")

	// without a persisted side photo no marker can be saved
	_, err = in.AddMarker(ctx, types.SideFront, types.Point{X: 0.5, Y: 0.5}, "dent")
	assert.Error(t, err)
	front := in.Report()[in.Sides().Index(types.SideFront)]
	assert.Empty(t, front.Observations)
}

func TestInspectorDiscard(t *testing.T) {
	in, _, store := newInspector(t)
	ctx := context.Background()
	draft, _, err := in.Open(ctx, "asset-4")
	require.NoError(t, err)
	_, err = in.AttachBase(ctx, types.SideOffside, pngFile(t, "o.png", 10, 10, 5))
	require.NoError(t, err)

	fresh, err := in.Discard(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, draft.ID, fresh.ID)
	assert.Empty(t, store.objects)
	for _, sp := range in.Report() {
		assert.Nil(t, sp.Image)
	}
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, Version, GetVersion())
}
