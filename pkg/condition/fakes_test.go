package condition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/menta2k/condition-report/pkg/types"
)

type fakeRepo struct {
	mu         sync.Mutex
	seq        int
	drafts     map[string]*types.DraftSnapshot
	sides      map[string]map[types.Side]*PersistedSide
	markers    map[string]*PersistedMarker
	markerSide map[string]string
	discardErr error
	loadHook   func()
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		drafts:     make(map[string]*types.DraftSnapshot),
		sides:      make(map[string]map[types.Side]*PersistedSide),
		markers:    make(map[string]*PersistedMarker),
		markerSide: make(map[string]string),
	}
}

func (r *fakeRepo) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *fakeRepo) EnsureDraft(ctx context.Context, org, assetID, reportType string, createBlank bool) (*types.DraftSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.drafts {
		if d.AssetID == assetID && d.ReportType == reportType {
			reused := *d
			reused.Created = false
			return &reused, nil
		}
	}
	d := &types.DraftSnapshot{ID: r.nextID("report"), AssetID: assetID, ReportType: reportType, Created: true}
	r.drafts[d.ID] = d
	r.sides[d.ID] = make(map[types.Side]*PersistedSide)
	return d, nil
}

func (r *fakeRepo) UpdateDraft(ctx context.Context, reportID string, patch map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drafts[reportID]
	if !ok {
		return errors.New("not found")
	}
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	for k, v := range patch {
		d.Fields[k] = v
	}
	now := time.Now()
	d.UpdatedAt = &now
	return nil
}

func (r *fakeRepo) DiscardDraft(ctx context.Context, reportID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discardErr != nil {
		return nil, r.discardErr
	}
	var paths []string
	for _, ps := range r.sides[reportID] {
		paths = append(paths, ps.StoragePath)
		for _, m := range ps.Markers {
			paths = append(paths, m.PhotoPaths...)
		}
	}
	delete(r.sides, reportID)
	delete(r.drafts, reportID)
	sort.Strings(paths)
	return paths, nil
}

func (r *fakeRepo) UpsertSidePhoto(ctx context.Context, reportID string, side types.Side, storagePath string) (string, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.sides[reportID][side]; ok {
		if ps.StoragePath == storagePath {
			return ps.ID, nil, nil
		}
		superseded := []string{ps.StoragePath}
		for _, m := range ps.Markers {
			superseded = append(superseded, m.PhotoPaths...)
			delete(r.markers, m.ID)
			delete(r.markerSide, m.ID)
		}
		ps.StoragePath = storagePath
		ps.Markers = nil
		return ps.ID, superseded, nil
	}
	ps := &PersistedSide{ID: r.nextID("sp"), Side: side, StoragePath: storagePath}
	r.sides[reportID][side] = ps
	return ps.ID, nil, nil
}

func (r *fakeRepo) DeleteSidePhoto(ctx context.Context, reportID string, side types.Side, storagePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sides[reportID], side)
	return nil
}

func (r *fakeRepo) CreateMarker(ctx context.Context, sidePhotoID string, x, y float64, note string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, bySide := range r.sides {
		for _, ps := range bySide {
			if ps.ID != sidePhotoID {
				continue
			}
			ps.Markers = append(ps.Markers, PersistedMarker{ID: r.nextID("marker"), X: x, Y: y, Note: note})
			m := &ps.Markers[len(ps.Markers)-1]
			r.markers[m.ID] = m
			r.markerSide[m.ID] = sidePhotoID
			return m.ID, nil
		}
	}
	return "", errors.New("side photo not found")
}

func (r *fakeRepo) DeleteMarker(ctx context.Context, markerID string) error {
	return nil
}

func (r *fakeRepo) AddMarkerPhoto(ctx context.Context, markerID, storagePath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spID := r.markerSide[markerID]
	for _, bySide := range r.sides {
		for _, ps := range bySide {
			if ps.ID != spID {
				continue
			}
			for i := range ps.Markers {
				if ps.Markers[i].ID == markerID {
					ps.Markers[i].PhotoPaths = append(ps.Markers[i].PhotoPaths, storagePath)
					return r.nextID("mp"), nil
				}
			}
		}
	}
	return "", errors.New("marker not found")
}

func (r *fakeRepo) LoadSides(ctx context.Context, reportID string) ([]PersistedSide, error) {
	if r.loadHook != nil {
		r.loadHook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PersistedSide
	for _, ps := range r.sides[reportID] {
		c := *ps
		c.Markers = append([]PersistedMarker(nil), ps.Markers...)
		out = append(out, c)
	}
	return out, nil
}

type fakeStorage struct {
	mu         sync.Mutex
	objects    map[string][]byte
	uploadErr  error
	presignErr error
	removeErr  map[string]error
	version    int
	removed    []string
	presigned  int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte), removeErr: make(map[string]error)}
}

func (s *fakeStorage) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.objects[path] = data
	return nil
}

func (s *fakeStorage) PresignGet(ctx context.Context, path string, expires time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presigned++
	return fmt.Sprintf("https://storage.test/%s?v=%d", path, s.version), nil
}

func (s *fakeStorage) PresignPut(ctx context.Context, path, contentType string, expires time.Duration) (string, error) {
	if s.presignErr != nil {
		return "", s.presignErr
	}
	return "https://storage.test/put/" + path, nil
}

func (s *fakeStorage) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, path)
	if err := s.removeErr[path]; err != nil {
		return err
	}
	delete(s.objects, path)
	return nil
}

type fakeTransfer struct {
	mu         sync.Mutex
	puts       []string
	putErr     error
	preloaded  []string
	preloadErr error
}

func (t *fakeTransfer) PutSigned(ctx context.Context, url string, body []byte, contentType string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.puts = append(t.puts, url)
	return t.putErr
}

func (t *fakeTransfer) Preload(ctx context.Context, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preloaded = append(t.preloaded, url)
	return t.preloadErr
}

func signedIn() types.AuthContext {
	return types.AuthContext{UserID: "u1", OrganisationID: "org1", SignedIn: true}
}

func pngFile(t *testing.T, name string, w, h int, mod int64) *types.LocalFile {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return types.NewLocalFile(name, buf.Bytes(), time.UnixMilli(mod))
}
