package sides

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/condition-report/pkg/types"
	"github.com/menta2k/condition-report/pkg/viewport"
)

func localFile(name string, size int, mod int64) *types.LocalFile {
	return types.NewLocalFile(name, make([]byte, size), time.UnixMilli(mod))
}

func TestSelectImageUploadsAndPersists(t *testing.T) {
	var uploads atomic.Int32
	var persisted sync.Map
	ms := New(Options{Handlers: Handlers{
		Upload: func(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope) (*UploadResult, error) {
			uploads.Add(1)
			assert.Equal(t, types.ScopeSide, scope)
			return &UploadResult{Path: "org/r1/front/1-10.jpg", SidePhotoID: "sp-1"}, nil
		},
		OnPersisted: func(side types.Side, id string) {
			persisted.Store(side, id)
		},
	}})
	defer ms.Close()

	require.NoError(t, ms.SelectImage(types.SideFront, localFile("front.jpg", 10, 1)))
	ms.Wait()

	assert.Equal(t, int32(1), uploads.Load())
	front := ms.Sides()[0]
	require.NotNil(t, front.Image)
	assert.Equal(t, types.StatusSuccess, front.Image.UploadStatus)
	assert.Equal(t, "org/r1/front/1-10.jpg", front.Image.StoragePath)
	assert.Equal(t, "sp-1", ms.SidePhotoID(types.SideFront))

	id, ok := persisted.Load(types.SideFront)
	require.True(t, ok)
	assert.Equal(t, "sp-1", id)

	a, err := ms.Annotator(types.SideFront)
	require.NoError(t, err)
	img, _ := a.Snapshot()
	assert.Equal(t, types.StatusSuccess, img.UploadStatus, "annotator sees the upload result")
}

func TestNoDuplicateInflightUploads(t *testing.T) {
	release := make(chan struct{})
	var uploads atomic.Int32
	ms := New(Options{Handlers: Handlers{
		Upload: func(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope) (*UploadResult, error) {
			uploads.Add(1)
			<-release
			return &UploadResult{Path: "p"}, nil
		},
	}})
	defer ms.Close()

	img := &types.UploadedImage{Local: localFile("front.jpg", 10, 1), PreviewURL: "blob:local/x"}
	ms.SideImageChanged(0, img, nil)
	ms.SideImageChanged(0, img, nil)

	assert.Equal(t, types.StatusUploading, ms.Sides()[0].Image.UploadStatus)
	close(release)
	ms.Wait()
	assert.Equal(t, int32(1), uploads.Load())

	// a late echo of the original selection does not upload again
	ms.SideImageChanged(0, img, nil)
	ms.Wait()
	assert.Equal(t, int32(1), uploads.Load())
	assert.Equal(t, types.StatusSuccess, ms.Sides()[0].Image.UploadStatus)
}

func TestReplacingFailedUploadIsNotBlocked(t *testing.T) {
	var calls atomic.Int32
	ms := New(Options{Handlers: Handlers{
		Upload: func(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope) (*UploadResult, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("storage unavailable")
			}
			return &UploadResult{Path: "org/r1/back/2-20.jpg"}, nil
		},
	}})
	defer ms.Close()

	require.NoError(t, ms.SelectImage(types.SideBack, localFile("back.jpg", 10, 1)))
	ms.Wait()
	back := ms.Sides()[2]
	assert.Equal(t, types.StatusError, back.Image.UploadStatus)
	assert.Equal(t, "storage unavailable", back.Image.ErrorMessage)

	require.NoError(t, ms.SelectImage(types.SideBack, localFile("back2.jpg", 20, 2)))
	ms.Wait()
	back = ms.Sides()[2]
	assert.Equal(t, types.StatusSuccess, back.Image.UploadStatus)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreateMarkerNeedsPersistedSide(t *testing.T) {
	called := false
	ms := New(Options{Handlers: Handlers{
		CreateMarker: func(ctx context.Context, side types.Side, sidePhotoID string, x, y float64, note string) (string, error) {
			called = true
			return "m1", nil
		},
	}})
	defer ms.Close()

	_, err := ms.CreateMarkerForSide(context.Background(), types.SideFront, 0.5, 0.5, "dent", nil)
	assert.ErrorIs(t, err, ErrSideNotPersisted)
	assert.False(t, called)
}

func TestFailedReplacementBlocksMarkers(t *testing.T) {
	var calls atomic.Int32
	var created atomic.Int32
	ms := New(Options{Handlers: Handlers{
		Upload: func(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope) (*UploadResult, error) {
			if calls.Add(1) == 1 {
				return &UploadResult{Path: "org/r1/front/1-10.jpg", SidePhotoID: "sp-1"}, nil
			}
			return nil, errors.New("storage unavailable")
		},
		CreateMarker: func(ctx context.Context, side types.Side, sidePhotoID string, x, y float64, note string) (string, error) {
			created.Add(1)
			return "m1", nil
		},
	}})
	defer ms.Close()

	require.NoError(t, ms.SelectImage(types.SideFront, localFile("front.jpg", 10, 1)))
	ms.Wait()
	require.Equal(t, "sp-1", ms.SidePhotoID(types.SideFront))

	require.NoError(t, ms.SelectImage(types.SideFront, localFile("front2.jpg", 20, 2)))
	assert.Empty(t, ms.SidePhotoID(types.SideFront), "old row is dropped as soon as the replacement starts")
	ms.Wait()

	front := ms.Sides()[0]
	require.NotNil(t, front.Image)
	assert.Equal(t, types.StatusError, front.Image.UploadStatus)
	assert.Empty(t, ms.SidePhotoID(types.SideFront))

	a, err := ms.Annotator(types.SideFront)
	require.NoError(t, err)
	a.Measure(viewport.Rect{Width: 320, Height: 210})
	a.ImageLoaded(600, 400)
	_, err = a.PlaceMarker(120, 80)
	require.NoError(t, err)
	require.NoError(t, a.SetPendingNote("dent"))

	_, err = a.SaveMarker(context.Background())
	assert.ErrorIs(t, err, ErrSideNotPersisted)
	assert.Equal(t, int32(0), created.Load())

	// a stale row id alone is not enough either
	ms.SetSidePhotoID(types.SideFront, "sp-1")
	_, err = ms.CreateMarkerForSide(context.Background(), types.SideFront, 0.5, 0.5, "dent", nil)
	assert.ErrorIs(t, err, ErrSideNotPersisted)
	assert.Equal(t, int32(0), created.Load())
}

func TestCreateMarkerUploadsPhotosInOrder(t *testing.T) {
	var order []string
	ms := New(Options{Handlers: Handlers{
		CreateMarker: func(ctx context.Context, side types.Side, sidePhotoID string, x, y float64, note string) (string, error) {
			assert.Equal(t, "sp-1", sidePhotoID)
			return "m1", nil
		},
		UploadMarkerPhoto: func(ctx context.Context, markerID string, file *types.LocalFile) (string, error) {
			order = append(order, file.Name)
			if file.Name == "broken.jpg" {
				return "", errors.New("upload failed")
			}
			return "org/r1/markers/" + markerID + "/" + file.Name, nil
		},
	}})
	defer ms.Close()
	ms.SideImageChanged(0, &types.UploadedImage{PreviewURL: "https://cdn/front.jpg", StoragePath: "org/r1/front/1-10.jpg"}, nil)
	ms.SetSidePhotoID(types.SideFront, "sp-1")

	files := []*types.LocalFile{localFile("first.jpg", 1, 1), localFile("broken.jpg", 2, 2), localFile("third.jpg", 3, 3)}
	res, err := ms.CreateMarkerForSide(context.Background(), types.SideFront, 0.3, 0.4, "scratch", files)
	require.NoError(t, err)

	assert.Equal(t, []string{"first.jpg", "broken.jpg", "third.jpg"}, order)
	assert.Equal(t, "m1", res.MarkerID)
	assert.Equal(t, []string{"org/r1/markers/m1/first.jpg", "", "org/r1/markers/m1/third.jpg"}, res.PhotoPaths)
}

func TestDeleteMarkerAndFilesAttemptsEverything(t *testing.T) {
	var mu sync.Mutex
	var removed []string
	ms := New(Options{Handlers: Handlers{
		DeleteMarker: func(ctx context.Context, markerID string) error {
			return errors.New("marker delete failed")
		},
		RemoveObject: func(ctx context.Context, path string) error {
			mu.Lock()
			removed = append(removed, path)
			mu.Unlock()
			if path == "b" {
				return errors.New("object missing")
			}
			return nil
		},
	}})
	defer ms.Close()

	err := ms.DeleteMarkerAndFiles(context.Background(), "m1", []string{"a", "b", "c"})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, removed)
}

func TestSaveMarkerThroughSide(t *testing.T) {
	var photoUploads []string
	ms := New(Options{Handlers: Handlers{
		Upload: func(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope) (*UploadResult, error) {
			return &UploadResult{Path: "org/r1/front/1-10.jpg", SidePhotoID: "sp-1"}, nil
		},
		CreateMarker: func(ctx context.Context, side types.Side, sidePhotoID string, x, y float64, note string) (string, error) {
			return "m9", nil
		},
		UploadMarkerPhoto: func(ctx context.Context, markerID string, file *types.LocalFile) (string, error) {
			photoUploads = append(photoUploads, file.Name)
			return "org/r1/markers/m9/" + file.Name, nil
		},
	}})
	defer ms.Close()

	require.NoError(t, ms.SelectImage(types.SideFront, localFile("front.jpg", 10, 1)))
	ms.Wait()

	a, err := ms.Annotator(types.SideFront)
	require.NoError(t, err)
	a.Measure(viewport.Rect{Width: 320, Height: 210})
	a.ImageLoaded(600, 400)

	_, err = a.PlaceMarker(120, 80)
	require.NoError(t, err)
	require.NoError(t, a.SetPendingNote("scratch on door"))
	_, err = a.AttachDetailPhoto(localFile("one.jpg", 1, 1))
	require.NoError(t, err)
	_, err = a.AttachDetailPhoto(localFile("two.jpg", 2, 2))
	require.NoError(t, err)

	obs, err := a.SaveMarker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"one.jpg", "two.jpg"}, photoUploads)
	assert.Equal(t, "m9", obs.MarkerID)
	assert.Equal(t, "org/r1/markers/m9/one.jpg", obs.Photos[0].StoragePath)
	assert.Equal(t, "org/r1/markers/m9/two.jpg", obs.Photos[1].StoragePath)

	front := ms.Sides()[0]
	require.Len(t, front.Observations, 1)
	assert.InDelta(t, 0.3667, front.Observations[0].X, 1e-4)
	assert.InDelta(t, 0.375, front.Observations[0].Y, 1e-4)
	assert.True(t, ms.AllUploadsComplete())
}

func TestRemoveBaseImageClearsOnlyThatSide(t *testing.T) {
	var deletedRow, removedObj string
	ms := New(Options{Handlers: Handlers{
		Upload: func(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope) (*UploadResult, error) {
			return &UploadResult{Path: "org/r1/" + string(side) + ".jpg", SidePhotoID: "sp-" + string(side)}, nil
		},
		DeleteSidePhoto: func(ctx context.Context, side types.Side, path string) error {
			deletedRow = path
			return errors.New("row already gone")
		},
		RemoveObject: func(ctx context.Context, path string) error {
			removedObj = path
			return nil
		},
	}})
	defer ms.Close()

	require.NoError(t, ms.SelectImage(types.SideFront, localFile("front.jpg", 10, 1)))
	require.NoError(t, ms.SelectImage(types.SideBack, localFile("back.jpg", 11, 2)))
	ms.Wait()

	require.NoError(t, ms.RemoveBaseImage(context.Background(), types.SideFront))

	sides := ms.Sides()
	assert.Nil(t, sides[0].Image)
	assert.NotNil(t, sides[2].Image)
	assert.Equal(t, "org/r1/front.jpg", deletedRow)
	assert.Equal(t, "org/r1/front.jpg", removedObj)
	assert.Empty(t, ms.SidePhotoID(types.SideFront))
	assert.Equal(t, "sp-back", ms.SidePhotoID(types.SideBack))
}

func TestApplyPreservesLocalSides(t *testing.T) {
	release := make(chan struct{})
	ms := New(Options{Handlers: Handlers{
		Upload: func(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope) (*UploadResult, error) {
			<-release
			return &UploadResult{Path: "org/r1/front/1-10.jpg"}, nil
		},
	}})
	defer ms.Close()

	require.NoError(t, ms.SelectImage(types.SideFront, localFile("front.jpg", 10, 1)))

	server := types.EmptySides()
	server[0].Image = &types.UploadedImage{PreviewURL: "https://cdn/stale.jpg", StoragePath: "old.jpg"}
	server[1].Image = &types.UploadedImage{PreviewURL: "https://cdn/near.jpg", StoragePath: "near.jpg"}
	assert.True(t, ms.Apply(ms.Sides(), server))

	sides := ms.Sides()
	assert.Equal(t, types.StatusUploading, sides[0].Image.UploadStatus)
	assert.Equal(t, "near.jpg", sides[1].Image.StoragePath)

	assert.False(t, ms.Apply(ms.Sides(), ms.Sides()), "nothing changed")
	close(release)
	ms.Wait()
}

func TestRegisterKeepsLatestHandler(t *testing.T) {
	var first, second atomic.Int32
	ms := New(Options{Handlers: Handlers{
		Upload: func(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope) (*UploadResult, error) {
			first.Add(1)
			return &UploadResult{Path: "a"}, nil
		},
	}})
	defer ms.Close()

	ms.Register(Handlers{Upload: func(ctx context.Context, file *types.LocalFile, side types.Side, scope types.UploadScope) (*UploadResult, error) {
		second.Add(1)
		return &UploadResult{Path: "b"}, nil
	}})
	ms.Register(Handlers{})

	require.NoError(t, ms.SelectImage(types.SideInterior, localFile("seat.jpg", 5, 5)))
	ms.Wait()
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestResetClearsEverything(t *testing.T) {
	ms := New(Options{})
	defer ms.Close()
	ms.SetSidePhotoID(types.SideFront, "sp-1")
	ms.Apply(ms.Sides(), []types.SidePhoto{
		{Side: types.SideFront, Image: &types.UploadedImage{StoragePath: "f.jpg"}},
		{Side: types.SideNearside}, {Side: types.SideBack}, {Side: types.SideOffside}, {Side: types.SideInterior},
	})

	ms.Reset()
	assert.Nil(t, ms.Sides()[0].Image)
	assert.Empty(t, ms.SidePhotoID(types.SideFront))
}

func TestApplySkipsSidesEditedSinceBase(t *testing.T) {
	ms := New(Options{})
	defer ms.Close()

	base := ms.Sides()
	ms.SideImageChanged(1, &types.UploadedImage{PreviewURL: "https://cdn/n.jpg", StoragePath: "n.jpg"}, nil)

	merged := types.EmptySides()
	merged[1].Image = &types.UploadedImage{PreviewURL: "https://cdn/stale.jpg", StoragePath: "stale.jpg"}
	merged[3].Image = &types.UploadedImage{PreviewURL: "https://cdn/o.jpg", StoragePath: "o.jpg"}
	assert.True(t, ms.Apply(base, merged))

	sides := ms.Sides()
	assert.Equal(t, "n.jpg", sides[1].Image.StoragePath)
	assert.Equal(t, "o.jpg", sides[3].Image.StoragePath)
}
