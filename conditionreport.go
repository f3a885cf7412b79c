// Package conditionreport records the condition of a vehicle as a set of
// annotated photos, one per side, stored durably and kept in sync with the
// server.
//
// Basic usage:
//
//	inspector := conditionreport.New(ctx, condition.Options{
//		Auth:    auth,
//		Repo:    database.NewRepository(db),
//		Storage: store,
//	})
//	defer inspector.Close()
//
//	if _, _, err := inspector.Open(ctx, "asset-42"); err != nil {
//		log.Fatal(err)
//	}
//	if _, err := inspector.AttachBase(ctx, types.SideFront, file); err != nil {
//		log.Fatal(err)
//	}
//	obs, err := inspector.AddMarker(ctx, types.SideFront, types.Point{X: 0.4, Y: 0.6}, "dent", detail)
//
// The package ties together four components:
//
//  1. Processing (pkg/processing): decodes and bounds images before upload
//  2. Annotator (pkg/annotator): places markers on one image
//  3. Sides (pkg/sides): one annotator per side with background base uploads
//  4. Condition (pkg/condition): storage, persistence and rehydration
//
// Inspector drives these without a display. Interactive front ends use the
// annotators from Sides directly and feed them real layout measurements.
package conditionreport

import (
	"context"
	"fmt"
	"image"

	"github.com/rs/zerolog"

	"github.com/menta2k/condition-report/pkg/annotator"
	"github.com/menta2k/condition-report/pkg/condition"
	"github.com/menta2k/condition-report/pkg/cropper"
	"github.com/menta2k/condition-report/pkg/processing"
	"github.com/menta2k/condition-report/pkg/sides"
	"github.com/menta2k/condition-report/pkg/types"
	"github.com/menta2k/condition-report/pkg/viewport"
)

// Version of the condition report library
const Version = "1.0.0"

// layoutSize is the square viewport a headless annotator is laid out in.
// Normalized points map onto it without letterboxing.
const layoutSize = 10000

// Inspector is a headless driver for one condition report
type Inspector struct {
	orch      *condition.Orchestrator
	sides     *sides.MultiSide
	processor *processing.Processor
	log       zerolog.Logger
}

// New wires an orchestrator to a fresh set of side annotators
func New(ctx context.Context, opts condition.Options) *Inspector {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "inspector").Logger()
	}
	if opts.Processor == nil {
		opts.Processor = processing.NewProcessor()
	}

	ms := sides.New(sides.Options{Logger: opts.Logger, Context: ctx})
	orch := condition.New(opts)
	orch.Bind(ms)

	return &Inspector{
		orch:      orch,
		sides:     ms,
		processor: opts.Processor,
		log:       log,
	}
}

// Orchestrator returns the underlying orchestrator
func (in *Inspector) Orchestrator() *condition.Orchestrator {
	return in.orch
}

// Sides returns the side annotators
func (in *Inspector) Sides() *sides.MultiSide {
	return in.sides
}

// Open finds or creates the draft for assetID and loads what the server
// already holds for it.
func (in *Inspector) Open(ctx context.Context, assetID string) (*types.DraftSnapshot, bool, error) {
	draft, resume, err := in.orch.EnsureDraft(ctx, assetID, "")
	if err != nil {
		return nil, false, err
	}
	if err := in.orch.Rehydrate(ctx); err != nil {
		return nil, false, fmt.Errorf("load report: %w", err)
	}
	return draft, resume, nil
}

// AttachBase selects file as the base image of side and waits for its upload
func (in *Inspector) AttachBase(ctx context.Context, side types.Side, file *types.LocalFile) (*types.UploadedImage, error) {
	if err := in.sides.SelectImage(side, file); err != nil {
		return nil, err
	}
	in.sides.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sp, err := in.side(side)
	if err != nil {
		return nil, err
	}
	switch {
	case sp.Image == nil:
		return nil, fmt.Errorf("side %s has no image", side)
	case sp.Image.UploadStatus == types.StatusError:
		return nil, fmt.Errorf("upload %s: %s", side, sp.Image.ErrorMessage)
	}
	in.log.Info().Str("side", string(side)).Str("path", sp.Image.StoragePath).Msg("base image attached")
	return sp.Image, nil
}

// AddMarker places a marker at p on side's image with a note and optional
// detail photos, and saves it.
func (in *Inspector) AddMarker(ctx context.Context, side types.Side, p types.Point, note string, photos ...*types.LocalFile) (*types.Observation, error) {
	a, err := in.sides.Annotator(side)
	if err != nil {
		return nil, err
	}

	a.ImageLoaded(layoutSize, layoutSize)
	a.Measure(viewport.Rect{Width: layoutSize, Height: layoutSize})
	if _, err := a.PlaceMarker(p.X*layoutSize, p.Y*layoutSize); err != nil {
		return nil, err
	}

	obs, err := in.savePending(ctx, a, note, photos)
	if err != nil {
		a.CancelMarker()
		return nil, err
	}
	return obs, nil
}

func (in *Inspector) savePending(ctx context.Context, a *annotator.Annotator, note string, photos []*types.LocalFile) (*types.Observation, error) {
	if err := a.SetPendingNote(note); err != nil {
		return nil, err
	}
	for _, f := range photos {
		if _, err := a.AttachDetailPhoto(f); err != nil {
			return nil, err
		}
	}
	return a.SaveMarker(ctx)
}

// Render draws side's markers over img
func (in *Inspector) Render(side types.Side, img image.Image) (image.Image, error) {
	sp, err := in.side(side)
	if err != nil {
		return nil, err
	}
	return in.processor.RenderMarkers(img, sp.Observations), nil
}

// CloseUps cuts a square close-up around each of side's markers in img
func (in *Inspector) CloseUps(side types.Side, img image.Image, cfg cropper.CropConfig) ([]cropper.CropResult, error) {
	sp, err := in.side(side)
	if err != nil {
		return nil, err
	}
	return cropper.NewWithConfig(cfg).CropObservations(img, sp.Observations)
}

// Report returns the current state of every side
func (in *Inspector) Report() []types.SidePhoto {
	return in.sides.Sides()
}

// Discard deletes the draft and starts a blank one
func (in *Inspector) Discard(ctx context.Context) (*types.DraftSnapshot, error) {
	in.sides.Wait()
	return in.orch.Discard(ctx)
}

// Close waits for background uploads and releases local previews
func (in *Inspector) Close() {
	in.sides.Wait()
	in.sides.Close()
}

func (in *Inspector) side(side types.Side) (types.SidePhoto, error) {
	i := in.sides.Index(side)
	if i < 0 {
		return types.SidePhoto{}, fmt.Errorf("%w: %s", sides.ErrUnknownSide, side)
	}
	return in.sides.Sides()[i], nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
