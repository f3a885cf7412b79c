package main

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/menta2k/condition-report/internal/utils"
	"github.com/menta2k/condition-report/pkg/cropper"
	"github.com/menta2k/condition-report/pkg/processing"
	"github.com/menta2k/condition-report/pkg/suggest"
	"github.com/menta2k/condition-report/pkg/types"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a side photo and optionally place a marker on it",
	Long: `Attach <file> as the base photo of --side on the asset's draft report.
With --marker (normalized x,y) or --pixel (x,y in pixels of <file>) a marker
is saved with --note and any --photo close-ups.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().String("asset", "", "Asset id (required)")
	uploadCmd.Flags().String("side", "", "Side: front, nearside, back, offside or interior (required)")
	uploadCmd.Flags().String("marker", "", "Marker position as normalized x,y")
	uploadCmd.Flags().String("pixel", "", "Marker position as pixel x,y on the base photo")
	uploadCmd.Flags().String("note", "", "Marker note")
	uploadCmd.Flags().StringArray("photo", nil, "Close-up photo for the marker (repeatable)")
	uploadCmd.Flags().Bool("suggest", false, "Draft the note with the vision model from the first close-up, or from a crop of the base photo")
}

func runUpload(cmd *cobra.Command, args []string) error {
	asset, err := requireAsset(cmd)
	if err != nil {
		return err
	}
	side, err := parseSide(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	in, err := a.inspector(ctx)
	if err != nil {
		return err
	}
	draft, resume, err := in.Open(ctx, asset)
	if err != nil {
		return err
	}
	a.log.Info().Str("report_id", draft.ID).Bool("resume", resume).Msg("draft opened")

	var base *types.LocalFile
	if len(args) == 1 {
		base, err = utils.ReadLocalFile(args[0])
		if err != nil {
			return err
		}
		img, err := in.AttachBase(ctx, side, base)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", side, img.StoragePath)
	}

	point, ok, err := markerPoint(cmd, a, base)
	if err != nil || !ok {
		return err
	}

	var photos []*types.LocalFile
	paths, _ := cmd.Flags().GetStringArray("photo")
	for _, p := range paths {
		f, err := utils.ReadLocalFile(p)
		if err != nil {
			return err
		}
		photos = append(photos, f)
	}

	note, _ := cmd.Flags().GetString("note")
	if wantSuggest, _ := cmd.Flags().GetBool("suggest"); wantSuggest && note == "" {
		subject, err := suggestSubject(a, base, point, photos)
		if err != nil {
			return err
		}
		note, err = in.Orchestrator().SuggestNote(ctx, subject)
		switch {
		case errors.Is(err, suggest.ErrNoDamage):
			return fmt.Errorf("no visible damage at the marker, pass --note to save it anyway")
		case err != nil:
			return err
		default:
			a.log.Info().Str("note", note).Msg("note drafted")
		}
	}

	obs, err := in.AddMarker(ctx, side, point, note, photos...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "marker %s at %.4f,%.4f: %s\n", obs.MarkerID, obs.X, obs.Y, obs.Note)
	for _, ph := range obs.Photos {
		status := ph.StoragePath
		if status == "" {
			status = "not uploaded"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  photo %s\n", status)
	}
	return nil
}

// markerPoint reads --marker or --pixel. ok is false when neither is set.
func markerPoint(cmd *cobra.Command, a *app, base *types.LocalFile) (types.Point, bool, error) {
	if raw, _ := cmd.Flags().GetString("marker"); raw != "" {
		p, err := parsePoint(raw)
		return p, err == nil, err
	}
	raw, _ := cmd.Flags().GetString("pixel")
	if raw == "" {
		return types.Point{}, false, nil
	}
	if base == nil {
		return types.Point{}, false, fmt.Errorf("--pixel needs the base photo file")
	}
	img, err := a.processor.Decode(base)
	if err != nil {
		return types.Point{}, false, err
	}
	var px, py float64
	if _, err := fmt.Sscanf(raw, "%g,%g", &px, &py); err != nil {
		return types.Point{}, false, fmt.Errorf("pixel must look like 120,80: %w", err)
	}
	b := img.Bounds()
	p, err := pixelPoint(px, py, b.Dx(), b.Dy())
	return p, err == nil, err
}

// suggestSubject picks the image the note is drafted from: the first close-up
// when there is one, otherwise a crop of the base photo around the marker.
func suggestSubject(a *app, base *types.LocalFile, p types.Point, photos []*types.LocalFile) (*types.LocalFile, error) {
	if len(photos) > 0 {
		return photos[0], nil
	}
	if base == nil {
		return nil, fmt.Errorf("--suggest needs a --photo or the base photo file")
	}
	img, err := a.processor.Decode(base)
	if err != nil {
		return nil, err
	}
	crop, err := cropper.New().CropAround(img, p)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := processing.EncodeDirect(&buf, crop.Image, "jpg", 90); err != nil {
		return nil, err
	}
	return types.NewLocalFile("crop-"+base.Name, buf.Bytes(), base.LastModified), nil
}
