package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/menta2k/condition-report/internal/utils"
	"github.com/menta2k/condition-report/pkg/cropper"
)

var renderCmd = &cobra.Command{
	Use:   "render <in> <out>",
	Short: "Draw the markers of a side onto a local copy of its photo",
	Args:  cobra.ExactArgs(2),
	RunE:  runRender,
}

func init() {
	renderCmd.Flags().String("asset", "", "Asset id (required)")
	renderCmd.Flags().String("side", "", "Side whose markers are drawn (required)")
	renderCmd.Flags().Int("quality", 90, "JPEG/WebP quality")
	renderCmd.Flags().String("crops", "", "Also write a close-up of every marker into this directory")
	renderCmd.Flags().Int("crop-size", 256, "Side of each close-up in pixels")
}

func runRender(cmd *cobra.Command, args []string) error {
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

	img, err := a.processor.LoadImage(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	in, err := a.inspector(ctx)
	if err != nil {
		return err
	}
	if _, _, err := in.Open(ctx, asset); err != nil {
		return err
	}
	out, err := in.Render(side, img)
	if err != nil {
		return err
	}

	dst := args[1]
	if err := utils.EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	quality, _ := cmd.Flags().GetInt("quality")
	format := utils.GetFileExtension(dst)
	if err := a.processor.SaveImage(out, dst, format, quality); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: rendered %s markers\n", dst, side)

	dir, _ := cmd.Flags().GetString("crops")
	if dir == "" {
		return nil
	}
	cfg := cropper.DefaultConfig()
	cfg.OutputSize, _ = cmd.Flags().GetInt("crop-size")
	crops, err := in.CloseUps(side, img, cfg)
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}
	for i, c := range crops {
		name := fmt.Sprintf("%s-%02d", side, i+1)
		if c.Note != "" {
			name += "-" + utils.SanitizeFilename(c.Note)
		}
		path := filepath.Join(dir, name+"."+format)
		if err := a.processor.SaveImage(c.Image, path, format, quality); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", path)
	}
	return nil
}
