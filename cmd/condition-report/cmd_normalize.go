package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/menta2k/condition-report/internal/metrics"
	"github.com/menta2k/condition-report/internal/utils"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize <in> [out]",
	Short: "Shrink and re-encode a photo within the upload budget",
	Long: `Decode a photo and re-encode it so its long side and byte size fit the
configured normalize limits. Without [out] the result is written next to the
input with a "-normalized" suffix.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runNormalize,
}

func init() {
	normalizeCmd.Flags().String("format", "", "Target format: jpg, png or webp (default from config)")
	normalizeCmd.Flags().Int("max-side", 0, "Long side limit in pixels (default from config)")
	normalizeCmd.Flags().Int64("max-bytes", 0, "Byte budget (default from config)")
}

func runNormalize(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	in := args[0]
	if !utils.IsImageFile(in) {
		a.log.Warn().Str("file", in).Msg("extension does not look like an image, trying anyway")
	}
	file, err := utils.ReadLocalFile(in)
	if err != nil {
		return err
	}

	opts := a.cfg.NormalizeOptions()
	if f, _ := cmd.Flags().GetString("format"); f != "" {
		opts.Format = f
	}
	if n, _ := cmd.Flags().GetInt("max-side"); n > 0 {
		opts.MaxSide = n
	}
	if n, _ := cmd.Flags().GetInt64("max-bytes"); n > 0 {
		opts.MaxBytes = n
	}

	start := time.Now()
	blob, err := a.processor.Normalize(cmd.Context(), file, opts)
	metrics.RecordNormalize(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	out := utils.GenerateOutputFilename(in, filepath.Dir(in), "", "-normalized", strings.TrimPrefix(blob.Extension, "."))
	if len(args) == 2 {
		out = args[1]
	}
	if err := utils.EnsureDir(filepath.Dir(out)); err != nil {
		return err
	}
	if err := os.WriteFile(out, blob.Data, 0o644); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s (%dx%d %s) in %s\n",
		out,
		utils.FormatFileSize(file.Size),
		utils.FormatFileSize(blob.Size()),
		blob.Width, blob.Height, blob.ContentType,
		time.Since(start).Round(time.Millisecond))
	return nil
}
