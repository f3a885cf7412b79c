package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/menta2k/condition-report/pkg/types"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the draft report of an asset",
	Args:  cobra.NoArgs,
	RunE:  runShow,
}

func init() {
	showCmd.Flags().String("asset", "", "Asset id (required)")
	showCmd.Flags().Bool("json", false, "Print the sides as JSON")
}

type showOutput struct {
	Report *types.DraftSnapshot `json:"report"`
	Sides  []types.SidePhoto    `json:"sides"`
}

func runShow(cmd *cobra.Command, args []string) error {
	asset, err := requireAsset(cmd)
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
	draft, _, err := in.Open(ctx, asset)
	if err != nil {
		return err
	}

	out := showOutput{Report: draft, Sides: in.Report()}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printReport(cmd.OutOrStdout(), out)
	return nil
}

func printReport(w io.Writer, out showOutput) {
	fmt.Fprintf(w, "Report %s for asset %s\n", out.Report.ID, out.Report.AssetID)
	for _, sp := range out.Sides {
		if sp.Image == nil {
			fmt.Fprintf(w, "  %-9s (no photo)\n", sp.Side)
			continue
		}
		fmt.Fprintf(w, "  %-9s %s [%s]\n", sp.Side, sp.Image.StoragePath, statusOf(sp.Image))
		for _, obs := range sp.Observations {
			fmt.Fprintf(w, "    - %.3f,%.3f %s", obs.X, obs.Y, obs.Note)
			if n := len(obs.Photos); n > 0 {
				fmt.Fprintf(w, " (%d photo(s))", n)
			}
			fmt.Fprintln(w)
		}
	}
}

func statusOf(img *types.UploadedImage) string {
	switch {
	case img.UploadStatus != types.StatusNone:
		return string(img.UploadStatus)
	case img.IsDurable():
		return "stored"
	default:
		return "local"
	}
}
