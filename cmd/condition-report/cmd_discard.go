package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var discardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Delete the draft report of an asset and start a blank one",
	Long: `Delete the draft, its side photos, markers and stored objects, then
create a fresh empty draft for the same asset.`,
	Args: cobra.NoArgs,
	RunE: runDiscard,
}

func init() {
	discardCmd.Flags().String("asset", "", "Asset id (required)")
}

func runDiscard(cmd *cobra.Command, args []string) error {
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
	old, _, err := in.Open(ctx, asset)
	if err != nil {
		return err
	}
	fresh, err := in.Discard(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "discarded %s, new draft %s\n", old.ID, fresh.ID)
	return nil
}
