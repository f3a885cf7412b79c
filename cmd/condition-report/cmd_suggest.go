package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/menta2k/condition-report/internal/utils"
	"github.com/menta2k/condition-report/pkg/suggest"
)

var suggestCmd = &cobra.Command{
	Use:   "suggest <file>",
	Short: "Ask the vision model for a marker note describing a close-up",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuggest,
}

func init() {
	suggestCmd.Flags().String("model", "", "Vision model (default from config)")
}

func runSuggest(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if m, _ := cmd.Flags().GetString("model"); m != "" {
		a.cfg.Vision.Model = m
	}
	s, err := a.suggester()
	if err != nil {
		return err
	}

	file, err := utils.ReadLocalFile(args[0])
	if err != nil {
		return err
	}
	note, err := s.Suggest(cmd.Context(), file)
	if errors.Is(err, suggest.ErrNoDamage) {
		fmt.Fprintln(cmd.OutOrStdout(), "no visible damage")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), note)
	return nil
}
