package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	conditionreport "github.com/menta2k/condition-report"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "condition-report",
	Short: "Annotate vehicle condition photos and keep them in sync with storage",
	Long: `condition-report captures one photo per vehicle side, places damage
markers on them and stores everything against a draft report.

Examples:
  # Shrink a photo the way uploads do
  condition-report normalize front.heic front.jpg

  # Upload the front photo and mark a dent with a close-up
  condition-report upload --asset VAN-042 --side front front.jpg \
      --marker 0.42,0.61 --note "Dent on bonnet" --photo dent.jpg

  # Show what the draft holds
  condition-report show --asset VAN-042`,
	Version:       conditionreport.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(normalizeCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(discardCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(watchCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file (default: ~/.config/condition-report/config.json if present)")
	rootCmd.PersistentFlags().String("log-level", "", "Override the log level")
	rootCmd.PersistentFlags().String("user", "", "Acting user id (overrides CONDITION_SESSION_USER_ID)")
	rootCmd.PersistentFlags().String("org", "", "Organisation id (overrides CONDITION_SESSION_ORGANISATION_ID)")
}
