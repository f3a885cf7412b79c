package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/menta2k/condition-report/internal/metrics"
	"github.com/menta2k/condition-report/pkg/sides"
	"github.com/menta2k/condition-report/pkg/types"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep an asset's draft in sync with the server and print changes",
	Long: `Rehydrate the draft on an interval and print the report whenever a side
changes. With --metrics-addr the Prometheus metrics are served on /metrics.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("asset", "", "Asset id (required)")
	watchCmd.Flags().Duration("interval", 30*time.Second, "Rehydration interval")
	watchCmd.Flags().String("metrics-addr", "", "Serve metrics on this address, e.g. :9102")
}

func runWatch(cmd *cobra.Command, args []string) error {
	asset, err := requireAsset(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		srv := serveMetrics(addr, a)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	in, err := a.inspector(ctx)
	if err != nil {
		return err
	}
	draft, _, err := in.Open(ctx, asset)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), showOutput{Report: draft, Sides: in.Report()})

	in.Sides().Register(sides.Handlers{
		OnChange: func(s []types.SidePhoto) {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", time.Now().Format(time.RFC3339))
			printReport(cmd.OutOrStdout(), showOutput{Report: draft, Sides: s})
		},
	})

	interval, _ := cmd.Flags().GetDuration("interval")
	a.log.Info().Str("asset", asset).Dur("interval", interval).Msg("watching draft")
	if err := in.Orchestrator().Watch(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(addr string, a *app) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	a.log.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
