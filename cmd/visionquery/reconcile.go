package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/hyperjump/visionquery/internal/ingest"
)

func newReconcileCmd(opts *globalOptions) *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-index stored images missing from the vector index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				result *ingest.SweepResult
				err    error
			)
			if serverURL != "" {
				result, err = reconcileViaHTTP(cmd.Context(), serverURL)
			} else {
				result, err = reconcileDirect(cmd.Context(), opts)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"live=%d indexed=%d missing=%d reindexed=%d failed=%d orphans_removed=%d (%s)\n",
				result.Live, result.Indexed, result.Missing, result.Reindexed, result.Failed,
				result.OrphansPurged, result.Duration)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultServerURL, "server URL; empty sweeps the local index directly")
	return cmd
}

func reconcileDirect(ctx context.Context, opts *globalOptions) (*ingest.SweepResult, error) {
	cfg, logger, err := setup(opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = logger.Sync() }()
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer components.Close()
	return components.Reconciler.Sweep(ctx)
}

func reconcileViaHTTP(ctx context.Context, serverURL string) (*ingest.SweepResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/v1/admin/reconcile", nil)
	if err != nil {
		return nil, err
	}
	var result ingest.SweepResult
	if err := doJSON(req, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
