package main

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/hyperjump/visionquery/internal/cli"
	"github.com/hyperjump/visionquery/internal/server"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var serverURL, output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show record, index and disk status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := cli.ParseOutputFormat(output)
			if err != nil {
				return err
			}
			var status map[string]interface{}
			if serverURL != "" {
				status, err = statusViaHTTP(cmd.Context(), serverURL)
			} else {
				status, err = statusDirect(cmd.Context(), opts)
			}
			if err != nil {
				return err
			}
			return cli.WriteStatus(cmd.OutOrStdout(), status, format)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultServerURL, "server URL; empty reads local state directly")
	cmd.Flags().StringVar(&output, "output", "text", "output format: text or json")
	return cmd
}

func statusDirect(ctx context.Context, opts *globalOptions) (map[string]interface{}, error) {
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
	return server.NewServer(components.Deps(), cfg, logger).Status(ctx)
}

func statusViaHTTP(ctx context.Context, serverURL string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	var status map[string]interface{}
	if err := doJSON(req, http.StatusOK, &status); err != nil {
		return nil, err
	}
	return status, nil
}
