package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperjump/visionquery/internal/cli"
	"github.com/hyperjump/visionquery/internal/models"
	"github.com/hyperjump/visionquery/internal/server"
)

type searchOptions struct {
	userID    int64
	topK      int
	minScore  float64
	output    string
	serverURL string
}

func newSearchCmd(opts *globalOptions) *cobra.Command {
	so := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search [flags] <query...>",
		Short: "Search a user's images with natural language",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.ParseOutputFormat(so.output)
			if err != nil {
				return err
			}
			query := &models.SearchQuery{
				Query:    buildSearchQuery(args),
				TopK:     so.topK,
				UserID:   so.userID,
				MinScore: so.minScore,
			}
			if err := query.Validate(); err != nil {
				return err
			}

			var response *models.SearchResponse
			if so.serverURL != "" {
				response, err = searchViaHTTP(cmd.Context(), so.serverURL, query)
			} else {
				response, err = searchDirect(cmd.Context(), opts, query)
			}
			if err != nil {
				return err
			}
			return cli.WriteSearchResults(cmd.OutOrStdout(), response, format)
		},
	}
	cmd.Flags().Int64Var(&so.userID, "user", 0, "id of the user whose images are searched (required)")
	cmd.Flags().IntVar(&so.topK, "top-k", models.DefaultTopK, "number of results")
	cmd.Flags().Float64Var(&so.minScore, "min-score", 0, "minimum similarity score")
	cmd.Flags().StringVar(&so.output, "output", "text", "output format: text or json")
	cmd.Flags().StringVar(&so.serverURL, "server", defaultServerURL, "server URL; empty searches the local index directly")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// buildSearchQuery joins positional arguments into one query string.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func searchDirect(ctx context.Context, opts *globalOptions, query *models.SearchQuery) (*models.SearchResponse, error) {
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
	if _, err := components.Storage.GetUser(ctx, query.UserID); err != nil {
		return nil, fmt.Errorf("user %d: %w", query.UserID, err)
	}
	return components.Engine.Search(ctx, query)
}

func searchViaHTTP(ctx context.Context, serverURL string, query *models.SearchQuery) (*models.SearchResponse, error) {
	params := url.Values{}
	params.Set("q", query.Query)
	params.Set("top_k", strconv.Itoa(query.TopK))
	if query.MinScore > 0 {
		params.Set("min_score", strconv.FormatFloat(query.MinScore, 'f', -1, 64))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/api/v1/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(server.UserHeader, strconv.FormatInt(query.UserID, 10))

	var response models.SearchResponse
	if err := doJSON(req, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// doJSON sends req and decodes the body into out when the status matches want.
func doJSON(req *http.Request, want int, out interface{}) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
