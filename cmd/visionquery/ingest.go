package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/visionquery/internal/models"
)

func newIngestCmd(opts *globalOptions) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "ingest --user <id> <file>...",
		Short: "Store and index image files for a user",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			components, err := initializeComponents(cfg, logger)
			if err != nil {
				return err
			}
			defer components.Close()

			ctx := cmd.Context()
			if _, err := components.Storage.GetUser(ctx, userID); err != nil {
				return fmt.Errorf("user %d: %w", userID, err)
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				img, err := ingestFile(cmd, components, userID, path)
				if err != nil {
					failed++
					color.New(color.FgRed).Fprintf(out, "✗ %s: %v\n", path, err)
					continue
				}
				indexed := "indexed"
				if !components.Index.Contains(img.ID) {
					indexed = "stored, not indexed"
				}
				fmt.Fprintf(out, "✓ %s → image %d (%s)\n", path, img.ID, indexed)
			}
			logger.Info("ingest finished", zap.Int("files", len(args)), zap.Int("failed", failed))
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "id of the owning user (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// ingestFile stores one file and runs it through the pipeline. Embedding failures leave the
// record stored for the reconciler.
func ingestFile(cmd *cobra.Command, c *Components, userID int64, path string) (*models.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if c.Config.Server.MaxUploadBytes > 0 && int64(len(data)) > c.Config.Server.MaxUploadBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", c.Config.Server.MaxUploadBytes)
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("not an image (%s)", contentType)
	}

	ctx := cmd.Context()
	name := filepath.Base(path)
	stored, err := c.Files.Save(userID, name, data)
	if err != nil {
		return nil, err
	}
	img, err := c.Storage.CreateImage(ctx, models.ImageInput{
		UserID:      userID,
		Filename:    name,
		Filepath:    stored,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	})
	if err != nil {
		_ = c.Files.Delete(stored)
		return nil, err
	}
	if err := c.Pipeline.Ingest(ctx, img.ID, data); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v\n", path, err)
	}
	return img, nil
}
