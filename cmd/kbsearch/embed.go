package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/kbsearch-mcp/internal/embedder"
)

// newEmbedCmd checks the configured embedding provider end to end without
// touching the database.
func newEmbedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embed <text>",
		Short: "Embed text with the configured provider and print a summary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			emb, err := embedder.New(cfg.Embedding, embedder.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = emb.Close() }()

			res, err := emb.GenerateEmbedding(cmd.Context(), embedder.EmbeddingRequest{Text: strings.Join(args, " ")})
			if err != nil {
				return err
			}

			head := res.Vector[:min(5, len(res.Vector))]
			fmt.Fprintf(cmd.OutOrStdout(), "provider=%s model=%s dimension=%d\nhead=%v\n",
				res.Provider, res.Model, len(res.Vector), head)
			return nil
		},
	}
}
