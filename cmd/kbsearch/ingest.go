package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/kbsearch-mcp/internal/indexer"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Index plain-text files into the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIngest,
	}
	cmd.Flags().String("source-type", "", "override the source type (defaults to the file extension)")
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	sourceType, _ := cmd.Flags().GetString("source-type")
	out := cmd.OutOrStdout()

	var failed int
	for _, path := range args {
		doc, err := indexer.ReadDocument(path)
		if err != nil {
			logger.Error().Err(err).Str("path", path).Msg("read failed")
			failed++
			continue
		}
		if sourceType != "" {
			doc.SourceType = sourceType
		}

		res, err := a.indexer.IndexDocument(cmd.Context(), doc)
		if err != nil {
			logger.Error().Err(err).Str("path", path).Msg("ingest failed")
			failed++
			continue
		}

		status := "indexed"
		if res.Duplicate {
			status = "duplicate"
		}
		fmt.Fprintf(out, "%s\t%s\t%s\tchunks=%d\tlang=%s\n", status, res.DocumentID, res.Filename, res.ChunkCount, res.Language)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed", failed, len(args))
	}
	return nil
}
