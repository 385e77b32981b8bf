package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/kbsearch-mcp/internal/storage"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run one search and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}

	cmd.Flags().IntP("top-k", "k", 0, "maximum number of results (0 uses search.default_top_k)")
	cmd.Flags().Float64("threshold", -1, "minimum semantic similarity (negative uses search.similarity_threshold)")
	cmd.Flags().String("document", "", "only search this document ID")
	cmd.Flags().String("language", "", "only search chunks in this language")
	cmd.Flags().String("source-type", "", "only search documents of this source type")
	cmd.Flags().String("user", "", "identity for rate limiting and history")
	cmd.Flags().Bool("metadata", true, "attach document metadata to results")
	cmd.Flags().Bool("json", false, "print the full response as JSON")

	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	flags := cmd.Flags()
	q := types.SearchQuery{Query: strings.Join(args, " ")}
	q.TopK, _ = flags.GetInt("top-k")
	q.Identity, _ = flags.GetString("user")
	q.IncludeMetadata, _ = flags.GetBool("metadata")
	if threshold, _ := flags.GetFloat64("threshold"); threshold >= 0 {
		q.Threshold = &threshold
	}

	q.Filters = map[string]string{}
	for flag, key := range map[string]string{
		"document":    storage.FilterDocumentID,
		"language":    storage.FilterLanguage,
		"source-type": storage.FilterSourceType,
	} {
		if v, _ := flags.GetString(flag); v != "" {
			q.Filters[key] = v
		}
	}

	resp, err := a.engine.Search(cmd.Context(), q)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := flags.GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	fmt.Fprintf(out, "%d result(s), type=%s, %.1fms\n", resp.TotalResults, resp.SearchType, resp.ProcessingTimeMS)
	for i, r := range resp.Results {
		fmt.Fprintf(out, "[%d] %.3f %-8s %s#%d\n", i+1, r.Score(), r.SearchPath, r.DocumentID, r.ChunkIndex)
		if name, ok := r.Metadata["document_filename"].(string); ok {
			fmt.Fprintf(out, "    file: %s\n", name)
		}
		fmt.Fprintf(out, "    %s\n", snippet(r.Content, 160))
	}
	return nil
}

// snippet shortens s to at most n runes on one line.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
