// Package embedder turns chunk and query text into dense vectors.
//
// Three providers implement Embedder:
//
//   - openai: any OpenAI-compatible embeddings endpoint, through langchaingo
//   - jina: the Jina AI embeddings API over HTTP
//   - local: deterministic feature hashing, no network required
//
// New selects one from config.EmbeddingConfig:
//
//	emb, err := embedder.New(cfg.Embedding, embedder.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{
//	    Texts: []string{"ERP implementation", "change management"},
//	})
//
// GenerateBatch returns embeddings in input order. Texts seen before are
// served from an in-process LRU cache keyed by SHA-256 of the text, and only
// the misses reach the provider. Remote calls retry with exponential backoff;
// 4xx responses other than 429 fail immediately.
//
// Errors carry kbsearch error codes: embedder.request.invalid for bad input,
// embedder.provider.upstream.failure when the provider keeps failing and
// embedder.provider.invalid for configuration problems.
package embedder
