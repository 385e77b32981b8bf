// Package indexer ingests plain-text documents into the knowledge base.
//
// IndexDocument runs the pipeline for one document:
//
//  1. Clean the text and reject empty or oversized input
//  2. Skip the document when its normalized SHA-256 is already stored
//  3. Chunk the text and write the document and chunks in one transaction
//  4. Embed chunks in batches on a bounded errgroup and store the vectors
//  5. Invalidate cached search results
//
// Only one ingest runs at a time. A concurrent call fails immediately with
// code ingest.lock.conflict instead of waiting.
//
//	idx := indexer.New(store, emb, cfg.Ingest,
//	    indexer.WithCache(cacheManager),
//	    indexer.WithLogger(logger))
//
//	doc, err := indexer.ReadDocument("handbook.txt")
//	if err != nil {
//	    return err
//	}
//	res, err := idx.IndexDocument(ctx, doc)
//
// When embedding fails the stored document is removed again, so a document
// is never left half indexed.
package indexer
