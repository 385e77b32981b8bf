// Package chunker prepares plain document text for retrieval.
//
// CleanText normalizes whitespace and strips characters outside a small
// allowed set. Chunk then cuts the cleaned text into overlapping windows:
//
//	c := chunker.New(1000, 200)
//	chunks := c.Chunk(chunker.CleanText(raw))
//
// A window that does not reach the end of the text is shortened to the last
// sentence ending (". ! ? or newline") in its final 200 characters, so
// sentences are rarely split. The next window starts overlap characters
// before the previous one ended.
//
// Offsets and sizes count runes, not bytes. Token counts use the
// cl100k_base encoding when it can be loaded and a word count otherwise.
package chunker
