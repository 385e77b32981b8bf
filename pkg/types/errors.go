package types

import "errors"

// Domain errors for type validation
var (
	ErrEmptyContent      = errors.New("content cannot be empty")
	ErrMissingDocumentID = errors.New("document ID is required")
	ErrMissingFilename   = errors.New("filename is required")
	ErrInvalidSpan       = errors.New("span end must not precede start")

	ErrQueryTooLong     = errors.New("query exceeds maximum length")
	ErrInvalidTopK      = errors.New("top_k out of range")
	ErrInvalidThreshold = errors.New("similarity threshold must be between 0 and 1")
)
