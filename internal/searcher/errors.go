package searcher

import (
	"fmt"
	"math"
	"time"

	"github.com/dshills/kbsearch-mcp/internal/ratelimit"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

// RateLimitExceeded is returned when the caller's search window is full.
type RateLimitExceeded struct {
	LimitType  string
	Identifier string
	RetryAfter time.Duration
	Info       ratelimit.Info
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit %s exceeded for %s: retry after %ds",
		e.LimitType, e.Identifier, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum one.
func (e *RateLimitExceeded) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// SearchError reports that both retrieval paths failed. Its code is
// search.retrieval.failure; the path errors are kept for logging.
type SearchError struct {
	Semantic error
	Keyword  error
	coded    error
}

func newSearchError(semantic, keyword error) *SearchError {
	return &SearchError{
		Semantic: semantic,
		Keyword:  keyword,
		coded: kberr.New(kberr.CodeSearchRetrievalFailure, "both retrieval paths failed",
			kberr.Field("semantic_error", errString(semantic)),
			kberr.Field("keyword_error", errString(keyword))),
	}
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search failed: semantic: %s; keyword: %s", errString(e.Semantic), errString(e.Keyword))
}

// Unwrap exposes the coded error so kberr.CodeOf reports
// search.retrieval.failure rather than a cause's code.
func (e *SearchError) Unwrap() error {
	return e.coded
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
