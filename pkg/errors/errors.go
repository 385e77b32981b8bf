// Package errors provides coded errors shared across kbsearch components.
//
// Every error carries a machine-readable Code of the form
// "<component>.<entity>.<reason>". Callers branch on the reason with the
// Is* helpers instead of matching message text.
package errors

import (
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeSearchQueryInvalid      Code = "search.query.invalid"
	CodeSearchRetrievalFailure  Code = "search.retrieval.failure"
	CodeSearchDependencyMissing Code = "search.dependency.invalid"

	CodeStoreEntityNotFound   Code = "store.entity.not_found"
	CodeStoreDatabaseFailure  Code = "store.database.failure"
	CodeStoreInvalidInput     Code = "store.invalid_input"
	CodeStoreMigrationFailure Code = "store.migration.failure"

	CodeEmbedderRequestInvalid  Code = "embedder.request.invalid"
	CodeEmbedderUpstreamFailure Code = "embedder.provider.upstream.failure"
	CodeEmbedderNotConfigured   Code = "embedder.provider.invalid"

	CodeCacheBackendFailure Code = "cache.backend.failure"
	CodeCacheConfigInvalid  Code = "cache.config.invalid"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeRateLimitInvalid Code = "ratelimit.limit.invalid"

	CodeIngestDocumentInvalid Code = "ingest.document.invalid"
	CodeIngestLockConflict    Code = "ingest.lock.conflict"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).Wrapf(err, format, args...)
}

// CodeOf returns the code carried by err, or "" for plain errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

// FieldsOf returns the structured context attached to err.
func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value"
}

func reason(code Code) string {
	s := string(code)
	if i := strings.LastIndex(s, "."); i >= 0 {
		return s[i+1:]
	}
	return s
}

func flatten(fields []Attr) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}
