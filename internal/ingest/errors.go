package ingest

import (
	"context"
	"errors"

	"github.com/mkrv/docflow/internal/parser"
)

// Validation errors returned by Submit before any work is queued. The HTTP
// layer maps them to 4xx responses.
var (
	ErrInvalidFileType = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file exceeds the size limit")
	ErrShuttingDown    = errors.New("ingest pipeline is shutting down")
)

// errNoParsedContent fails an index stage for a document whose parse
// produced nothing indexable. Re-running the stage cannot help.
var errNoParsedContent = errors.New("document has no parsed content")

// FailureKind classifies a stage failure for retry and reporting decisions.
type FailureKind string

const (
	// FailureTransient covers outages and overload; the stage is retried
	// with backoff.
	FailureTransient FailureKind = "transient"
	// FailurePermanent covers inputs a dependency rejected; retrying would
	// reproduce the same failure.
	FailurePermanent FailureKind = "permanent"
	// FailureCanceled means the stage was cancelled mid-flight, usually by a
	// document delete or a shutdown.
	FailureCanceled FailureKind = "canceled"
)

// statusCoder is implemented by the error types of the parser, embedding,
// vector store and LLM clients.
type statusCoder interface {
	HTTPStatus() int
}

// Classify maps a stage error onto a FailureKind. Unknown errors default to
// transient: retrying an unclassified failure is cheap, while giving up on a
// recoverable one loses the document.
func Classify(err error) FailureKind {
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}
	// A deadline on a dependency call is an outage symptom, not a caller
	// cancellation. The per-call HTTP client timeouts surface here.
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	if errors.Is(err, parser.ErrUnsupportedFormat) || errors.Is(err, errNoParsedContent) {
		return FailurePermanent
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		// 408 and 429 signal load, not a bad request.
		if code >= 400 && code < 500 && code != 408 && code != 429 {
			return FailurePermanent
		}
		return FailureTransient
	}
	return FailureTransient
}
