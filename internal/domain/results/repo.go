package results

import "context"

// Repository persists ingested results and tracks per-analyte dispatch state.
type Repository interface {
	// SaveResult stores the header and its analytes in one transaction and
	// returns the new header id. Zero analytes is valid; a partial write is
	// not.
	SaveResult(ctx context.Context, header *RawResult, analytes []AnalyteResult) (int64, error)

	// GetResult returns a header by id, or nil when it does not exist.
	GetResult(ctx context.Context, id int64) (*RawResult, error)

	// ListAnalytes returns the analytes owned by a header, in insertion order.
	ListAnalytes(ctx context.Context, resultID int64) ([]AnalyteResult, error)

	// SelectPending returns up to limit analytes not yet terminally
	// dispatched, oldest first, joined with their header fields.
	SelectPending(ctx context.Context, limit int) ([]PendingAnalyte, error)

	// MarkSent records a successful dispatch: status SENT, error cleared,
	// trace path and exported_at set, attempt counter incremented.
	MarkSent(ctx context.Context, analyteID int64, path string) error

	// MarkError records a failed attempt: status ERROR, message stored,
	// attempt counter incremented. The row stays eligible for retry.
	MarkError(ctx context.Context, analyteID int64, msg string) error

	// MarkMappingNotFound is MarkError with the distinct status used when
	// no client code exists for the analyte.
	MarkMappingNotFound(ctx context.Context, analyteID int64, msg string) error
}
