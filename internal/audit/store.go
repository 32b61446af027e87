package audit

import "context"

// Store persists audit exception records.
type Store interface {
	// Append writes one immutable exception record.
	Append(ctx context.Context, rec ExceptionRecord) error

	// ListRecent returns up to limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]ExceptionRecord, error)
}
