package vectorstore

import "context"

// Backend persists records. The store serializes every call that mutates
// the backend, so implementations need not be safe for concurrent writers.
type Backend interface {
	// Prepare creates whatever storage the backend needs. It must be idempotent.
	Prepare(ctx context.Context) error
	// Load calls visit for each persisted record until visit returns false.
	Load(ctx context.Context, visit func(RawRecord) bool) error
	Exists(ctx context.Context, id string) (bool, error)
	Put(ctx context.Context, rec *Record) error
	// Delete removes id. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}

// LegacySource is implemented by backends that can find records in an older
// single-file format. The store migrates them once and then retires the source.
type LegacySource interface {
	LegacyRecords(ctx context.Context) (records []RawRecord, found bool, err error)
	RetireLegacy(ctx context.Context) error
}
