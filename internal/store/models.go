package store

import "time"

// Document is the metadata record for one synchronized document. TeamScope is
// immutable after creation; StoragePath is derived from the ID and never
// user-supplied; SyncVersion increases by exactly 1 per successful state write.
type Document struct {
	ID               string
	TeamScope        string
	Title            string
	DocumentKind     string
	StoragePath      string
	StorageSizeBytes int64
	SyncVersion      int64
	LastSyncAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MetadataPatch carries the mutable non-binary attributes. Nil means "leave
// unchanged".
type MetadataPatch struct {
	Title        *string
	DocumentKind *string
}
