package store

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
)

// Version is the opaque optimistic-concurrency token accompanying every
// read. It must match on write; a mismatch is reported as
// ErrVersionConflict (a typed kind, never derived from error-string
// matching).
type Version string

// ErrVersionConflict means the store moved on between Read and Write.
// Single-entry operations retry once with a re-read; batches and merges
// surface it to the caller.
var ErrVersionConflict = errors.New("store version conflict")

// EntryStore holds the full record collection as one unit. Every request
// re-reads the collection at the start and writes it back wholesale.
type EntryStore interface {
	Read(ctx context.Context) ([]models.Entry, Version, error)
	Write(ctx context.Context, entries []models.Entry, expected Version) (Version, error)
}

// BlobStore is the raw keyed-blob view used by the event log.
// A missing path reads as (nil, "", nil).
type BlobStore interface {
	GetBlob(ctx context.Context, path string) ([]byte, Version, error)
	PutBlob(ctx context.Context, path string, content []byte, expected Version) (Version, error)
}
