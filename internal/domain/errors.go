package domain

import "errors"

var (
	// ErrFetchFailed signals an exhausted retry budget while paging the registry.
	// Fatal for the ingestion run; the last good cursor is reported alongside.
	ErrFetchFailed = errors.New("registry fetch failed")
	// ErrSchemaMismatch signals a malformed raw record. The record is skipped
	// and logged; it never aborts the batch.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrSnapshotCorrupt signals a manifest checksum mismatch on snapshot read.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
	// ErrEmbeddingFailed signals an embedding batch that exhausted its retries.
	ErrEmbeddingFailed = errors.New("embedding failed")
	// ErrIndexWrite signals a per-point upsert that exhausted its retries.
	ErrIndexWrite = errors.New("index write failed")
	// ErrModelMismatch signals vectors embedded under a model identifier other
	// than the one the target collection was declared for.
	ErrModelMismatch = errors.New("embedding model mismatch")
	// ErrRetrievalUnavailable signals an unreachable index at query time.
	// Fatal for that request only.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
)
