// Package storage holds the durable byte-level persistence adapters
// documents sit on top of. Backends deal in opaque blobs keyed by
// document id; everything above this layer (repo) is responsible for
// encoding/decoding crdt.Document state.
package storage

import (
	"context"

	"github.com/tonk-labs/tonk/common"
)

// Backend persists the serialized state of documents. Implementations
// must make Put atomic with respect to concurrent Get calls: a reader
// should never observe a partially written value.
type Backend interface {
	// Put stores data under id, replacing any previous value.
	Put(ctx context.Context, id common.DocumentId, data []byte) error

	// Get returns the stored bytes for id, or a StorageError wrapping
	// ErrNotFound (match it with errors.Is) when absent.
	Get(ctx context.Context, id common.DocumentId) ([]byte, error)

	// Delete removes the stored value for id. It is not an error to
	// delete a key that does not exist.
	Delete(ctx context.Context, id common.DocumentId) error

	// ListIDs returns every document id currently stored.
	ListIDs(ctx context.Context) ([]common.DocumentId, error)

	// Close releases any resources held by the backend.
	Close() error
}

// ErrNotFound is returned (wrapped in a StorageError) by Get when the
// requested id has no stored value. An alias of common.ErrNotFound so
// existing callers that check storage.ErrNotFound keep working.
var ErrNotFound = common.ErrNotFound

// notFoundError builds the StorageError Get returns for a missing id.
func notFoundError(id common.DocumentId) error {
	return common.StorageError{Code: "get", ID: id, Err: ErrNotFound}
}
