// Package store defines the key-value persistence boundary used by the update
// log, the proposal list and the document registry. Values are JSON documents
// held as strings under fixed keys.
package store

import (
	"context"
	"errors"
)

// Keys used by the core. Document content is stored under
// DocumentContentPrefix + document id.
const (
	KeyUpdates            = "realtime_updates"
	KeyProposals          = "completion_proposals"
	KeyDocuments          = "delivered_documents"
	DocumentContentPrefix = "document_content:"
)

// ErrKeyNotFound is returned by Get when the key holds no value.
var ErrKeyNotFound = errors.New("key not found")

// UpdateFunc receives the current value of a key (exists is false when the
// key is absent) and returns the value to store.
type UpdateFunc func(current string, exists bool) (string, error)

// Store defines the persistence interface for the shared state.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error

	// Update applies fn to the key's current value and stores the result as
	// one atomic step. Concurrent Updates of the same key are serialized,
	// including across processes for shared backends. An error from fn
	// aborts the write.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Keys returns all keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
