package core

import "context"

// Fields is the body of a stored document or collection entry.
type Fields map[string]any

// Entry is one element of an append-only ordered collection.
type Entry struct {
	ID     string `msgpack:"id" json:"id"`
	Fields Fields `msgpack:"fields" json:"fields"`
}

// DocEvent is delivered to document listeners on every mutation.
// Exists is false once the document has been deleted.
type DocEvent struct {
	Path   string `msgpack:"path" json:"path"`
	Exists bool   `msgpack:"exists" json:"exists"`
	Fields Fields `msgpack:"fields,omitempty" json:"fields,omitempty"`
}

// Unsubscribe stops a listener. After it returns no further callbacks are
// started. It is safe to call more than once.
type Unsubscribe func()

// DocStore abstracts the shared document store used as the signaling relay.
// Paths are slash separated; a collection lives under a document path
// ("calls/{id}/callerCandidates") and is removed with it.
type DocStore interface {
	// Create persists a new document, failing with ErrAlreadyExists.
	Create(ctx context.Context, path string, f Fields) error
	// Get reads a document, failing with ErrNotFound.
	Get(ctx context.Context, path string) (Fields, error)
	// Update merges top-level fields into an existing document.
	Update(ctx context.Context, path string, f Fields) error
	// Delete removes a document and every collection below it.
	Delete(ctx context.Context, path string) error
	// Append adds an entry to a collection and returns its id.
	Append(ctx context.Context, collection string, f Fields) (string, error)
	// WatchDoc fires with the current document (if present) and then on
	// every mutation, including deletion.
	WatchDoc(ctx context.Context, path string, fn func(DocEvent)) (Unsubscribe, error)
	// WatchCollection fires once per entry, existing entries first, in
	// append order.
	WatchCollection(ctx context.Context, collection string, fn func(Entry)) (Unsubscribe, error)
}
