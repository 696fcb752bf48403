// Package docstore provides a small document store with hierarchical paths,
// shallow partial merges, and collection listing, backed by SQLite.
package docstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a document does not exist at the given path.
var ErrNotFound = errors.New("document not found")

// Document is a stored record. Data holds the decoded JSON body.
type Document struct {
	Path      string
	Data      map[string]any
	CreatedAt int64 // unix millis
	UpdatedAt int64 // unix millis
}

// Store is a hierarchical document store. Paths use slash-separated
// segments, e.g. "apps/demo/users/u1/state". A document's collection is
// everything up to its last segment.
type Store interface {
	// Get returns the document at path, or ErrNotFound.
	Get(ctx context.Context, path string) (*Document, error)

	// Set writes the full document body at path, creating or replacing it.
	Set(ctx context.Context, path string, data map[string]any) error

	// Merge applies a partial update to the document at path, creating it
	// if absent. Keys may use dotted field paths ("state.count") to update
	// nested fields without replacing siblings. A nil value deletes the
	// field.
	Merge(ctx context.Context, path string, fields map[string]any) error

	// Delete removes the document at path. Deleting a missing document is
	// not an error.
	Delete(ctx context.Context, path string) error

	// DeleteCollection removes every document whose collection is exactly
	// the given path.
	DeleteCollection(ctx context.Context, collection string) error

	// List returns the documents in a collection ordered by creation time.
	List(ctx context.Context, collection string) ([]*Document, error)

	// Scan returns the paths of all documents under the given prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Collection returns the collection portion of a document path, or "" if
// the path has a single segment.
func Collection(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// Name returns the final segment of a document path.
func Name(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// Join builds a path from segments, skipping empty ones.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}
