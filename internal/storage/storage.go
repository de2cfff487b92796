// Package storage persists harvested videos and comments and serves them back
// to readers. Backends share one capability interface and are chosen by Open.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common storage conditions.
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidInput indicates invalid or malformed input was provided,
	// such as a reply whose parent comment is unknown.
	ErrInvalidInput = errors.New("storage: invalid input")
	// ErrStorageCorrupt indicates data corruption was detected.
	ErrStorageCorrupt = errors.New("storage: data corruption detected")
	// ErrLockTimeout indicates a timeout acquiring a file lock.
	ErrLockTimeout = errors.New("storage: lock acquisition timeout")
	// ErrUnknownBackend indicates an unsupported storage type was requested.
	ErrUnknownBackend = errors.New("storage: unknown backend")
	// ErrNotInitialized is returned when a store is used before Initialize.
	ErrNotInitialized = errors.New("storage: not initialized")
)

// StorageError wraps storage errors with operation and entity context.
// Use errors.As() to extract this error type and get operation details:
//
//	var storErr *storage.StorageError
//	if errors.As(err, &storErr) {
//		fmt.Printf("Failed to %s %s %s: %v\n", storErr.Op, storErr.Entity, storErr.ID, storErr.Err)
//	}
type StorageError struct {
	// Op is the operation that failed ("init", "upsert", "read", "query").
	Op string
	// Entity is the entity type ("video", "comment", "store").
	Entity string
	// ID is the entity ID if applicable.
	ID string
	// Err is the underlying error that occurred.
	Err error
}

// Error returns a string representation of the storage error.
func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage: %s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Entity, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is() and errors.As().
func (e *StorageError) Unwrap() error { return e.Err }

// Store is the capability set every backend provides.
// Implementations must be safe for concurrent use.
type Store interface {
	VideoStore
	CommentStore
	Reader

	// Initialize prepares schema, files and directories. It is idempotent.
	Initialize(ctx context.Context) error
	// Close releases resources. It is safe to call without Initialize and
	// safe to call twice.
	Close() error
}

// VideoStore is the write and bookkeeping side for videos.
type VideoStore interface {
	// UpsertVideos inserts or replaces videos by ID.
	UpsertVideos(ctx context.Context, videos []*Video) error
	// SavedVideoIDs returns the IDs of every stored video.
	SavedVideoIDs(ctx context.Context) (map[string]struct{}, error)
	// TotalVideos counts stored videos.
	TotalVideos(ctx context.Context) (int, error)
	// LatestVideo returns the most recently published stored video,
	// or ErrNotFound when none is stored.
	LatestVideo(ctx context.Context) (*Video, error)
	// AllVideos returns every stored video, newest first.
	AllVideos(ctx context.Context) ([]*Video, error)
}

// CommentStore is the write and bookkeeping side for comments.
type CommentStore interface {
	// UpsertComments inserts or replaces comments by ID. A reply's parent must
	// be stored already or be part of the same batch.
	UpsertComments(ctx context.Context, comments []*Comment) error
	// CommentCount counts stored comments of one video, replies included.
	CommentCount(ctx context.Context, videoID string) (int, error)
	// TotalComments counts all stored comments.
	TotalComments(ctx context.Context) (int, error)
}

// Reader is the consumer-facing query API.
type Reader interface {
	ListVideos(ctx context.Context, q VideoQuery) (*VideoPage, error)
	ListComments(ctx context.Context, q CommentQuery) (*CommentPage, error)
	GetVideo(ctx context.Context, id string) (*Video, error)
	GetComment(ctx context.Context, id string) (*CommentWithVideo, error)
	SearchComments(ctx context.Context, q SearchQuery) ([]*CommentWithVideo, error)
}
