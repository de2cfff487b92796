package ytharvest

import (
	"errors"

	"ytharvest/internal/checkpoint"
	"ytharvest/internal/storage"
	"ytharvest/internal/youtube"
)

// Type aliases for convenient error handling.
type (
	// APIError wraps a failed provider call with its operation and resource.
	APIError = youtube.APIError
	// StorageError wraps a failed storage operation.
	StorageError = storage.StorageError
)

// Provider errors.
var (
	// ErrQuotaExceeded means the daily budget is spent, locally or upstream.
	ErrQuotaExceeded = youtube.ErrQuotaExceeded
	// ErrTransient marks a server error that may succeed on a later attempt.
	ErrTransient = youtube.ErrTransient
	// ErrCommentsDisabled means a video does not accept comments.
	ErrCommentsDisabled = youtube.ErrCommentsDisabled
	// ErrProvider is any other rejected provider call.
	ErrProvider = youtube.ErrProvider
	// ErrChannelNotFound means the channel reference resolved to nothing.
	ErrChannelNotFound = youtube.ErrChannelNotFound
)

// Storage errors.
var (
	// ErrNotFound indicates an entity was not found in storage.
	ErrNotFound = storage.ErrNotFound
	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = storage.ErrInvalidInput
	// ErrStorageCorrupt indicates data corruption was detected.
	ErrStorageCorrupt = storage.ErrStorageCorrupt
	// ErrLockTimeout indicates a timeout acquiring a file lock.
	ErrLockTimeout = storage.ErrLockTimeout
	// ErrUnknownBackend indicates an unsupported storage type.
	ErrUnknownBackend = storage.ErrUnknownBackend
)

// ErrCheckpointCorrupt is logged when a checkpoint file cannot be parsed;
// the run then starts from defaults.
var ErrCheckpointCorrupt = checkpoint.ErrCorrupt

// IsQuotaExceeded reports whether err ended a run because the quota ran out.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsRetryable reports whether a later attempt may succeed without any change
// on the caller's side: a server error, or a quota that resets tomorrow.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrQuotaExceeded)
}
