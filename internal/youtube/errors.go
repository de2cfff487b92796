package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// Sentinel errors for the failure kinds callers act on.
var (
	// ErrQuotaExceeded means the local budget reached its safety margin or the
	// provider rejected the call for quota reasons. Stop and resume later.
	ErrQuotaExceeded = errors.New("youtube: quota exceeded")
	// ErrTransient marks a server-side failure that may succeed when retried.
	ErrTransient = errors.New("youtube: transient server error")
	// ErrCommentsDisabled means the video does not accept comments.
	ErrCommentsDisabled = errors.New("youtube: comments disabled")
	// ErrProvider is any other provider failure.
	ErrProvider = errors.New("youtube: provider error")
	// ErrNotFound means the requested resource does not exist.
	ErrNotFound = errors.New("youtube: not found")
	// ErrChannelNotFound indicates the YouTube channel does not exist.
	ErrChannelNotFound = errors.New("youtube: channel not found")
	// ErrTooManyIDs is returned when more than MaxIDsPerCall ids are passed.
	ErrTooManyIDs = errors.New("youtube: too many ids in one call")
	// ErrInvalidChannel indicates a channel reference that cannot be parsed.
	ErrInvalidChannel = errors.New("youtube: invalid channel reference")
)

// APIError wraps a failed provider operation.
// Use errors.As() to get the operation details:
//
//	var apiErr *youtube.APIError
//	if errors.As(err, &apiErr) {
//		fmt.Printf("%s %s failed: %v\n", apiErr.Op, apiErr.Resource, apiErr.Err)
//	}
type APIError struct {
	// Op is the operation ("list", "resolve").
	Op string
	// Resource is the endpoint family ("playlistItems", "commentThreads", ...).
	Resource string
	// ID is the channel, playlist or video the call was about.
	ID  string
	Err error
}

func (e *APIError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("youtube: %s %s %s: %v", e.Op, e.Resource, e.ID, e.Err)
	}
	return fmt.Sprintf("youtube: %s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// classify maps a raw client error onto the sentinel kinds while keeping the
// original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("%w: %w", ErrProvider, err)
	}

	switch {
	case gerr.Code == http.StatusForbidden && hasReason(gerr, "quotaExceeded", "dailyLimitExceeded", "rateLimitExceeded", "userRateLimitExceeded"):
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	case gerr.Code == http.StatusForbidden && hasReason(gerr, "commentsDisabled"):
		return fmt.Errorf("%w: %w", ErrCommentsDisabled, err)
	case gerr.Code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case gerr.Code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	default:
		return fmt.Errorf("%w: %w", ErrProvider, err)
	}
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}

func isTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
