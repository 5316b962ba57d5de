package engine

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/tubefetch/tubefetch/internal/engine/transfer"
	"github.com/tubefetch/tubefetch/internal/ffmpeg"
	"github.com/tubefetch/tubefetch/internal/innertube"
)

var (
	// ErrInvalidURL means the request URL is not a recognized video URL.
	ErrInvalidURL = errors.New("invalid or unsupported video url")

	// ErrThrottled means the platform rejected requests due to rate limiting.
	ErrThrottled = errors.New("throttled by the platform")

	// ErrFormatNotAvailable means no stream satisfies the requested
	// quality/format combination.
	ErrFormatNotAvailable = errors.New("requested format is not available")

	// ErrPlaylistPrivate means the content requires authentication.
	ErrPlaylistPrivate = errors.New("content is private")

	// ErrVideoUnavailable means the video cannot be played at all.
	ErrVideoUnavailable = errors.New("video is unavailable")

	// ErrCancelled mirrors the transfer-level cancellation sentinel so
	// callers only need to import this package.
	ErrCancelled = transfer.ErrCancelled
)

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure: %v", e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// StorageError wraps a local filesystem or database failure.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// UnknownError wraps failures that do not fit any other category.
type UnknownError struct {
	Cause error
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unexpected failure: %v", e.Cause)
}

func (e *UnknownError) Unwrap() error {
	return e.Cause
}

// IsCancelled reports whether err represents a user cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Classify maps lower-layer failures onto the engine error taxonomy. Errors
// already in the taxonomy pass through unchanged; anything unrecognized is
// wrapped in UnknownError.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrInvalidURL),
		errors.Is(err, ErrThrottled),
		errors.Is(err, ErrFormatNotAvailable),
		errors.Is(err, ErrPlaylistPrivate),
		errors.Is(err, ErrVideoUnavailable),
		errors.Is(err, ErrCancelled):
		return err
	case errors.Is(err, innertube.ErrNoUsableStreams):
		return fmt.Errorf("%w: %v", ErrFormatNotAvailable, err)
	case errors.Is(err, innertube.ErrNoPlayerResponse):
		return fmt.Errorf("%w: %v", ErrVideoUnavailable, err)
	case errors.Is(err, transfer.ErrEmptyResponse):
		return &NetworkError{Cause: err}
	}

	var playability *innertube.PlayabilityError
	if errors.As(err, &playability) {
		return classifyPlayability(playability)
	}

	var status *transfer.StatusError
	if errors.As(err, &status) {
		if status.Status == 429 {
			return fmt.Errorf("%w: %v", ErrThrottled, err)
		}

		return &NetworkError{Cause: err}
	}

	var conversion *ffmpeg.ConversionError
	if errors.As(err, &conversion) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{Cause: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &NetworkError{Cause: err}
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}

	var networkErr *NetworkError
	if errors.As(err, &networkErr) {
		return err
	}

	var unknownErr *UnknownError
	if errors.As(err, &unknownErr) {
		return err
	}

	return &UnknownError{Cause: err}
}

func classifyPlayability(pe *innertube.PlayabilityError) error {
	switch pe.Status {
	case "LOGIN_REQUIRED":
		return fmt.Errorf("%w: %s", ErrPlaylistPrivate, pe.Reason)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrVideoUnavailable, pe.Reason, pe.Status)
	}
}
