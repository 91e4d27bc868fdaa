// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by every component. Callers match with errors.Is;
// components wrap them with fmt.Errorf("...: %w") to add context.
var (
	// Request errors
	ErrInvalidArgument   = errors.New("cv2x: invalid argument")
	ErrAlready           = errors.New("cv2x: already in progress or exists")
	ErrResourceExhausted = errors.New("cv2x: resource exhausted")
	ErrInvalidState      = errors.New("cv2x: invalid state")

	// Service errors
	ErrServiceUnavailable = errors.New("cv2x: service unavailable")
	ErrServiceFailed      = errors.New("cv2x: service failed")

	// Metadata codec errors
	ErrMetadataEmpty     = errors.New("cv2x: no metadata present")
	ErrMetadataTruncated = errors.New("cv2x: metadata truncated")
	ErrMetadataMalformed = errors.New("cv2x: metadata malformed")
)

// IsRetryable reports whether err is transient and the request may be
// repeated once the service becomes ready again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrAlready)
}
