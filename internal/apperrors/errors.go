package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrShutdown = errors.New("shutdown error")

	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrJobNotFound      = errors.New("job does not exist")
	ErrLeaseLost        = errors.New("lease lost")
	ErrLeaseExpired     = errors.New("lease expired")

	ErrEmailDoesNotExist   = errors.New("email record does not exist")
	ErrContactDoesNotExist = errors.New("contact does not exist")
	ErrNoRecipients        = errors.New("no recipients provided")
)

// DeliveryError wraps a transport failure. Permanent errors cannot succeed on
// retry (malformed address, 5xx reply).
type DeliveryError struct {
	Err       error
	permanent bool
}

func NewDeliveryError(err error, permanent bool) *DeliveryError {
	return &DeliveryError{Err: err, permanent: permanent}
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (e *DeliveryError) Permanent() bool {
	return e.permanent
}

// IsPermanent reports whether any error in err's chain declares itself permanent.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	if errors.As(err, &p) {
		return p.Permanent()
	}

	return false
}

type AttachmentFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *AttachmentFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to fetch attachment %s: unexpected status %d", e.URL, e.StatusCode)
	}

	return fmt.Sprintf("failed to fetch attachment %s: %v", e.URL, e.Err)
}

func (e *AttachmentFetchError) Unwrap() error {
	return e.Err
}

// StatusWriteError means a terminal status could not be persisted after all
// write attempts; the record stays Pending.
type StatusWriteError struct {
	EmailID  string
	Status   string
	Attempts int
	Err      error
}

func (e *StatusWriteError) Error() string {
	return fmt.Sprintf("failed to write status %s for email %s after %d attempts: %v", e.Status, e.EmailID, e.Attempts, e.Err)
}

func (e *StatusWriteError) Unwrap() error {
	return e.Err
}
