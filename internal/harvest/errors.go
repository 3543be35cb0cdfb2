package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a unit failure for the retry governor.
type Kind string

// Failure kinds routed by the governor.
const (
	// KindTransient covers timeouts, connection resets, and 5xx responses.
	// Retried with linear backoff, bounded.
	KindTransient Kind = "transient"
	// KindRateLimited covers 429 responses and detected block pages.
	// Retried with a longer backoff.
	KindRateLimited Kind = "rate-limited"
	// KindPermanent covers non-429 4xx responses and malformed locators.
	// Never retried.
	KindPermanent Kind = "permanent"
	// KindPersistence marks a failed flush to durable storage.
	KindPersistence Kind = "persistence"
)

// UnitError wraps a unit failure with its classification.
type UnitError struct {
	Kind Kind
	Unit WorkUnit
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s: unit %s: %v", e.Kind, e.Unit.Locator, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// NewUnitError builds a classified unit error.
func NewUnitError(kind Kind, unit WorkUnit, err error) *UnitError {
	return &UnitError{Kind: kind, Unit: unit, Err: err}
}

// KindOf extracts the classification from err, classifying raw errors that
// were not wrapped by a fetcher.
func KindOf(err error) Kind {
	var ue *UnitError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return classifyErr(err)
}

// ClassifyStatus maps an HTTP status code onto the failure taxonomy. A zero
// kind means the status is not a failure.
func ClassifyStatus(code int) (Kind, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited, true
	case code >= 500:
		return KindTransient, true
	case code >= 400:
		return KindPermanent, true
	default:
		return "", false
	}
}

func classifyErr(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindTransient
}

// Retryable reports whether a failure of this kind may be attempted again.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}
