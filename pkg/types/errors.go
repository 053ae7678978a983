package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrorKind classifies venue failures for failover decisions
type ErrorKind string

const (
	ErrorKindConnectivity   ErrorKind = "CONNECTIVITY"
	ErrorKindAuthentication ErrorKind = "AUTHENTICATION"
	ErrorKindRateLimit      ErrorKind = "RATE_LIMIT"
	ErrorKindMaintenance    ErrorKind = "MAINTENANCE"
	ErrorKindProtocol       ErrorKind = "PROTOCOL"
	ErrorKindRejected       ErrorKind = "REJECTED"
)

// Advances reports whether the executor moves on to the next candidate after this kind
func (k ErrorKind) Advances() bool {
	switch k {
	case ErrorKindConnectivity, ErrorKindRateLimit, ErrorKindMaintenance, ErrorKindRejected:
		return true
	}
	return false
}

// External error codes
const (
	CodeAllExchangesUnavailable = "ALL_EXCHANGES_UNAVAILABLE"
	CodeAuthError               = "AUTH_ERROR"
	CodeProtocolError           = "PROTOCOL_ERROR"
	CodeNoCandidate             = "NO_CANDIDATE"
	CodeNoPriceAvailable        = "NO_PRICE_AVAILABLE"
	CodeRateLimited             = "RATE_LIMITED"
	CodeUnavailable             = "VENUE_UNAVAILABLE"
	CodeRejected                = "REJECTED"
)

var (
	ErrAllExchangesUnavailable = errors.New("all exchanges unavailable")
	ErrNoCandidate             = errors.New("no candidate venue")
	ErrNoPriceAvailable        = errors.New("no price available")
	ErrVenueNotFound           = errors.New("venue not found")
)

// VenueError is a classified failure returned by a venue
type VenueError struct {
	Venue   string
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

// NewVenueError creates a classified venue error
func NewVenueError(venue string, kind ErrorKind, code, message string, err error) *VenueError {
	return &VenueError{Venue: venue, Kind: kind, Code: code, Message: message, Err: err}
}

func (e *VenueError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s error", e.Venue, strings.ToLower(string(e.Kind)))
	if e.Code != "" {
		fmt.Fprintf(&b, " (code %s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

// KindOf classifies any error returned by a venue call
func KindOf(err error) ErrorKind {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorKindConnectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorKindConnectivity
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrorKindConnectivity
	}
	return ErrorKindProtocol
}

// Classify wraps err into a VenueError unless it already is one
func Classify(venue string, err error) error {
	if err == nil {
		return nil
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return err
	}
	return NewVenueError(venue, KindOf(err), "", "", err)
}

// AllExchangesUnavailableError is returned when a failover chain is exhausted
type AllExchangesUnavailableError struct {
	Symbol   string
	Attempts []Attempt
	Cause    error
}

func (e *AllExchangesUnavailableError) Error() string {
	if len(e.Attempts) == 0 {
		if e.Cause != nil {
			return fmt.Sprintf("all exchanges unavailable for %s: %v", e.Symbol, e.Cause)
		}
		return fmt.Sprintf("all exchanges unavailable for %s", e.Symbol)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s(%s)", a.Venue, a.Outcome, a.Reason))
	}
	return fmt.Sprintf("all exchanges unavailable for %s: %s", e.Symbol, strings.Join(parts, ", "))
}

// Is matches ErrAllExchangesUnavailable and the underlying cause
func (e *AllExchangesUnavailableError) Is(target error) bool {
	return target == ErrAllExchangesUnavailable
}

func (e *AllExchangesUnavailableError) Unwrap() error {
	return e.Cause
}

// AllRejected reports whether every venue that received the order rejected it for a business reason
func (e *AllExchangesUnavailableError) AllRejected() bool {
	sent := 0
	for _, a := range e.Attempts {
		if a.Outcome != AttemptFailed {
			continue
		}
		sent++
		if a.Kind != ErrorKindRejected {
			return false
		}
	}
	return sent > 0
}

// Code maps an error to the external error code
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAllExchangesUnavailable):
		return CodeAllExchangesUnavailable
	case errors.Is(err, ErrNoCandidate):
		return CodeNoCandidate
	case errors.Is(err, ErrNoPriceAvailable):
		return CodeNoPriceAvailable
	}
	switch KindOf(err) {
	case ErrorKindAuthentication:
		return CodeAuthError
	case ErrorKindRateLimit:
		return CodeRateLimited
	case ErrorKindConnectivity, ErrorKindMaintenance:
		return CodeUnavailable
	case ErrorKindRejected:
		return CodeRejected
	default:
		return CodeProtocolError
	}
}
