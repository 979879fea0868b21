package credential

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation on a credential did not succeed.
type Kind int

const (
	KindNone Kind = iota
	KindIncompleteCredential
	KindLocallyExpired
	KindUnauthorized
	KindServerError
	KindTimeout
	KindNetworkError
	KindParseError
	KindStoreUnavailable
	KindNotFound
	KindValidationFailed
)

var kindNames = map[Kind]string{
	KindNone:                 "none",
	KindIncompleteCredential: "incomplete_credential",
	KindLocallyExpired:       "locally_expired",
	KindUnauthorized:         "unauthorized",
	KindServerError:          "server_error",
	KindTimeout:              "timeout",
	KindNetworkError:         "network_error",
	KindParseError:           "parse_error",
	KindStoreUnavailable:     "store_unavailable",
	KindNotFound:             "not_found",
	KindValidationFailed:     "validation_failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON and logs.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is the typed failure returned across the store, client and manager
// boundaries.
type Error struct {
	Kind   Kind
	Status int // HTTP status, when one was received
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind with a formatted detail.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, err error, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the kind carried by err, or KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf returns the HTTP status recorded on err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
