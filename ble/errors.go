package ble

import (
	"errors"
	"fmt"
)

// Kind classifies link-layer failures so callers can branch on them
// without inspecting error text.
type Kind int

const (
	// KindRadioUnavailable means the host stack refused to power on.
	KindRadioUnavailable Kind = iota + 1
	// KindNoDeviceFound means no matching peripheral was advertising.
	KindNoDeviceFound
	// KindConnectFailed means the peripheral could not be reached or
	// dropped before the session was established.
	KindConnectFailed
	// KindConnectionDropped means an established session lost its link.
	KindConnectionDropped
	// KindProtocolTimeout means the peripheral did not answer in time.
	KindProtocolTimeout
	// KindProtocolError means the peripheral answered with garbage.
	KindProtocolError
	// KindEncodingError means a payload or identifier could not be encoded.
	KindEncodingError
)

func (k Kind) String() string {
	switch k {
	case KindRadioUnavailable:
		return "radio unavailable"
	case KindNoDeviceFound:
		return "no device found"
	case KindConnectFailed:
		return "connect failed"
	case KindConnectionDropped:
		return "connection dropped"
	case KindProtocolTimeout:
		return "protocol timeout"
	case KindProtocolError:
		return "protocol error"
	case KindEncodingError:
		return "encoding error"
	default:
		return "unknown"
	}
}

// Error is a tagged link-layer failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, so errors.Is(err, kind
// sentinel) works across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Kind sentinels for errors.Is matching.
var (
	ErrRadioUnavailable  = &Error{Kind: KindRadioUnavailable}
	ErrNoDeviceFound     = &Error{Kind: KindNoDeviceFound}
	ErrConnectFailed     = &Error{Kind: KindConnectFailed}
	ErrConnectionDropped = &Error{Kind: KindConnectionDropped}
	ErrProtocolTimeout   = &Error{Kind: KindProtocolTimeout}
	ErrProtocolError     = &Error{Kind: KindProtocolError}
	ErrEncodingError     = &Error{Kind: KindEncodingError}
)

// Errorf builds a tagged error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WrapErr tags an underlying error unless it already carries a kind.
func WrapErr(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var tagged *Error
	return errors.As(err, &tagged) && tagged.Kind == kind
}
