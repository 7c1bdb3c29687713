package apkpackage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrorKind classifies why an acquisition failed.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	NotFound
	VersionNotFound
	AmbiguousVariant
	SourceUnavailable
	SignatureInvalid
	FingerprintMismatch
	ChecksumMismatch
	IOFailure
	InvalidRequest
	Cancelled
)

var kindNames = [...]string{
	Unknown:             "Unknown",
	NotFound:            "NotFound",
	VersionNotFound:     "VersionNotFound",
	AmbiguousVariant:    "AmbiguousVariant",
	SourceUnavailable:   "SourceUnavailable",
	SignatureInvalid:    "SignatureInvalid",
	FingerprintMismatch: "FingerprintMismatch",
	ChecksumMismatch:    "ChecksumMismatch",
	IOFailure:           "IOFailure",
	InvalidRequest:      "InvalidRequest",
	Cancelled:           "Cancelled",
}

func (k ErrorKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON and YAML reports.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Retryable reports whether a later run may succeed without user action.
func (k ErrorKind) Retryable() bool {
	return k == SourceUnavailable
}

// Integrity reports whether the kind is a signature or checksum failure.
func (k ErrorKind) Integrity() bool {
	switch k {
	case SignatureInvalid, FingerprintMismatch, ChecksumMismatch:
		return true
	}
	return false
}

// Error carries an ErrorKind through ordinary error wrapping.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Errorf builds a kinded error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err. A nil err yields nil.
func Wrap(kind ErrorKind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the outermost ErrorKind in err's chain. Context
// cancellation maps to Cancelled; any other unclassified error is Unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Unknown
}

// IsKind reports whether err's chain carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// ValidateIdentifier checks that id looks like an Android application id.
// Single-segment ids are accepted since some stores list them.
func ValidateIdentifier(id string) error {
	if id == "" {
		return Errorf(InvalidRequest, "empty application id")
	}
	if !identifierPattern.MatchString(id) {
		return Errorf(InvalidRequest, "invalid application id %q", id)
	}
	return nil
}
