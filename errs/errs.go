// Package errs holds the failure taxonomy shared by the dataset pipeline.
// Every failure raised by the pipeline is fatal for the run; the kind only
// tells the operator what to fix before rerunning.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a pipeline failure
type Kind int

const (
	// Config is a bad run setup: missing manifest key, duplicate class names
	Config Kind = iota + 1
	// Resolution is a class display name unknown to the label table
	Resolution
	// NotFound is a missing manifest, table or annotation file
	NotFound
	// Transport is a failed download
	Transport
	// Integrity is a malformed input row or an unreadable image
	Integrity
)

// String returns a readable name of the kind
func (k Kind) String() string {
	switch k {
	case Config:
		return "config error"
	case Resolution:
		return "resolution error"
	case NotFound:
		return "not found"
	case Transport:
		return "transport error"
	case Integrity:
		return "integrity error"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Error is a classified failure. Subject names the class, split, file or
// URL the failure is about.
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Subject != "" {
		msg += " [" + e.Subject + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets github.com/pkg/errors.Cause walk through an Error
func (e *Error) Cause() error { return e.Err }

// New returns a classified error with a formatted cause.
func New(kind Kind, op, subject, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: errors.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// Is reports whether any error in err's chain is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
