package extractor

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// InputErr indicates an unparsable or unsupported URL
	InputErr ErrorKind = iota

	// NotFoundErr indicates there is no content to fetch (e.g. no active stories)
	NotFoundErr

	// TooLargeErr indicates the media exceeds the configured size threshold
	TooLargeErr

	// FetchErr indicates a failure in an external service (network, private content, auth)
	FetchErr

	// IOErr indicates a failure staging or cleaning up local files
	IOErr
)

const GenericFailureReply = "Something went wrong :(\nPlease try again later."

func (k ErrorKind) String() string {
	switch k {
	case InputErr:
		return "INPUT"
	case NotFoundErr:
		return "NOT_FOUND"
	case TooLargeErr:
		return "TOO_LARGE"
	case FetchErr:
		return "FETCH"
	case IOErr:
		return "IO"
	}

	return fmt.Sprintf("UNKNOWN[%d]", int(k))
}

// Error is the error type returned by extractors and the pipeline. Reply,
// when set, is the message shown to the user in place of the generic failure.
type Error struct {
	Kind  ErrorKind
	Reply string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reply)
	}

	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func InputError(reply string, err error) *Error { return &Error{InputErr, reply, err} }
func NotFoundError(reply string, err error) *Error {
	return &Error{NotFoundErr, reply, err}
}
func TooLargeError(reply string, err error) *Error {
	return &Error{TooLargeErr, reply, err}
}
func FetchError(err error) *Error { return &Error{FetchErr, "", err} }
func IOError(err error) *Error    { return &Error{IOErr, "", err} }

// KindOf returns the ErrorKind of err, defaulting to FetchErr for
// errors not produced by this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return FetchErr
}

// ReplyFor returns the text to show a user for the error provided. When
// fallback is empty the generic failure reply is used.
func ReplyFor(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Reply != "" {
		return e.Reply
	}

	if fallback != "" {
		return fallback
	}
	return GenericFailureReply
}

// WantsNegativeReaction reports whether a failure of this kind should be
// acknowledged with a negative reaction. Input and not-found errors get an
// explanatory reply only.
func (k ErrorKind) WantsNegativeReaction() bool {
	return k != InputErr && k != NotFoundErr
}
