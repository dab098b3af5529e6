package convert

import (
	"errors"
	"fmt"
)

// Kind classifies conversion failures so callers can pick a response
// without matching on message text.
type Kind int

const (
	// KindSourceRead means the source bytes could not be decoded as an
	// image. Retrying will not help without user intervention.
	KindSourceRead Kind = iota + 1
	// KindConfiguration means the device orientation/resolution or another
	// conversion parameter is missing or invalid.
	KindConfiguration
	// KindPartialWrite marks cleanup failures (e.g. deleting a stale
	// upload). These are logged by the caller and never propagated.
	KindPartialWrite
)

func (k Kind) String() string {
	switch k {
	case KindSourceRead:
		return "source read"
	case KindConfiguration:
		return "configuration"
	case KindPartialWrite:
		return "partial write"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by every pipeline stage.
type Error struct {
	Kind Kind
	Op   string // stage or operation, e.g. "fit", "decode"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "convert: " + e.Op + ": " + e.Kind.String() + " error"
	}
	return "convert: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err (or anything it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == k
	}
	return false
}

func sourceErr(op string, err error) error {
	return &Error{Kind: KindSourceRead, Op: op, Err: err}
}

func configErr(op, format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// PartialWrite wraps a cleanup failure. Exported for plugins that delete
// their own files.
func PartialWrite(op string, err error) error {
	return &Error{Kind: KindPartialWrite, Op: op, Err: err}
}
