package harvest

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so boundaries can react without inspecting messages.
type Kind int

// Error kinds, ordered roughly by where in the pipeline they arise.
const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindScheduling
	KindFetch
	KindIndex
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindScheduling:
		return "scheduling"
	case KindFetch:
		return "fetch"
	case KindIndex:
		return "index"
	default:
		return "internal"
	}
}

// Error is a failure tagged with a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds a tagged error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a tagged error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost tagged error in err's chain.
// Untagged errors are internal.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindInternal
}

// IsKind reports whether err is tagged with kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
