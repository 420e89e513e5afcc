// Package errdefs defines the error taxonomy shared by the generation
// pipeline. Every error surfaced to a consumer carries one Kind so callers
// can branch with errors.Is against the sentinels below.
package errdefs

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindDecode
	KindModelNotFound
	KindModelLoad
	KindTokenizer
	KindSpecialTokenNotFound
	KindInput
	KindTensor
	KindLockContention
)

var (
	ErrIO                   = errors.New("io error")
	ErrDecode               = errors.New("decode error")
	ErrModelNotFound        = errors.New("model not found")
	ErrModelLoad            = errors.New("model load error")
	ErrTokenizer            = errors.New("tokenizer error")
	ErrSpecialTokenNotFound = errors.New("special token not found")
	ErrInput                = errors.New("input error")
	ErrTensor               = errors.New("tensor error")
	ErrLockContention       = errors.New("lock contention")
)

func (k Kind) sentinel() error {
	switch k {
	case KindIO:
		return ErrIO
	case KindDecode:
		return ErrDecode
	case KindModelNotFound:
		return ErrModelNotFound
	case KindModelLoad:
		return ErrModelLoad
	case KindTokenizer:
		return ErrTokenizer
	case KindSpecialTokenNotFound:
		return ErrSpecialTokenNotFound
	case KindInput:
		return ErrInput
	case KindTensor:
		return ErrTensor
	case KindLockContention:
		return ErrLockContention
	default:
		return nil
	}
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown error"
}

// Error is a classified failure. Op names the operation that failed, Err is
// the underlying cause and may be nil.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

// Unwrap exposes both the kind sentinel and the cause, so errors.Is matches
// either.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// MarshalJSON renders the error as its message string.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Error())
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func IO(op string, err error) error        { return newError(KindIO, op, err) }
func Decode(op string, err error) error    { return newError(KindDecode, op, err) }
func ModelLoad(op string, err error) error { return newError(KindModelLoad, op, err) }
func Tokenizer(op string, err error) error { return newError(KindTokenizer, op, err) }
func Tensor(op string, err error) error    { return newError(KindTensor, op, err) }
func Input(msg string) error               { return newError(KindInput, msg, nil) }
func LockContention(op string) error       { return newError(KindLockContention, op, nil) }
func SpecialTokenNotFound(token string) error {
	return newError(KindSpecialTokenNotFound, token, nil)
}

func ModelNotFound(model string, err error) error {
	return newError(KindModelNotFound, model, err)
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
