// Package envelope defines the uniform result shape returned by every
// network operation: a success value or a Failure, never both.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is a coarse failure taxonomy tag.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindHTTP       Kind = "http"
	KindDecode     Kind = "decode"
	KindChannel    Kind = "channel"
	KindValidation Kind = "validation"
)

// Failure describes why an operation did not produce a value.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Detail  any    `json:"detail,omitempty"`
}

func (f *Failure) Error() string {
	if f.Code != 0 {
		return fmt.Sprintf("%s failure (%d): %s", f.Kind, f.Code, f.Message)
	}
	return fmt.Sprintf("%s failure: %s", f.Kind, f.Message)
}

// NewFailure builds a Failure without detail.
func NewFailure(kind Kind, code int, message string) *Failure {
	return &Failure{Kind: kind, Code: code, Message: message}
}

// AsFailure returns err as a *Failure. Errors that are not already a
// Failure are wrapped with the given kind and code 0.
func AsFailure(kind Kind, err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: kind, Message: err.Error()}
}

// Envelope wraps the outcome of one operation. Exactly one of Value and
// Failure is meaningful: Value when OK, Failure otherwise.
type Envelope[T any] struct {
	OK      bool      `json:"ok"`
	Value   T         `json:"value,omitempty"`
	Failure *Failure  `json:"failure,omitempty"`
	At      time.Time `json:"at"`
}

// Success wraps a value.
func Success[T any](v T) Envelope[T] {
	return Envelope[T]{OK: true, Value: v, At: time.Now()}
}

// Fail wraps a failure. A nil failure is replaced by a generic one so the
// envelope invariant holds.
func Fail[T any](f *Failure) Envelope[T] {
	if f == nil {
		f = &Failure{Kind: KindNetwork, Message: "unknown failure"}
	}
	return Envelope[T]{Failure: f, At: time.Now()}
}

// Err returns the failure as an error, or nil on success.
func (e Envelope[T]) Err() error {
	if e.OK {
		return nil
	}
	return e.Failure
}

// Decode converts a raw JSON envelope into a typed one. A successful
// envelope whose value does not fit T becomes a decode failure; a null or
// empty value decodes to T's zero value.
func Decode[T any](raw Envelope[json.RawMessage]) Envelope[T] {
	if !raw.OK {
		return Envelope[T]{Failure: raw.Failure, At: raw.At}
	}
	var v T
	if len(raw.Value) > 0 {
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return Envelope[T]{
				Failure: &Failure{Kind: KindDecode, Message: err.Error(), Detail: string(raw.Value)},
				At:      raw.At,
			}
		}
	}
	return Envelope[T]{OK: true, Value: v, At: raw.At}
}
