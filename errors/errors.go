// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package errors wraps pkg/errors and adds error codes and a fatal marker
// used by workers to decide whether a failed invocation is worth
// redelivering.
package errors

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Code is an error code which can be used to check against a given error. For
// example, see the Is() method.
type Code string

const (
	ErrUncoded Code = "Uncoded"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is reports whether any error in err's chain carries the given Code.
func Is(err error, target Code) bool {
	return errors.Is(err, codedError{Code: target})
}

// CodeOf returns the Code of the first coded error in err's chain, or the
// empty Code if there is none.
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, fmt string, args ...interface{}) error {
	return errors.Wrapf(err, fmt, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Wrapped string `json:"wrapped,omitempty"`
}

func (ce codedError) Error() string {
	if ce.Wrapped != "" {
		return ce.Wrapped
	}
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}

// fatalError marks an error as one which will fail again on every
// redelivery of the same invocation (a bad predicate, a corrupt object).
type fatalError struct {
	err error
}

func (fe fatalError) Error() string { return fe.err.Error() }
func (fe fatalError) Unwrap() error { return fe.err }
func (fe fatalError) Cause() error  { return fe.err }

// Fatal marks err as fatal. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err, or any error it wraps, was marked with Fatal.
func IsFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}

// MarshalJSON returns the provided error as a json object (as a string)
// representing a codedError. If err is not already a codedError, the json
// object will still represent a codedError but its `code` value will be empty.
func MarshalJSON(err error) string {
	var out *codedError

	var ce codedError
	if errors.As(err, &ce) {
		ce.Wrapped = err.Error()
		out = &ce
	} else {
		out = &codedError{
			Message: Cause(err).Error(),
			Wrapped: err.Error(),
		}
	}

	j, jerr := json.Marshal(out)
	if jerr != nil {
		return out.Error()
	}
	return string(j)
}

// UnmarshalJSON converts the contents of r into a codedError. If the bytes
// can't unmarshal to a codedError, a normal error will be returned containing
// the string value of the bytes.
func UnmarshalJSON(r io.Reader) error {
	b, _ := io.ReadAll(r)

	out := codedError{}
	if err := json.Unmarshal(b, &out); err != nil || out.Code == "" && out.Message == "" {
		return errors.New(string(b))
	}
	return out
}
