// Copyright 2021 Molecula Corp. All rights reserved.
package errors_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/molecula/filtermerge/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		uncoded := newUncoded("uncoded error")
		rdne := newErrRequestDoesNotExist("abc")
		fu := newErrFormatUnknown("csv")
		rdneCustom := errors.New(errRequestDoesNotExist, "custom request message")

		tests := []struct {
			err    error
			target errors.Code
			exp    bool
		}{
			{err: uncoded, target: errUncoded, exp: true},
			{err: uncoded, target: errRequestDoesNotExist, exp: false},
			{err: rdne, target: errRequestDoesNotExist, exp: true},
			{err: rdne, target: errFormatUnknown, exp: false},
			{err: errors.Wrap(fu, "with message"), target: errFormatUnknown, exp: true},
			{err: rdneCustom, target: errRequestDoesNotExist, exp: true},
			{err: errors.Fatal(rdne), target: errRequestDoesNotExist, exp: true},
		}

		for i, test := range tests {
			t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
				got := errors.Is(test.err, test.target)
				assert.Equal(t, test.exp, got)
			})
		}
	})

	t.Run("CodeOf", func(t *testing.T) {
		assert.Equal(t, errFormatUnknown, errors.CodeOf(errors.Wrap(newErrFormatUnknown("x"), "wrapped")))
		assert.Equal(t, errors.Code(""), errors.CodeOf(fmt.Errorf("plain")))
	})

	t.Run("Fatal", func(t *testing.T) {
		assert.Nil(t, errors.Fatal(nil))

		base := errors.Errorf("bad predicate")
		assert.False(t, errors.IsFatal(base))

		fatal := errors.Fatal(base)
		assert.True(t, errors.IsFatal(fatal))
		assert.True(t, errors.IsFatal(errors.Wrap(fatal, "filtering chunk")))
		assert.Equal(t, "bad predicate", fatal.Error())
	})

	t.Run("JSON", func(t *testing.T) {
		err := errors.Wrap(newErrFormatUnknown("csv"), "validating")
		s := errors.MarshalJSON(err)
		assert.Contains(t, s, `"code":"FormatUnknown"`)

		back := errors.UnmarshalJSON(strings.NewReader(s))
		assert.True(t, errors.Is(back, errFormatUnknown))
		assert.Equal(t, "validating: format not recognized: csv", back.Error())

		plain := errors.UnmarshalJSON(strings.NewReader("not json"))
		assert.Equal(t, "not json", plain.Error())
	})
}

// Test error codes.

const (
	errUncoded             errors.Code = "Uncoded"
	errRequestDoesNotExist errors.Code = "RequestDoesNotExist"
	errFormatUnknown       errors.Code = "FormatUnknown"
)

func newUncoded(message string) error {
	return errors.New(
		errUncoded,
		message,
	)
}

func newErrRequestDoesNotExist(id string) error {
	return errors.New(
		errRequestDoesNotExist,
		"request does not exist: "+id,
	)
}

func newErrFormatUnknown(format string) error {
	return errors.New(
		errFormatUnknown,
		"format not recognized: "+format,
	)
}
