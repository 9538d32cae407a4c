// Copyright 2021 Molecula Corp. All rights reserved.
package filtermerge

import (
	"fmt"
	"strings"

	"github.com/molecula/filtermerge/errors"
)

const (
	ErrRequestDoesNotExist errors.Code = "RequestDoesNotExist"
	ErrRequestExists       errors.Code = "RequestExists"

	ErrFormatUnknown errors.Code = "FormatUnknown"
	ErrFieldMissing  errors.Code = "FieldMissing"
	ErrFieldUnknown  errors.Code = "FieldUnknown"
	ErrStageUnknown  errors.Code = "StageUnknown"

	ErrObjectDoesNotExist errors.Code = "ObjectDoesNotExist"

	ErrConflictRetriesExhausted errors.Code = "ConflictRetriesExhausted"
	ErrFilterExpression         errors.Code = "FilterExpression"
)

// The following are helper functions for constructing coded errors containing
// relevant information about the specific error.

func NewErrRequestDoesNotExist(id RequestID) error {
	return errors.New(
		ErrRequestDoesNotExist,
		fmt.Sprintf("request '%s' does not exist", id),
	)
}

func NewErrRequestExists(id RequestID) error {
	return errors.New(
		ErrRequestExists,
		fmt.Sprintf("request '%s' already exists", id),
	)
}

func NewErrFormatUnknown(format Format) error {
	return errors.New(
		ErrFormatUnknown,
		fmt.Sprintf("format '%s' not recognized", format),
	)
}

func NewErrFieldMissing(fields ...string) error {
	return errors.New(
		ErrFieldMissing,
		fmt.Sprintf("missing required fields: [%s]", strings.Join(fields, ", ")),
	)
}

func NewErrFieldUnknown(field string) error {
	return errors.New(
		ErrFieldUnknown,
		fmt.Sprintf("progress field '%s' does not exist", field),
	)
}

func NewErrStageUnknown(stage string) error {
	return errors.New(
		ErrStageUnknown,
		fmt.Sprintf("stage '%s' does not exist", stage),
	)
}

func NewErrObjectDoesNotExist(loc Location) error {
	return errors.New(
		ErrObjectDoesNotExist,
		fmt.Sprintf("object '%s' does not exist", loc),
	)
}

func NewErrConflictRetriesExhausted(id RequestID, field Field, attempts int) error {
	return errors.New(
		ErrConflictRetriesExhausted,
		fmt.Sprintf("incrementing %s of request '%s': gave up after %d conflicting attempts", field, id, attempts),
	)
}

// NewErrFilterExpression is marked fatal: the same expression fails on every
// redelivery.
func NewErrFilterExpression(expr string, err error) error {
	return errors.Fatal(errors.New(
		ErrFilterExpression,
		fmt.Sprintf("filter expression %q: %v", expr, err),
	))
}
