// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package filtermerge defines the domain types shared by the driver, the
// partition, filter and merge workers, and the stores and transports they
// coordinate through.
package filtermerge

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/molecula/filtermerge/errors"
)

// RequestID uniquely identifies one query execution.
type RequestID string

// NewRequestID returns a fresh, random RequestID.
func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

// Format names a registered FormatHandler.
type Format string

// Location addresses one object, or one prefix of objects, in an
// ObjectStore.
type Location struct {
	Container string `json:"container"`
	Path      string `json:"path"`
}

func (l Location) String() string {
	return l.Container + "/" + l.Path
}

// Stage is the name of a worker stage an Invocation is addressed to.
type Stage string

const (
	StagePartition Stage = "partition"
	StageFilter    Stage = "filter"
	StageMerge     Stage = "merge"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StagePartition, StageFilter, StageMerge}

// ParseStage returns the Stage named by s.
func ParseStage(s string) (Stage, error) {
	for _, stage := range Stages {
		if string(stage) == s {
			return stage, nil
		}
	}
	return "", NewErrStageUnknown(s)
}

// ChunkSpec describes one unit of filterable input. Its shape is defined by
// the FormatHandler which produced it; everything else only routes it.
type ChunkSpec = json.RawMessage

// PartitionPayload is the payload of a StagePartition invocation.
type PartitionPayload struct {
	RequestID        RequestID `json:"request_id"`
	Format           Format    `json:"format"`
	FilterExpression string    `json:"filter_expression"`
	Input            Location  `json:"input"`
}

// FilterPayload is the payload of a StageFilter invocation.
type FilterPayload struct {
	RequestID        RequestID `json:"request_id"`
	Format           Format    `json:"format"`
	FilterExpression string    `json:"filter_expression"`
	Chunk            ChunkSpec `json:"chunk"`
}

// MergePayload is the payload of a StageMerge invocation.
type MergePayload struct {
	RequestID RequestID `json:"request_id"`
	Format    Format    `json:"format"`
}

// Invocation is the envelope every transport carries.
type Invocation struct {
	Stage   Stage           `json:"stage"`
	Payload json.RawMessage `json:"payload"`
}

// NewInvocation encodes payload into an Invocation addressed to stage.
func NewInvocation(stage Stage, payload interface{}) (Invocation, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Invocation{}, errors.Wrapf(err, "encoding %s payload", stage)
	}
	return Invocation{Stage: stage, Payload: b}, nil
}

// Decode unmarshals the invocation's payload into v.
func (i Invocation) Decode(v interface{}) error {
	if err := json.Unmarshal(i.Payload, v); err != nil {
		return errors.Fatal(errors.Wrapf(err, "decoding %s payload", i.Stage))
	}
	return nil
}

func (i Invocation) String() string {
	return fmt.Sprintf("%s(%s)", i.Stage, i.Payload)
}
