// Package events carries one outcome event per processed record from the
// stage runners to whoever wants them. Nothing in the orchestrator depends
// on delivery; a full subscriber simply misses events.
package events

import (
	"context"
	"time"

	"github.com/teranos/metis/record"
)

// Status is the outcome of one record at one stage
type Status string

const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
)

// RecordEvent describes what one stage did with one record.
type RecordEvent struct {
	DatasetID      string    `json:"dataset_id"`
	ExecutionID    string    `json:"execution_id"`
	ExecutionName  string    `json:"execution_name"`
	SourceRecordID string    `json:"source_record_id"`
	RecordID       string    `json:"record_id"`
	Status         Status    `json:"status"`
	Warnings       []string  `json:"warnings,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// FromRecord builds the event for a written record.
func FromRecord(r record.Record, at time.Time) RecordEvent {
	k := r.RecordKey()
	ev := RecordEvent{
		DatasetID:      k.DatasetID,
		ExecutionID:    k.ExecutionID,
		ExecutionName:  k.ExecutionName,
		SourceRecordID: k.SourceRecordID,
		RecordID:       k.RecordID,
		At:             at.UTC(),
	}
	record.Match(r,
		func(s record.Success) struct{} {
			ev.Status = StatusSuccess
			ev.Warnings = append([]string(nil), s.Warnings...)
			return struct{}{}
		},
		func(f record.Fail) struct{} {
			ev.Status = StatusFail
			ev.Error = f.Exception
			return struct{}{}
		},
	)
	return ev
}

// Publisher accepts record events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev RecordEvent)
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, RecordEvent) {}
