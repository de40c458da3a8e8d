// Package record addresses one record's state at one stage execution and
// persists the Success and Fail outcomes stages produce.
//
// A stage reads the Success rows written by the execution it consumes
// (dataset_id, execution_id = source execution) in record_id order, and
// writes its own output under a fresh execution id. sourceRecordId never
// changes, so it joins every version of a record across stages.
package record

import (
	"fmt"

	"github.com/teranos/metis/errors"
)

// Key is the identity 5-tuple of one persisted record row.
type Key struct {
	DatasetID      string `json:"dataset_id"`
	ExecutionID    string `json:"execution_id"`
	ExecutionName  string `json:"execution_name"`
	SourceRecordID string `json:"source_record_id"`
	RecordID       string `json:"record_id"`
}

// Validate returns an invalid-request error naming the first empty field.
func (k Key) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"dataset_id", k.DatasetID},
		{"execution_id", k.ExecutionID},
		{"execution_name", k.ExecutionName},
		{"source_record_id", k.SourceRecordID},
		{"record_id", k.RecordID},
	}
	for _, f := range fields {
		if f.value == "" {
			return errors.NewInvalidRequestError("record key: %s is empty", f.name)
		}
	}
	return nil
}

// Next derives the key a consuming stage writes for this record.
// SourceRecordID and DatasetID carry over; an empty recordID keeps the current one.
func (k Key) Next(executionID, executionName, recordID string) Key {
	if recordID == "" {
		recordID = k.RecordID
	}
	return Key{
		DatasetID:      k.DatasetID,
		ExecutionID:    executionID,
		ExecutionName:  executionName,
		SourceRecordID: k.SourceRecordID,
		RecordID:       recordID,
	}
}

// Source returns the read address a consuming stage would use for k's execution.
func (k Key) Source() Source {
	return Source{DatasetID: k.DatasetID, ExecutionID: k.ExecutionID, ExecutionName: k.ExecutionName}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", k.DatasetID, k.ExecutionName, k.ExecutionID, k.SourceRecordID, k.RecordID)
}

// Source addresses the output of one stage execution.
// ExecutionName is optional when reading; execution ids are unique on their own.
type Source struct {
	DatasetID     string
	ExecutionID   string
	ExecutionName string
}

// Validate requires the dataset and execution ids.
func (s Source) Validate() error {
	if s.DatasetID == "" || s.ExecutionID == "" {
		return errors.NewInvalidRequestError("record source: dataset_id and execution_id are required")
	}
	return nil
}

// Cursor is a keyset position inside one source, ordered by record id.
// SourceRecordID breaks ties between rows sharing a record id.
type Cursor struct {
	RecordID       string
	SourceRecordID string
}

// IsZero reports whether c is the start of a source.
func (c Cursor) IsZero() bool {
	return c.RecordID == "" && c.SourceRecordID == ""
}

// After returns the cursor positioned just past k.
func After(k Key) Cursor {
	return Cursor{RecordID: k.RecordID, SourceRecordID: k.SourceRecordID}
}
