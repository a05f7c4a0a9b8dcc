package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is a single unit of work submitted by an author for a record type
type Record struct {
	ID       uuid.UUID       `json:"id"`
	Type     string          `json:"type"`
	Author   string          `json:"author"`
	Payload  json.RawMessage `json:"payload"`
	Received time.Time       `json:"received"`
}

// NewRecord stamps a record with a fresh ID and receive time
func NewRecord(recordType, author string, payload json.RawMessage) *Record {
	return &Record{
		ID:       uuid.New(),
		Type:     recordType,
		Author:   author,
		Payload:  payload,
		Received: time.Now().UTC(),
	}
}

// Batch represents a row of the batches table.
// Completed is nil while the batch is still open or awaiting hand-off.
type Batch struct {
	ID        uuid.UUID  `json:"id"`
	Type      string     `json:"type"`
	Author    string     `json:"author"`
	Created   time.Time  `json:"created"`
	Completed *time.Time `json:"completed,omitempty"`
	Records   []*Record  `json:"records"`
}

// NewBatch returns an empty open batch for (recordType, author)
func NewBatch(recordType, author string) *Batch {
	return &Batch{
		ID:      uuid.New(),
		Type:    recordType,
		Author:  author,
		Created: time.Now().UTC(),
		Records: []*Record{},
	}
}

// IsComplete reports whether the batch has been handed off downstream
func (b *Batch) IsComplete() bool {
	return b.Completed != nil
}

// BatchFilter restricts RetrieveBatches. Empty string fields are not filtered on.
type BatchFilter struct {
	Type       string
	Author     string
	Incomplete bool
}

// BatchSort orders RetrieveBatches results
type BatchSort struct {
	Field      string
	Descending bool
}

// Sortable batch columns
const (
	SortByCreated = "created"
	SortByID      = "id"
)

// SortCreatedAscending is the recovery order: oldest open batch first
var SortCreatedAscending = BatchSort{Field: SortByCreated}
