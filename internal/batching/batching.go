// Package batching owns per-author batch processors for a record type.
//
// A Manager holds at most one Processor per author. Processors are created
// on first use or during startup recovery, and removed again when they
// report that they have nothing left to do.
package batching

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bencyrus/chatterbox/batcher/internal/types"
)

var (
	ErrNotInitialized     = errors.New("batch manager not initialized")
	ErrAlreadyInitialized = errors.New("batch manager already initialized")
	ErrProcessorClosed    = errors.New("batch processor closed")
	ErrManagerStopped     = errors.New("batch manager stopped")
)

// BatchStore is the durable storage the manager and processors depend on.
type BatchStore interface {
	// RetrieveBatches returns matching batches ordered by sort. A limit of 0 is unbounded.
	RetrieveBatches(ctx context.Context, filter types.BatchFilter, skip, limit int, sort types.BatchSort) ([]*types.Batch, error)
	UpsertBatch(ctx context.Context, batch *types.Batch) error
	CompleteBatch(ctx context.Context, id uuid.UUID, completed time.Time) error
}

// BatchCallback hands a sealed batch downstream. A non-nil error means the
// batch is retried.
type BatchCallback func(ctx context.Context, batch *types.Batch) error

// CompletionCallback is invoked once by a processor that has run out of work.
type CompletionCallback func(author string)

// AddResult identifies where a record was placed.
type AddResult struct {
	RecordID uuid.UUID `json:"record_id"`
	BatchID  uuid.UUID `json:"batch_id"`
}
