package batching

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/bencyrus/chatterbox/batcher/internal/types"
)

type retrieveCall struct {
	filter types.BatchFilter
	skip   int
	limit  int
	sort   types.BatchSort
}

// memStore is an in-memory BatchStore.
type memStore struct {
	mu        sync.Mutex
	batches   map[uuid.UUID]*types.Batch
	upsertErr error
	calls     []retrieveCall
}

func newMemStore(seed ...*types.Batch) *memStore {
	s := &memStore{batches: make(map[uuid.UUID]*types.Batch)}
	for _, b := range seed {
		s.batches[b.ID] = copyBatch(b)
	}
	return s
}

func copyBatch(b *types.Batch) *types.Batch {
	cp := *b
	cp.Records = append([]*types.Record(nil), b.Records...)
	if b.Completed != nil {
		t := *b.Completed
		cp.Completed = &t
	}
	return &cp
}

func (s *memStore) RetrieveBatches(_ context.Context, filter types.BatchFilter, skip, limit int, order types.BatchSort) ([]*types.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, retrieveCall{filter: filter, skip: skip, limit: limit, sort: order})

	out := []*types.Batch{}
	for _, b := range s.batches {
		if filter.Type != "" && b.Type != filter.Type {
			continue
		}
		if filter.Author != "" && b.Author != filter.Author {
			continue
		}
		if filter.Incomplete && b.Completed != nil {
			continue
		}
		out = append(out, copyBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	if skip > 0 {
		if skip >= len(out) {
			return []*types.Batch{}, nil
		}
		out = out[skip:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) UpsertBatch(_ context.Context, batch *types.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.batches[batch.ID] = copyBatch(batch)
	return nil
}

func (s *memStore) CompleteBatch(_ context.Context, id uuid.UUID, completed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[id]; ok {
		b.Completed = &completed
	}
	return nil
}

func (s *memStore) get(id uuid.UUID) *types.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil
	}
	return copyBatch(b)
}

func (s *memStore) retrieveCalls() []retrieveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]retrieveCall(nil), s.calls...)
}

// MockBatchStore - testify mock of BatchStore
type MockBatchStore struct {
	mock.Mock
}

func (m *MockBatchStore) RetrieveBatches(ctx context.Context, filter types.BatchFilter, skip, limit int, order types.BatchSort) ([]*types.Batch, error) {
	args := m.Called(ctx, filter, skip, limit, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.Batch), args.Error(1)
}

func (m *MockBatchStore) UpsertBatch(ctx context.Context, batch *types.Batch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *MockBatchStore) CompleteBatch(ctx context.Context, id uuid.UUID, completed time.Time) error {
	args := m.Called(ctx, id, completed)
	return args.Error(0)
}

// recorder is a BatchCallback that remembers what it was handed.
type recorder struct {
	mu      sync.Mutex
	batches []*types.Batch
	failN   int
	calls   int
}

func (r *recorder) process(_ context.Context, batch *types.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failN {
		return errSinkDown
	}
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recorder) snapshot() []*types.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Batch(nil), r.batches...)
}

func (r *recorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *recorder) idsFor(author string) []uuid.UUID {
	ids := []uuid.UUID{}
	for _, b := range r.snapshot() {
		if b.Author == author {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

type sinkError string

func (e sinkError) Error() string { return string(e) }

const errSinkDown = sinkError("sink down")

func batchAt(recordType, author string, created time.Time, payloads ...string) *types.Batch {
	b := types.NewBatch(recordType, author)
	b.Created = created
	for _, p := range payloads {
		b.Records = append(b.Records, types.NewRecord(recordType, author, []byte(p)))
	}
	return b
}

// quiet keeps processors from flushing or reaping during a test
var quiet = Config{
	MaxRecords:  1000,
	MaxLatency:  time.Hour,
	IdleTimeout: time.Hour,
	RetryDelay:  time.Millisecond,
}
