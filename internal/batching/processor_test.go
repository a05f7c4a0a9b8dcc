package batching

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bencyrus/chatterbox/batcher/internal/types"
)

type processorHarness struct {
	p         *Processor
	store     *memStore
	rec       *recorder
	completed atomic.Int32
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newHarness(t *testing.T, conf Config, store *memStore, rec *recorder) *processorHarness {
	t.Helper()
	h := &processorHarness{store: store, rec: rec}
	h.p = newProcessor("alice", "message", conf.withDefaults(), store, rec.process, func(author string) {
		assert.Equal(t, "alice", author)
		h.completed.Add(1)
	})
	t.Cleanup(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()
	})
	return h
}

func (h *processorHarness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.p.start(ctx, &h.wg)
}

func record(payload string) *types.Record {
	return types.NewRecord("message", "alice", json.RawMessage(payload))
}

func TestProcessorSealsOnLatency(t *testing.T) {
	conf := quiet
	conf.MaxLatency = 20 * time.Millisecond
	h := newHarness(t, conf, newMemStore(), &recorder{})
	h.start()

	res, err := h.p.Add(context.Background(), record(`{"n":1}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, res.BatchID, h.rec.snapshot()[0].ID)
}

func TestProcessorAddPersistsOpenBatch(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, quiet, store, &recorder{})
	h.start()

	res, err := h.p.Add(context.Background(), record(`{"n":1}`))
	require.NoError(t, err)

	stored := store.get(res.BatchID)
	require.NotNil(t, stored)
	assert.False(t, stored.IsComplete())
	require.Len(t, stored.Records, 1)
	assert.Equal(t, res.RecordID, stored.Records[0].ID)
}

func TestProcessorRecoveredBatchesGoFirst(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	b1 := batchAt("message", "alice", base, `{"n":1}`)
	b2 := batchAt("message", "alice", base.Add(time.Second), `{"n":2}`)
	store := newMemStore(b1, b2)
	conf := quiet
	conf.MaxRecords = 1
	h := newHarness(t, conf, store, &recorder{})

	require.NoError(t, h.p.Init(context.Background(), []*types.Batch{b1, b2}))
	res, err := h.p.Add(context.Background(), record(`{"n":3}`))
	require.NoError(t, err)
	h.start()

	require.Eventually(t, func() bool { return len(h.rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uuid.UUID{b1.ID, b2.ID, res.BatchID}, h.rec.idsFor("alice"))
}

func TestProcessorRetriesFailedHandOff(t *testing.T) {
	store := newMemStore()
	rec := &recorder{failN: 2}
	conf := quiet
	conf.MaxRecords = 1
	h := newHarness(t, conf, store, rec)
	h.start()

	res, err := h.p.Add(context.Background(), record(`{"n":1}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, rec.callCount())
	require.Eventually(t, func() bool { return store.get(res.BatchID).IsComplete() }, time.Second, 5*time.Millisecond)
}

func TestProcessorCompletesOnceWhenIdle(t *testing.T) {
	conf := quiet
	conf.MaxLatency = 5 * time.Millisecond
	conf.IdleTimeout = 20 * time.Millisecond
	h := newHarness(t, conf, newMemStore(), &recorder{})
	h.start()

	_, err := h.p.Add(context.Background(), record(`{"n":1}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.completed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.rec.snapshot(), 1)

	_, err = h.p.Add(context.Background(), record(`{"n":2}`))
	assert.ErrorIs(t, err, ErrProcessorClosed)
	assert.ErrorIs(t, h.p.Init(context.Background(), nil), ErrProcessorClosed)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), h.completed.Load())
}

func TestProcessorAddPersistFailure(t *testing.T) {
	store := newMemStore()
	store.upsertErr = errors.New("disk full")
	h := newHarness(t, quiet, store, &recorder{})

	_, err := h.p.Add(context.Background(), record(`{"n":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	h.p.mux.Lock()
	defer h.p.mux.Unlock()
	assert.Nil(t, h.p.open)
}

func TestProcessorAddRejectsForeignRecord(t *testing.T) {
	h := newHarness(t, quiet, newMemStore(), &recorder{})

	_, err := h.p.Add(context.Background(), types.NewRecord("message", "bob", json.RawMessage(`{}`)))
	assert.Error(t, err)
}

func TestProcessorInitValidatesBatches(t *testing.T) {
	h := newHarness(t, quiet, newMemStore(), &recorder{})

	err := h.p.Init(context.Background(), []*types.Batch{batchAt("message", "bob", time.Now(), `{}`)})
	assert.Error(t, err)

	done := batchAt("message", "alice", time.Now(), `{}`)
	now := time.Now()
	done.Completed = &now
	err = h.p.Init(context.Background(), []*types.Batch{done})
	assert.Error(t, err)
}

func TestProcessorSkipsEmptyRecoveredBatch(t *testing.T) {
	empty := batchAt("message", "alice", time.Now())
	store := newMemStore(empty)
	rec := &recorder{}
	h := newHarness(t, quiet, store, rec)

	require.NoError(t, h.p.Init(context.Background(), []*types.Batch{empty}))
	h.start()

	require.Eventually(t, func() bool { return store.get(empty.ID).IsComplete() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.callCount())
}

func TestProcessorStopsWithoutCompletionOnCancel(t *testing.T) {
	h := newHarness(t, quiet, newMemStore(), &recorder{})
	h.start()

	h.cancel()
	h.wg.Wait()

	assert.Equal(t, int32(0), h.completed.Load())
	_, err := h.p.Add(context.Background(), record(`{}`))
	assert.ErrorIs(t, err, ErrProcessorClosed)
}

func TestProcessorDoneClosesAfterCompletion(t *testing.T) {
	conf := quiet
	conf.IdleTimeout = 10 * time.Millisecond
	h := newHarness(t, conf, newMemStore(), &recorder{})
	h.start()

	select {
	case <-h.p.Done():
	case <-time.After(time.Second):
		t.Fatal("processor did not exit")
	}
	assert.Equal(t, int32(1), h.completed.Load())
}

func TestProcessorStopEndsGoroutine(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, quiet, newMemStore(), rec)
	h.start()

	_, err := h.p.Add(context.Background(), record(`{"n":1}`))
	require.NoError(t, err)
	h.p.stop()

	select {
	case <-h.p.Done():
	case <-time.After(time.Second):
		t.Fatal("processor did not exit")
	}
	assert.Equal(t, int32(0), h.completed.Load())
	assert.Equal(t, 0, rec.callCount())
}
