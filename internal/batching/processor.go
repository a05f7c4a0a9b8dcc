package batching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bencyrus/chatterbox/batcher/internal/types"
	"github.com/bencyrus/chatterbox/batcher/shared/logger"
)

// Processor accumulates the records of one (type, author) pair into batches
// and hands sealed batches off strictly in the order they were opened.
//
// A Processor is created by its Manager. Once it has reported completion it
// rejects new work with ErrProcessorClosed and is never reused.
type Processor struct {
	author       string
	recordType   string
	conf         Config
	store        BatchStore
	processBatch BatchCallback
	onComplete   CompletionCallback

	mux    sync.Mutex
	open   *types.Batch
	sealed []*types.Batch
	closed bool
	cancel context.CancelFunc

	wake chan struct{}
	done chan struct{}
}

func newProcessor(author, recordType string, conf Config, store BatchStore, processBatch BatchCallback, onComplete CompletionCallback) *Processor {
	return &Processor{
		author:       author,
		recordType:   recordType,
		conf:         conf,
		store:        store,
		processBatch: processBatch,
		onComplete:   onComplete,
		sealed:       []*types.Batch{},
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (p *Processor) Author() string { return p.author }
func (p *Processor) Type() string   { return p.recordType }

// Done is closed when the processor's goroutine has exited. An idle
// processor has already been reaped by then.
func (p *Processor) Done() <-chan struct{} { return p.done }

// checkRecovered reports the first batch that cannot be recovered by the
// processor of (recordType, author).
func checkRecovered(recordType, author string, batches []*types.Batch) error {
	for _, b := range batches {
		if b.Type != recordType || b.Author != author {
			return fmt.Errorf("batch %s belongs to %s/%s, not %s/%s", b.ID, b.Type, b.Author, recordType, author)
		}
		if b.IsComplete() {
			return fmt.Errorf("batch %s is already completed", b.ID)
		}
	}
	return nil
}

// Init queues recovered batches for hand-off ahead of any new work. The
// batches must belong to this processor and be in creation order.
func (p *Processor) Init(ctx context.Context, batches []*types.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRecovered(p.recordType, p.author, batches); err != nil {
		return err
	}

	p.mux.Lock()
	if p.closed {
		p.mux.Unlock()
		return ErrProcessorClosed
	}
	recovered := make([]*types.Batch, 0, len(batches)+len(p.sealed))
	recovered = append(recovered, batches...)
	p.sealed = append(recovered, p.sealed...)
	p.mux.Unlock()

	logger.Debug(ctx, "batch processor recovered backlog", logger.Fields{
		"type":    p.recordType,
		"author":  p.author,
		"batches": len(batches),
	})
	p.signal()
	return nil
}

// Add appends the record to the open batch and persists it before returning.
func (p *Processor) Add(ctx context.Context, record *types.Record) (*AddResult, error) {
	if record.Type != p.recordType || record.Author != p.author {
		return nil, fmt.Errorf("record %s belongs to %s/%s, not %s/%s", record.ID, record.Type, record.Author, p.recordType, p.author)
	}

	p.mux.Lock()
	defer p.mux.Unlock()

	if p.closed {
		return nil, ErrProcessorClosed
	}

	batch := p.open
	fresh := batch == nil
	if fresh {
		batch = types.NewBatch(p.recordType, p.author)
	}
	batch.Records = append(batch.Records, record)

	if err := p.store.UpsertBatch(ctx, batch); err != nil {
		batch.Records = batch.Records[:len(batch.Records)-1]
		return nil, fmt.Errorf("failed to persist batch %s: %w", batch.ID, err)
	}
	if fresh {
		p.open = batch
	}
	if len(batch.Records) >= p.conf.MaxRecords {
		p.sealLocked()
	}
	p.signal()

	return &AddResult{RecordID: record.ID, BatchID: batch.ID}, nil
}

func (p *Processor) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) sealLocked() {
	if p.open == nil {
		return
	}
	p.sealed = append(p.sealed, p.open)
	p.open = nil
}

// next pops the oldest sealed batch. When there is none it returns how long
// to wait, and whether that wait is the idle timeout or the open batch deadline.
func (p *Processor) next() (batch *types.Batch, wait time.Duration, idle bool) {
	p.mux.Lock()
	defer p.mux.Unlock()

	if p.open != nil {
		remaining := p.conf.MaxLatency - time.Since(p.open.Created)
		if remaining > 0 && len(p.sealed) == 0 {
			return nil, remaining, false
		}
		if remaining <= 0 {
			p.sealLocked()
		}
	}
	if len(p.sealed) > 0 {
		batch = p.sealed[0]
		p.sealed = p.sealed[1:]
		return batch, 0, false
	}
	return nil, p.conf.IdleTimeout, true
}

func (p *Processor) closeIfIdle() bool {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.open != nil || len(p.sealed) > 0 {
		return false
	}
	p.closed = true
	return true
}

// stop rejects further work and ends the goroutine without completion.
func (p *Processor) stop() {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
}

// abandon stops a processor whose goroutine was never started.
func (p *Processor) abandon() {
	p.stop()
	close(p.done)
}

func (p *Processor) start(ctx context.Context, wg *sync.WaitGroup) {
	ctx, cancel := context.WithCancel(ctx)
	p.mux.Lock()
	p.cancel = cancel
	p.mux.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(p.done)
		defer cancel()
		p.run(ctx)
	}()
}

func (p *Processor) run(ctx context.Context) {
	for {
		batch, wait, idle := p.next()
		if batch != nil {
			if !p.dispatch(ctx, batch) {
				p.stop()
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.stop()
			return
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
			if idle && p.closeIfIdle() {
				logger.Trace(ctx, "batch processor idle", logger.Fields{
					"type":   p.recordType,
					"author": p.author,
				})
				p.onComplete(p.author)
				return
			}
		}
	}
}

// dispatch hands the batch off until it succeeds, then marks it completed.
// It returns false if ctx ended first.
func (p *Processor) dispatch(ctx context.Context, batch *types.Batch) bool {
	fields := logger.Fields{
		"type":     p.recordType,
		"author":   p.author,
		"batch_id": batch.ID.String(),
		"records":  len(batch.Records),
	}

	if len(batch.Records) > 0 {
		for attempt := 1; ; attempt++ {
			err := p.processBatch(ctx, batch)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return false
			}
			logger.Error(ctx, "failed to process batch", err, logger.Fields{
				"type":     p.recordType,
				"author":   p.author,
				"batch_id": batch.ID.String(),
				"attempt":  attempt,
			})
			retry := time.NewTimer(p.conf.RetryDelay)
			select {
			case <-ctx.Done():
				retry.Stop()
				return false
			case <-retry.C:
			}
		}
	}

	// If this fails the batch stays incomplete and is handed off again on the next startup.
	if err := p.store.CompleteBatch(ctx, batch.ID, time.Now().UTC()); err != nil {
		logger.Error(ctx, "failed to mark batch completed", err, fields)
		return ctx.Err() == nil
	}
	logger.Debug(ctx, "batch processed", fields)
	return true
}
