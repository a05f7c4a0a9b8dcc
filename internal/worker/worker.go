package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bencyrus/chatterbox/batcher/internal/batching"
	"github.com/bencyrus/chatterbox/batcher/internal/config"
	"github.com/bencyrus/chatterbox/batcher/internal/types"
	"github.com/bencyrus/chatterbox/batcher/shared/logger"
)

var ErrUnknownType = errors.New("unknown record type")

// Sink receives every sealed batch, whatever its type.
type Sink interface {
	PublishBatch(ctx context.Context, batch *types.Batch) error
}

// Worker routes records to the batch manager of their type.
type Worker struct {
	managers map[string]*batching.Manager
	types    []string
}

// NewWorker registers one manager per configured record type. Processors
// live until ctx is cancelled.
func NewWorker(ctx context.Context, cfg config.Config, store batching.BatchStore, sink Sink) *Worker {
	conf := batching.Config{
		MaxRecords:          cfg.MaxRecords,
		MaxLatency:          cfg.MaxLatency,
		IdleTimeout:         cfg.IdleTimeout,
		RetryDelay:          cfg.RetryDelay,
		RecoveryConcurrency: cfg.RecoveryConcurrency,
	}

	w := &Worker{managers: map[string]*batching.Manager{}}
	for _, recordType := range cfg.BatchTypes {
		w.Register(batching.NewManager(ctx, recordType, store, sink.PublishBatch, conf))
	}
	return w
}

func (w *Worker) Register(m *batching.Manager) {
	if _, ok := w.managers[m.Type()]; !ok {
		w.types = append(w.types, m.Type())
	}
	w.managers[m.Type()] = m
}

func (w *Worker) Get(recordType string) (*batching.Manager, error) {
	m, ok := w.managers[recordType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, recordType)
	}
	return m, nil
}

// Types returns the registered record types in registration order.
func (w *Worker) Types() []string {
	return append([]string(nil), w.types...)
}

// Initialize recovers the backlog of every manager. The first failure aborts.
func (w *Worker) Initialize(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, recordType := range w.types {
		m := w.managers[recordType]
		g.Go(func() error {
			return m.Initialize(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to initialize batch managers: %w", err)
	}
	logger.Info(ctx, "batch managers initialized", logger.Fields{"types": w.types})
	return nil
}

// Submit routes one record to its author's processor.
func (w *Worker) Submit(ctx context.Context, recordType, author string, payload json.RawMessage) (*batching.AddResult, error) {
	m, err := w.Get(recordType)
	if err != nil {
		return nil, err
	}
	if author == "" {
		return nil, errors.New("author is required")
	}
	return m.Dispatch(ctx, types.NewRecord(recordType, author, payload))
}

// Processors lists the authors with a live processor for recordType.
func (w *Worker) Processors(recordType string) ([]string, error) {
	m, err := w.Get(recordType)
	if err != nil {
		return nil, err
	}
	return m.Authors(), nil
}

// Wait blocks until every processor has exited.
func (w *Worker) Wait() {
	for _, m := range w.managers {
		m.Wait()
	}
}
