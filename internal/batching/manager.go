package batching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bencyrus/chatterbox/batcher/internal/types"
	"github.com/bencyrus/chatterbox/batcher/shared/logger"
)

// Manager is the lifecycle manager for the processors of one record type,
// across all of its authors.
type Manager struct {
	ctx          context.Context
	recordType   string
	store        BatchStore
	processBatch BatchCallback
	conf         Config

	mux         sync.Mutex
	processors  map[string]*Processor
	initialized bool
	ready       bool
	stopped     bool

	wg sync.WaitGroup
}

// NewManager returns a Manager for recordType. No I/O happens until
// Initialize. Processor goroutines run until ctx is cancelled.
func NewManager(ctx context.Context, recordType string, store BatchStore, processBatch BatchCallback, conf Config) *Manager {
	return &Manager{
		ctx:          ctx,
		recordType:   recordType,
		store:        store,
		processBatch: processBatch,
		conf:         conf.withDefaults(),
		processors:   make(map[string]*Processor),
	}
}

func (m *Manager) Type() string { return m.recordType }

// Initialize recovers every incomplete batch of the manager's type and
// hydrates one processor per author with its backlog, oldest first. It must
// be called once, before the manager is used. Any failure aborts startup,
// leaves no processor running and the manager unusable.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mux.Lock()
	if m.initialized {
		m.mux.Unlock()
		return ErrAlreadyInitialized
	}
	m.initialized = true
	m.mux.Unlock()

	inflight, err := m.store.RetrieveBatches(ctx, types.BatchFilter{
		Type:       m.recordType,
		Incomplete: true,
	}, 0, 0, types.SortCreatedAscending)
	if err != nil {
		return fmt.Errorf("failed to retrieve incomplete %s batches: %w", m.recordType, err)
	}

	// Stable grouping keeps each author's batches in creation order
	authors := []string{}
	byAuthor := make(map[string][]*types.Batch)
	for _, batch := range inflight {
		if _, ok := byAuthor[batch.Author]; !ok {
			authors = append(authors, batch.Author)
		}
		byAuthor[batch.Author] = append(byAuthor[batch.Author], batch)
	}

	// A bad backlog must not start any processor
	for _, author := range authors {
		if err := checkRecovered(m.recordType, author, byAuthor[author]); err != nil {
			return m.recoverError(author, byAuthor[author], err)
		}
	}

	// Processors hydrated here are reaped if no work arrives while they drain their backlog
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.conf.RecoveryConcurrency)
	for _, author := range authors {
		author := author
		forAuthor := byAuthor[author]
		g.Go(func() error {
			return m.recover(gctx, author, forAuthor)
		})
	}
	if err := g.Wait(); err != nil {
		m.discard(authors)
		return err
	}

	m.mux.Lock()
	m.ready = true
	m.mux.Unlock()

	logger.Info(ctx, "batch manager initialized", logger.Fields{
		"type":    m.recordType,
		"batches": len(inflight),
		"authors": len(authors),
	})
	return nil
}

func (m *Manager) recover(ctx context.Context, author string, batches []*types.Batch) error {
	for {
		if m.stopping() {
			return m.recoverError(author, batches, ErrManagerStopped)
		}
		p := m.GetOrCreateProcessor(author)
		err := p.Init(ctx, batches)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrProcessorClosed) {
			return m.recoverError(author, batches, err)
		}
		// went idle before init, retry once it has been reaped
		select {
		case <-p.Done():
		case <-ctx.Done():
			return m.recoverError(author, batches, ctx.Err())
		}
	}
}

func (m *Manager) recoverError(author string, batches []*types.Batch, err error) error {
	return fmt.Errorf("failed to recover %d %s batches for author %s: %w", len(batches), m.recordType, author, err)
}

// discard stops and unmaps the processors of a failed recovery.
func (m *Manager) discard(authors []string) {
	m.mux.Lock()
	defer m.mux.Unlock()

	for _, author := range authors {
		if p, ok := m.processors[author]; ok {
			p.stop()
			delete(m.processors, author)
		}
	}
}

func (m *Manager) stopping() bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.stopped || m.ctx.Err() != nil
}

// GetOrCreateProcessor returns the live processor for author, creating it
// if there is none.
func (m *Manager) GetOrCreateProcessor(author string) *Processor {
	m.mux.Lock()
	defer m.mux.Unlock()

	if p, ok := m.processors[author]; ok {
		return p
	}

	logger.Trace(m.ctx, "creating batch processor", logger.Fields{
		"type":   m.recordType,
		"author": author,
	})
	var p *Processor
	p = newProcessor(author, m.recordType, m.conf, m.store, m.processBatch, func(author string) {
		m.reap(author, p)
	})
	m.processors[author] = p

	if m.stopped || m.ctx.Err() != nil {
		p.abandon()
		return p
	}
	p.start(m.ctx, &m.wg)
	return p
}

// reap removes author's entry only while it still points at p.
func (m *Manager) reap(author string, p *Processor) {
	m.mux.Lock()
	defer m.mux.Unlock()

	current, ok := m.processors[author]
	if !ok || current != p {
		logger.Trace(m.ctx, "ignoring completion from stale batch processor", logger.Fields{
			"type":   m.recordType,
			"author": author,
		})
		return
	}
	logger.Trace(m.ctx, "reaping batch processor", logger.Fields{
		"type":   m.recordType,
		"author": author,
	})
	delete(m.processors, author)
}

// Dispatch routes the record to its author's processor. A processor that
// closed between lookup and Add is replaced once it has been reaped.
func (m *Manager) Dispatch(ctx context.Context, record *types.Record) (*AddResult, error) {
	if record.Type != m.recordType {
		return nil, fmt.Errorf("record type %s routed to %s batch manager", record.Type, m.recordType)
	}

	m.mux.Lock()
	ready := m.ready
	m.mux.Unlock()
	if !ready {
		return nil, ErrNotInitialized
	}

	for {
		if m.stopping() {
			return nil, ErrManagerStopped
		}
		p := m.GetOrCreateProcessor(record.Author)
		res, err := p.Add(ctx, record)
		if !errors.Is(err, ErrProcessorClosed) {
			return res, err
		}
		select {
		case <-p.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Authors returns the authors with a live processor, sorted.
func (m *Manager) Authors() []string {
	m.mux.Lock()
	defer m.mux.Unlock()

	authors := make([]string, 0, len(m.processors))
	for author := range m.processors {
		authors = append(authors, author)
	}
	sort.Strings(authors)
	return authors
}

// Wait blocks until every processor goroutine has exited. Call it after
// cancelling the context given to NewManager. No processor starts once Wait
// has been called.
func (m *Manager) Wait() {
	m.mux.Lock()
	m.stopped = true
	m.mux.Unlock()
	m.wg.Wait()
}
