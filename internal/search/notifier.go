package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/telemetry"
)

// Indexer is what the notifier feeds. *Service implements it.
type Indexer interface {
	Put(ctx context.Context, doc model.Document) error
}

// Notifier indexes documents in the background. Notify never blocks: when
// the queue is full the document is dropped and a warning logged. Indexing
// failures are logged and never reported to the caller.
type Notifier struct {
	indexer Indexer
	logger  *slog.Logger
	timeout time.Duration
	workers int

	mu     sync.RWMutex
	queue  chan model.Document
	closed bool

	group *errgroup.Group
}

// NewNotifier creates a notifier with a bounded queue.
func NewNotifier(indexer Indexer, queueSize, workers int, logger *slog.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}
	return &Notifier{
		indexer: indexer,
		logger:  logger,
		timeout: 30 * time.Second,
		workers: workers,
		queue:   make(chan model.Document, queueSize),
	}
}

// Start launches the workers. They exit once Drain closes the queue.
func (n *Notifier) Start(ctx context.Context) {
	n.registerMetrics()
	n.group = &errgroup.Group{}
	for range n.workers {
		n.group.Go(func() error {
			n.work(context.WithoutCancel(ctx))
			return nil
		})
	}
}

// Notify enqueues doc for indexing and reports whether it was accepted.
func (n *Notifier) Notify(doc model.Document) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.queue <- doc:
		return true
	default:
		n.logger.Warn("search notifier: queue full, dropping document", "kind", doc.Kind, "id", doc.ID)
		return false
	}
}

// Pending returns the number of queued documents.
func (n *Notifier) Pending() int {
	return len(n.queue)
}

// Drain stops accepting documents and waits for queued ones to be indexed,
// or for ctx to expire.
func (n *Notifier) Drain(ctx context.Context) {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	if n.group == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = n.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		n.logger.Warn("search notifier: drain timed out", "pending", n.Pending())
	}
}

func (n *Notifier) work(ctx context.Context) {
	for doc := range n.queue {
		putCtx, cancel := context.WithTimeout(ctx, n.timeout)
		if err := n.indexer.Put(putCtx, doc); err != nil {
			n.logger.Warn("search notifier: index document failed", "kind", doc.Kind, "id", doc.ID, "error", err)
		}
		cancel()
	}
}

func (n *Notifier) registerMetrics() {
	meter := telemetry.Meter("refly/search")
	_, _ = meter.Int64ObservableGauge("refly.search.queue.depth",
		metric.WithDescription("Documents waiting to be indexed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(n.Pending()))
			return nil
		}),
	)
}
