package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/models"
	"golang.org/x/sync/errgroup"
)

// WorkItem asks for one execution to be driven. Event is nil for fresh starts and for
// promoted queue entries.
type WorkItem struct {
	ExecutionID string
	TenantID    string
	Event       *models.WakeEvent
}

// Processor drives a work item to the next suspension point.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// Dispatcher hands work items to whoever drives executions.
type Dispatcher interface {
	Dispatch(ctx context.Context, item WorkItem) error
}

// InlineDispatcher processes items on the caller's goroutine.
type InlineDispatcher struct {
	processor Processor
}

func NewInlineDispatcher(processor Processor) *InlineDispatcher {
	return &InlineDispatcher{processor: processor}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, item WorkItem) error {
	return d.processor.Process(ctx, item)
}

// PoolDispatcher feeds a fixed number of worker goroutines through a buffered queue.
// Items dispatched by a pool worker itself, such as a promoted queue entry, never wait for
// queue space: when the queue is full the worker drives them inline.
type PoolDispatcher struct {
	logger    *slog.Logger
	processor Processor
	workers   int
	queue     chan WorkItem

	mu      sync.RWMutex
	running bool
	done    chan struct{}
	group   *errgroup.Group
}

type poolWorkerKey struct{}

func NewPoolDispatcher(logger *slog.Logger, processor Processor, workers, queueSize int) *PoolDispatcher {
	if workers <= 0 {
		workers = 1
	}

	if queueSize <= 0 {
		queueSize = workers * 16
	}

	return &PoolDispatcher{
		logger:    logger.With("module", "pool_dispatcher"),
		processor: processor,
		workers:   workers,
		queue:     make(chan WorkItem, queueSize),
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (d *PoolDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}

	done := make(chan struct{})
	group, groupCtx := errgroup.WithContext(ctx)
	workerCtx := context.WithValue(groupCtx, poolWorkerKey{}, d)

	for i := 0; i < d.workers; i++ {
		worker := i

		group.Go(func() error {
			d.work(workerCtx, done, worker)

			return nil
		})
	}

	d.done = done
	d.group = group
	d.running = true
}

func (d *PoolDispatcher) work(ctx context.Context, done <-chan struct{}, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			d.drain(ctx, worker)

			return
		case item := <-d.queue:
			d.process(ctx, worker, item)
		}
	}
}

// drain processes what is left in the queue after Stop.
func (d *PoolDispatcher) drain(ctx context.Context, worker int) {
	for {
		select {
		case item := <-d.queue:
			d.process(ctx, worker, item)
		default:
			return
		}
	}
}

func (d *PoolDispatcher) process(ctx context.Context, worker int, item WorkItem) {
	err := d.processor.Process(ctx, item)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to process execution",
			"worker", worker,
			"execution_id", item.ExecutionID,
			"error", err,
		)
	}
}

func (d *PoolDispatcher) Dispatch(ctx context.Context, item WorkItem) error {
	d.mu.RLock()
	running, done := d.running, d.done
	d.mu.RUnlock()

	if !running {
		return ErrDispatcherNotStarted
	}

	select {
	case d.queue <- item:
		return nil
	default:
	}

	if ctx.Value(poolWorkerKey{}) == d {
		d.logger.DebugContext(ctx, "Queue full, processing inline", "execution_id", item.ExecutionID)

		return d.processor.Process(ctx, item)
	}

	select {
	case d.queue <- item:
		return nil
	case <-done:
		return ErrDispatcherNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the workers, lets them drain the queue and waits for them to finish.
func (d *PoolDispatcher) Stop() error {
	d.mu.Lock()

	if !d.running {
		d.mu.Unlock()

		return nil
	}

	d.running = false
	close(d.done)
	group := d.group
	d.mu.Unlock()

	return group.Wait()
}

// BusDispatcher publishes work items on the event bus for the worker fleet to consume.
type BusDispatcher struct {
	publisher eventbus.EventPublisher
}

func NewBusDispatcher(publisher eventbus.EventPublisher) *BusDispatcher {
	return &BusDispatcher{publisher: publisher}
}

func (d *BusDispatcher) Dispatch(ctx context.Context, item WorkItem) error {
	event := events.ExecutionDispatch{
		BaseEvent:   events.NewBaseEvent(events.ExecutionDispatchEvent, item.TenantID),
		ExecutionID: item.ExecutionID,
		Event:       item.Event,
	}

	return d.publisher.Publish(ctx, item.ExecutionID, event)
}

// DispatchHandler adapts a Processor to consume ExecutionDispatch events from the bus.
func DispatchHandler(processor Processor) eventbus.EventHandler {
	return func(ctx context.Context, event eventbus.Event) error {
		dispatch, ok := event.(*events.ExecutionDispatch)
		if !ok {
			return nil
		}

		return processor.Process(ctx, WorkItem{
			ExecutionID: dispatch.ExecutionID,
			TenantID:    dispatch.TenantID,
			Event:       dispatch.Event,
		})
	}
}
