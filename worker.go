package crawlqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Processor processes one work item. A returned error reports a failure to
// the retry policy; a nil error acknowledges the item.
type Processor func(ctx context.Context, item *WorkItem) error

// releaseTimeout bounds the lease release issued while shutting down.
const releaseTimeout = 5 * time.Second

// Worker represents a background worker that processes items from a scheduler.
// It leases items one at a time, keeps the lease alive while the processor
// runs, and periodically reclaims leases abandoned by crashed workers.
type Worker struct {
	scheduler *Scheduler
	processor Processor
	config    *Config
	workerID  string
	logger    *slog.Logger

	stopOnce   sync.Once
	stopCh     chan struct{}
	cancelWait context.CancelFunc
	wg         sync.WaitGroup
}

// NewWorker creates a new worker.
// config supplies lease and reclaim timing; nil or invalid uses the scheduler's config.
// workerID identifies lease owners; empty generates one with NewWorkerID.
func NewWorker(scheduler *Scheduler, processor Processor, config *Config, workerID string, logger *slog.Logger) *Worker {
	if workerID == "" {
		workerID = NewWorkerID()
	}
	if logger == nil {
		logger = scheduler.logger
	}
	if config == nil {
		config = scheduler.cfg
	} else if err := config.Validate(); err != nil {
		logger.Warn("invalid worker config, using the scheduler's", "workerID", workerID, "error", err)
		config = scheduler.cfg
	}
	return &Worker{
		scheduler: scheduler,
		processor: processor,
		config:    config,
		workerID:  workerID,
		logger:    logger.With("workerID", workerID),
		stopCh:    make(chan struct{}),
	}
}

// ID returns the worker id used as lease owner.
func (w *Worker) ID() string { return w.workerID }

// Start opens the scheduler and starts the processing and reclaim loops.
// It returns immediately after starting the background goroutines.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.scheduler.Open(ctx); err != nil {
		return fmt.Errorf("open scheduler: %w", err)
	}
	waitCtx, cancel := context.WithCancel(ctx)
	w.cancelWait = cancel

	w.wg.Add(2)
	go w.reclaimLoop(waitCtx)
	go w.processLoop(ctx, waitCtx)
	return nil
}

// Stop stops the worker gracefully. The item being processed, if any,
// completes and is acknowledged before Stop returns.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.cancelWait != nil {
			w.cancelWait()
		}
	})
	w.wg.Wait()
}

// processLoop leases and processes items until stopped. waitCtx interrupts
// the idle wait on Stop; ctx governs processing itself.
func (w *Worker) processLoop(ctx, waitCtx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		d, err := w.scheduler.Next(waitCtx, w.workerID)
		if err != nil {
			if waitCtx.Err() != nil {
				return
			}
			w.logger.Error("failed to lease item", "error", err)
			_ = sleepContext(waitCtx, w.config.PollMaxInterval)
			continue
		}
		if d == nil {
			continue
		}
		w.handle(ctx, d)
	}
}

// handle runs the processor under a heartbeat and settles the delivery.
func (w *Worker) handle(ctx context.Context, d *Delivery) {
	procCtx, cancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go w.heartbeat(procCtx, d.Lease, hbDone)

	err := w.processor(procCtx, d.Item)
	cancel()
	<-hbDone

	if ctx.Err() != nil {
		w.release(ctx, d)
		return
	}
	if err != nil {
		decision, ok, ferr := w.scheduler.Fail(ctx, d, err)
		if ferr != nil {
			w.logger.Error("failed to record failure", "itemID", d.Item.ID, "error", ferr)
			return
		}
		if !ok {
			w.logger.Warn("lease lost before failure was recorded", "itemID", d.Item.ID)
			return
		}
		w.logger.Debug("item failed", "itemID", d.Item.ID, "decision", decision.Kind, "delay", decision.Delay, "error", err)
		return
	}

	ok, err := w.scheduler.Ack(ctx, d.Lease)
	if err != nil {
		w.logger.Error("failed to ack item", "itemID", d.Item.ID, "error", err)
		return
	}
	if !ok {
		w.logger.Warn("lease lost before ack", "itemID", d.Item.ID)
	}
}

// release gives the delivery back after ctx was cancelled mid-processing.
func (w *Worker) release(ctx context.Context, d *Delivery) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := w.scheduler.Release(rctx, d.Lease); err != nil {
		w.logger.Error("failed to release lease on shutdown", "itemID", d.Item.ID, "error", err)
		return
	}
	w.logger.Info("lease released on shutdown", "itemID", d.Item.ID)
}

// heartbeat extends the lease every third of the lease duration until ctx ends.
func (w *Worker) heartbeat(ctx context.Context, lease *Lease, done chan<- struct{}) {
	defer close(done)

	interval := w.config.LeaseDuration() / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.scheduler.Extend(ctx, lease)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("failed to extend lease", "itemID", lease.ItemID, "error", err)
				continue
			}
			if !ok {
				w.logger.Warn("lease lost during processing", "itemID", lease.ItemID)
				return
			}
		}
	}
}

// reclaimLoop periodically reclaims expired leases.
func (w *Worker) reclaimLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ReclaimInterval)
	defer ticker.Stop()

	// Run reclaim immediately on start
	w.reclaim(ctx)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reclaim(ctx)
		}
	}
}

func (w *Worker) reclaim(ctx context.Context) {
	n, err := w.scheduler.ReclaimExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to reclaim expired leases", "error", err)
		}
		return
	}
	if n > 0 {
		w.logger.Info("reclaimed expired leases", "count", n)
	}
}
