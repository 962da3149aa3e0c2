// Package store provides the SyncProcessor that drains the sync queue into
// the portal store.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SyncHandler replicates a single captured change for one source table.
type SyncHandler func(ctx context.Context, op SyncOperation, recordID, jsonData string) error

// Default SyncProcessor tuning.
const (
	// DefaultSyncBatchSize is the maximum number of items claimed per poll.
	DefaultSyncBatchSize = 50
	// DefaultSyncMaxAttempts is the number of failures before an item is
	// terminally Failed.
	DefaultSyncMaxAttempts = 5
	// DefaultBusyInterval is the poll cadence while pending items exist.
	DefaultBusyInterval = 5 * time.Second
	// DefaultIdleInterval is the poll cadence once the queue drains.
	DefaultIdleInterval = 60 * time.Second
)

// SyncProcessorOpts holds configuration for the SyncProcessor.
type SyncProcessorOpts struct {
	BatchSize    int
	MaxAttempts  int
	BusyInterval time.Duration
	IdleInterval time.Duration
}

// SyncProcessorOption configures a SyncProcessor.
type SyncProcessorOption func(*SyncProcessorOpts)

// WithSyncBatchSize sets the per-poll claim limit.
func WithSyncBatchSize(n int) SyncProcessorOption {
	return func(o *SyncProcessorOpts) {
		o.BatchSize = n
	}
}

// WithSyncMaxAttempts sets the retry budget per item.
func WithSyncMaxAttempts(n int) SyncProcessorOption {
	return func(o *SyncProcessorOpts) {
		o.MaxAttempts = n
	}
}

// WithSyncIntervals sets the busy and idle poll cadences.
func WithSyncIntervals(busy, idle time.Duration) SyncProcessorOption {
	return func(o *SyncProcessorOpts) {
		o.BusyInterval = busy
		o.IdleInterval = idle
	}
}

// SyncProcessor periodically drains Pending sync queue items and dispatches
// them to table-specific replication handlers. It is the queue's only
// consumer: a single poll cycle runs at a time, items for the same
// (table, record) are processed in queue_id order within a pass, and an
// in-flight batch always finishes before the loop stops.
type SyncProcessor struct {
	queue        SyncQueueRepo
	handlers     map[string]SyncHandler
	mu           sync.RWMutex
	batchSize    int
	maxAttempts  int
	busyInterval time.Duration
	idleInterval time.Duration

	polling atomic.Bool // single-flight guard for overlapping cycles
	busy    atomic.Bool // last poll saw pending work
}

// NewSyncProcessor creates a SyncProcessor over the given queue repository.
func NewSyncProcessor(queue SyncQueueRepo, opts ...SyncProcessorOption) *SyncProcessor {
	cfg := SyncProcessorOpts{
		BatchSize:    DefaultSyncBatchSize,
		MaxAttempts:  DefaultSyncMaxAttempts,
		BusyInterval: DefaultBusyInterval,
		IdleInterval: DefaultIdleInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSyncBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultSyncMaxAttempts
	}
	if cfg.BusyInterval <= 0 {
		cfg.BusyInterval = DefaultBusyInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	return &SyncProcessor{
		queue:        queue,
		handlers:     make(map[string]SyncHandler),
		batchSize:    cfg.BatchSize,
		maxAttempts:  cfg.MaxAttempts,
		busyInterval: cfg.BusyInterval,
		idleInterval: cfg.IdleInterval,
	}
}

// RegisterHandler registers the replication handler for a source table.
func (p *SyncProcessor) RegisterHandler(tableName string, handler SyncHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[tableName] = handler
	slog.Debug("SyncProcessor.RegisterHandler", "table", tableName)
}

// Run starts the polling loop and blocks until the context is cancelled.
// Cancellation lets an in-flight batch finish; only the timer is interrupted.
func (p *SyncProcessor) Run(ctx context.Context) {
	slog.Info("SyncProcessor.Run: starting sync processor",
		"busyInterval", p.busyInterval, "idleInterval", p.idleInterval,
		"batchSize", p.batchSize, "maxAttempts", p.maxAttempts)

	// Start on the fast cadence so a backlog accumulated while the process
	// was down is drained promptly.
	ticker := time.NewTicker(p.busyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("SyncProcessor.Run: stopping")
			return
		case <-ticker.C:
			wasBusy := p.busy.Load()
			p.Poll(ctx)
			nowBusy := p.busy.Load()
			if nowBusy != wasBusy {
				if nowBusy {
					slog.Debug("SyncProcessor.Run: work observed, switching to busy cadence", "interval", p.busyInterval)
				} else {
					slog.Debug("SyncProcessor.Run: queue idle, backing off", "interval", p.idleInterval)
				}
			}
			// Reset every cycle, not just on transitions: a processor that
			// starts against an empty queue must still land on the idle
			// cadence after its first poll.
			if nowBusy {
				ticker.Reset(p.busyInterval)
			} else {
				ticker.Reset(p.idleInterval)
			}
		}
	}
}

// Poll runs one drain cycle. It is a no-op if a cycle is already running
// (a slow cycle must never overlap the next tick). Exposed for tests and for
// the manual drain endpoint.
func (p *SyncProcessor) Poll(ctx context.Context) {
	if !p.polling.CompareAndSwap(false, true) {
		slog.Warn("SyncProcessor.Poll: previous cycle still running, skipping")
		return
	}
	defer p.polling.Store(false)

	items, err := p.queue.ListPendingItems(p.batchSize)
	if err != nil {
		slog.Error("SyncProcessor.Poll: listing pending items failed", "error", err)
		return
	}
	p.busy.Store(len(items) > 0)
	if len(items) == 0 {
		return
	}

	slog.Debug("SyncProcessor.Poll: processing batch", "count", len(items))
	for _, item := range items {
		p.processItem(ctx, item)
	}
}

// processItem dispatches one item to its table handler. Handler errors are
// contained per item and never abort the batch.
func (p *SyncProcessor) processItem(ctx context.Context, item SyncQueueItem) {
	p.mu.RLock()
	handler, ok := p.handlers[item.TableName]
	p.mu.RUnlock()

	if !ok {
		p.recordFailure(item, fmt.Sprintf("no replication handler for table %q", item.TableName))
		return
	}

	if err := handler(ctx, item.Operation, item.RecordID, item.JSONData); err != nil {
		slog.Error("SyncProcessor.processItem: handler failed",
			"queueID", item.QueueID, "table", item.TableName, "recordID", item.RecordID,
			"attempt", item.Attempts+1, "error", err)
		p.recordFailure(item, err.Error())
		return
	}

	if err := p.queue.MarkItemSynced(item.QueueID); err != nil {
		slog.Error("SyncProcessor.processItem: mark synced failed", "queueID", item.QueueID, "error", err)
		return
	}
	slog.Debug("SyncProcessor.processItem: item synced", "queueID", item.QueueID, "table", item.TableName, "recordID", item.RecordID)
}

func (p *SyncProcessor) recordFailure(item SyncQueueItem, errMsg string) {
	status, err := p.queue.RecordItemFailure(item.QueueID, errMsg, p.maxAttempts)
	if err != nil {
		slog.Error("SyncProcessor.recordFailure: recording failure failed", "queueID", item.QueueID, "error", err)
		return
	}
	if status == SyncStatusFailed {
		slog.Warn("SyncProcessor.recordFailure: item requires operator attention",
			"queueID", item.QueueID, "table", item.TableName, "recordID", item.RecordID, "lastError", errMsg)
	}
}

// Busy reports whether the last poll observed pending work.
func (p *SyncProcessor) Busy() bool {
	return p.busy.Load()
}

// PortalSyncHandler builds the standard replication handler for a table
// backed by the portal store: INSERT/UPDATE upsert the JSON snapshot, DELETE
// removes the replica row.
func PortalSyncHandler(portal PortalRepo, tableName string) SyncHandler {
	return func(ctx context.Context, op SyncOperation, recordID, jsonData string) error {
		switch op {
		case SyncOpInsert, SyncOpUpdate:
			if jsonData == "" {
				return fmt.Errorf("missing json snapshot for %s %s/%s", op, tableName, recordID)
			}
			return portal.UpsertPortalRecord(tableName, recordID, jsonData)
		case SyncOpDelete:
			return portal.DeletePortalRecord(tableName, recordID)
		default:
			return fmt.Errorf("unknown sync operation %q", op)
		}
	}
}
