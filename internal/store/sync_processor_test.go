package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeQueue is an in-memory SyncQueueRepo for processor tests.
type fakeQueue struct {
	mu     sync.Mutex
	nextID int64
	items  []*SyncQueueItem
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{nextID: 1}
}

func (q *fakeQueue) EnqueueSyncItem(tableName, recordID string, op SyncOperation, jsonData string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := &SyncQueueItem{
		QueueID:   q.nextID,
		TableName: tableName,
		RecordID:  recordID,
		Operation: op,
		JSONData:  jsonData,
		Status:    SyncStatusPending,
		CreatedAt: time.Now(),
	}
	q.nextID++
	q.items = append(q.items, item)
	return item.QueueID, nil
}

func (q *fakeQueue) ListPendingItems(limit int) ([]SyncQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []SyncQueueItem
	for _, item := range q.items {
		if item.Status == SyncStatusPending {
			out = append(out, *item)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (q *fakeQueue) MarkItemSynced(queueID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.QueueID == queueID {
			item.Status = SyncStatusSynced
			item.LastError = ""
			return nil
		}
	}
	return fmt.Errorf("item %d not found", queueID)
}

func (q *fakeQueue) RecordItemFailure(queueID int64, errMsg string, maxAttempts int) (SyncStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.QueueID == queueID {
			item.Attempts++
			item.LastError = errMsg
			if item.Attempts >= maxAttempts {
				item.Status = SyncStatusFailed
			}
			return item.Status, nil
		}
	}
	return "", fmt.Errorf("item %d not found", queueID)
}

func (q *fakeQueue) ListFailedItems(limit int) ([]SyncQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []SyncQueueItem
	for _, item := range q.items {
		if item.Status == SyncStatusFailed {
			out = append(out, *item)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (q *fakeQueue) SyncQueueStatus() (QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var qs QueueStatus
	for _, item := range q.items {
		switch item.Status {
		case SyncStatusPending:
			qs.Pending++
		case SyncStatusSynced:
			qs.Synced++
		case SyncStatusFailed:
			qs.Failed++
		}
	}
	return qs, nil
}

func (q *fakeQueue) item(queueID int64) SyncQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.QueueID == queueID {
			return *item
		}
	}
	return SyncQueueItem{}
}

func TestSyncProcessorMarksBatchSynced(t *testing.T) {
	queue := newFakeQueue()
	for i := 0; i < 3; i++ {
		queue.EnqueueSyncItem("aligner_sets", fmt.Sprintf("as_%d", i), SyncOpUpdate, `{"stage":2}`)
	}

	p := NewSyncProcessor(queue)
	p.RegisterHandler("aligner_sets", func(ctx context.Context, op SyncOperation, recordID, jsonData string) error {
		return nil
	})

	p.Poll(context.Background())

	qs, _ := queue.SyncQueueStatus()
	if qs.Synced != 3 || qs.Pending != 0 {
		t.Fatalf("expected 3 synced / 0 pending, got %+v", qs)
	}
	// The poll that drained the queue still counts as busy; the next empty
	// poll flips to idle cadence.
	if !p.Busy() {
		t.Error("expected busy after a poll that claimed items")
	}
	p.Poll(context.Background())
	if p.Busy() {
		t.Error("expected idle after an empty poll")
	}
}

func TestSyncProcessorRetriesThenFails(t *testing.T) {
	queue := newFakeQueue()
	id, _ := queue.EnqueueSyncItem("patients", "p_1", SyncOpUpdate, `{"name":"x"}`)

	p := NewSyncProcessor(queue, WithSyncMaxAttempts(3))
	p.RegisterHandler("patients", func(ctx context.Context, op SyncOperation, recordID, jsonData string) error {
		return errors.New("portal unavailable")
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p.Poll(ctx)
	}

	item := queue.item(id)
	if item.Status != SyncStatusFailed {
		t.Fatalf("expected Failed after 3 attempts, got %s (attempts=%d)", item.Status, item.Attempts)
	}
	if item.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", item.Attempts)
	}
	if item.LastError != "portal unavailable" {
		t.Errorf("expected last error recorded, got %q", item.LastError)
	}

	// Terminal items are excluded from subsequent polls.
	pending, _ := queue.ListPendingItems(10)
	if len(pending) != 0 {
		t.Errorf("expected no pending items, got %d", len(pending))
	}
}

func TestSyncProcessorMissingHandlerCountsAsFailure(t *testing.T) {
	queue := newFakeQueue()
	id, _ := queue.EnqueueSyncItem("mystery_table", "m_1", SyncOpInsert, `{}`)

	p := NewSyncProcessor(queue, WithSyncMaxAttempts(1))
	p.Poll(context.Background())

	item := queue.item(id)
	if item.Status != SyncStatusFailed {
		t.Fatalf("expected Failed for unhandled table, got %s", item.Status)
	}
	if item.LastError == "" {
		t.Error("expected last error to name the missing handler")
	}
}

func TestSyncProcessorOneBadItemDoesNotAbortBatch(t *testing.T) {
	queue := newFakeQueue()
	queue.EnqueueSyncItem("patients", "p_1", SyncOpUpdate, `{"n":1}`)
	badID, _ := queue.EnqueueSyncItem("patients", "p_2", SyncOpUpdate, `{"n":2}`)
	queue.EnqueueSyncItem("patients", "p_3", SyncOpUpdate, `{"n":3}`)

	p := NewSyncProcessor(queue, WithSyncMaxAttempts(5))
	p.RegisterHandler("patients", func(ctx context.Context, op SyncOperation, recordID, jsonData string) error {
		if recordID == "p_2" {
			return errors.New("bad row")
		}
		return nil
	})

	p.Poll(context.Background())

	qs, _ := queue.SyncQueueStatus()
	if qs.Synced != 2 {
		t.Errorf("expected 2 synced, got %d", qs.Synced)
	}
	if item := queue.item(badID); item.Attempts != 1 || item.Status != SyncStatusPending {
		t.Errorf("expected bad item pending with 1 attempt, got %+v", item)
	}
}

func TestSyncProcessorFIFOPerRecord(t *testing.T) {
	queue := newFakeQueue()
	queue.EnqueueSyncItem("appointments", "a_1", SyncOpInsert, `{"v":1}`)
	queue.EnqueueSyncItem("appointments", "a_1", SyncOpUpdate, `{"v":2}`)
	queue.EnqueueSyncItem("appointments", "a_1", SyncOpDelete, "")

	var ops []SyncOperation
	p := NewSyncProcessor(queue)
	p.RegisterHandler("appointments", func(ctx context.Context, op SyncOperation, recordID, jsonData string) error {
		ops = append(ops, op)
		return nil
	})

	p.Poll(context.Background())

	want := []SyncOperation{SyncOpInsert, SyncOpUpdate, SyncOpDelete}
	if len(ops) != len(want) {
		t.Fatalf("expected %d ops, got %d", len(want), len(ops))
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("op %d: expected %s, got %s", i, want[i], ops[i])
		}
	}
}

func TestSyncProcessorSingleFlight(t *testing.T) {
	queue := newFakeQueue()
	queue.EnqueueSyncItem("patients", "p_1", SyncOpUpdate, `{}`)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int

	p := NewSyncProcessor(queue)
	p.RegisterHandler("patients", func(ctx context.Context, op SyncOperation, recordID, jsonData string) error {
		calls++
		close(entered)
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		p.Poll(context.Background())
		close(done)
	}()
	<-entered

	// Overlapping cycle must be skipped while the first is in flight.
	p.Poll(context.Background())

	close(release)
	<-done

	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}
}

// countingQueue counts poll round trips on top of fakeQueue.
type countingQueue struct {
	*fakeQueue
	countMu sync.Mutex
	lists   int
}

func (q *countingQueue) ListPendingItems(limit int) ([]SyncQueueItem, error) {
	q.countMu.Lock()
	q.lists++
	q.countMu.Unlock()
	return q.fakeQueue.ListPendingItems(limit)
}

func (q *countingQueue) listCalls() int {
	q.countMu.Lock()
	defer q.countMu.Unlock()
	return q.lists
}

func TestSyncProcessorRunBacksOffWhenStartingIdle(t *testing.T) {
	queue := &countingQueue{fakeQueue: newFakeQueue()}
	p := NewSyncProcessor(queue, WithSyncIntervals(10*time.Millisecond, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for queue.listCalls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("processor never polled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// An empty first poll must move the loop onto the idle cadence; on the
	// fast cadence dozens more polls would land in this window.
	time.Sleep(150 * time.Millisecond)
	if n := queue.listCalls(); n != 1 {
		t.Errorf("polls after idle start = %d, want 1", n)
	}

	cancel()
	<-done
}

func TestPortalSyncHandler(t *testing.T) {
	portal := &fakePortal{records: make(map[string]string)}
	handler := PortalSyncHandler(portal, "patients")
	ctx := context.Background()

	if err := handler(ctx, SyncOpInsert, "p_1", `{"name":"Ana"}`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if portal.records["patients/p_1"] != `{"name":"Ana"}` {
		t.Error("expected record upserted")
	}

	if err := handler(ctx, SyncOpUpdate, "p_1", `{"name":"Ana B"}`); err != nil {
		t.Fatalf("update: %v", err)
	}
	if portal.records["patients/p_1"] != `{"name":"Ana B"}` {
		t.Error("expected record updated")
	}

	if err := handler(ctx, SyncOpDelete, "p_1", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := portal.records["patients/p_1"]; ok {
		t.Error("expected record deleted")
	}

	// A data-bearing op with no snapshot is a handler failure, not a crash.
	if err := handler(ctx, SyncOpInsert, "p_2", ""); err == nil {
		t.Error("expected error for insert without snapshot")
	}
}

type fakePortal struct {
	records map[string]string
}

func (f *fakePortal) UpsertPortalRecord(tableName, recordID, jsonData string) error {
	f.records[tableName+"/"+recordID] = jsonData
	return nil
}

func (f *fakePortal) DeletePortalRecord(tableName, recordID string) error {
	delete(f.records, tableName+"/"+recordID)
	return nil
}
