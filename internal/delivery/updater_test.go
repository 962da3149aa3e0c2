package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MapleDental/RelayCore/internal/breaker"
	"github.com/MapleDental/RelayCore/internal/events"
	"github.com/MapleDental/RelayCore/internal/models"
)

// fakeRepo is an in-memory MessageStatusRepo recording batch calls.
type fakeRepo struct {
	mu      sync.Mutex
	rows    map[string]map[int64]models.MessageStatusRecord
	targets map[string][]models.ReminderTarget
	batches int
	err     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rows:    make(map[string]map[int64]models.MessageStatusRecord),
		targets: make(map[string][]models.ReminderTarget),
	}
}

func (f *fakeRepo) UpsertStatus(update models.StatusUpdate, date string) error {
	_, err := f.BatchUpdateStatuses([]models.StatusUpdate{update}, date)
	return err
}

func (f *fakeRepo) BatchUpdateStatuses(updates []models.StatusUpdate, date string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.batches++
	day, ok := f.rows[date]
	if !ok {
		day = make(map[int64]models.MessageStatusRecord)
		f.rows[date] = day
	}
	for _, u := range updates {
		day[u.AppointmentID] = models.MessageStatusRecord{
			AppointmentID:     u.AppointmentID,
			MessageDate:       date,
			Ack:               models.StatusToAck(u.Status),
			ExternalMessageID: u.ExternalMessageID,
		}
	}
	return len(updates), nil
}

func (f *fakeRepo) ListStatusesForDate(date string) ([]models.MessageStatusRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []models.MessageStatusRecord
	for _, r := range f.rows[date] {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRepo) ResetStatusesForDate(date string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	n := len(f.rows[date])
	delete(f.rows, date)
	return n, nil
}

func (f *fakeRepo) ListReminderTargets(date string) ([]models.ReminderTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[date], nil
}

// fakeBroadcaster records broadcast events.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
	data   []map[string]interface{}
}

func (f *fakeBroadcaster) BroadcastEvent(eventType string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	f.data = append(f.data, data)
}

// hubBroadcaster builds envelopes through the same construction path the
// live hub uses, so payloads that fail envelope validation fail the test
// instead of being silently dropped.
type hubBroadcaster struct {
	t         *testing.T
	envelopes []*events.Envelope
}

func (h *hubBroadcaster) BroadcastEvent(eventType string, data map[string]interface{}) {
	env, err := events.CreateMessage(eventType, data, nil)
	if err != nil {
		h.t.Errorf("broadcast payload rejected: %v", err)
		return
	}
	h.envelopes = append(h.envelopes, env)
}

func newTestUpdater(repo *fakeRepo, b Broadcaster) *Updater {
	brk := breaker.New("db", breaker.WithFailureThreshold(2), breaker.WithCooldown(time.Minute))
	u := NewUpdater(repo, brk, b)
	u.now = func() time.Time { return time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC) }
	return u
}

func TestBatchUpdateAppliesAndBroadcastsOnce(t *testing.T) {
	repo := newFakeRepo()
	bc := &fakeBroadcaster{}
	u := newTestUpdater(repo, bc)

	result, err := u.BatchUpdate(context.Background(), []models.StatusUpdate{
		{AppointmentID: 1, Status: "server"},
		{AppointmentID: 2, Status: "read"},
		{AppointmentID: 3, Status: "device"},
	})
	if err != nil {
		t.Fatalf("BatchUpdate failed: %v", err)
	}
	if result.Updated != 3 || result.Failed != 0 {
		t.Errorf("result = %+v", result)
	}
	if repo.batches != 1 {
		t.Errorf("round trips = %d, want 1", repo.batches)
	}
	if len(bc.events) != 1 || bc.events[0] != events.EventWhatsAppBatchStatus {
		t.Errorf("broadcasts = %v, want one batch event", bc.events)
	}
	if bc.data[0]["date"] != "2026-08-31" {
		t.Errorf("broadcast date = %v", bc.data[0]["date"])
	}
}

func TestBatchUpdateBroadcastPassesEnvelopeValidation(t *testing.T) {
	repo := newFakeRepo()
	bc := &hubBroadcaster{t: t}
	u := newTestUpdater(repo, bc)

	_, err := u.BatchUpdate(context.Background(), []models.StatusUpdate{
		{AppointmentID: 1, Status: "server", ExternalMessageID: "m1"},
		{AppointmentID: 2, Status: "read", ExternalMessageID: "m2"},
	})
	if err != nil {
		t.Fatalf("BatchUpdate failed: %v", err)
	}
	if len(bc.envelopes) != 1 {
		t.Fatalf("envelopes = %d, want 1", len(bc.envelopes))
	}

	env := bc.envelopes[0]
	if env.Type != events.EventWhatsAppBatchStatus {
		t.Errorf("type = %q", env.Type)
	}
	entries, ok := env.Data["updates"].([]interface{})
	if !ok {
		t.Fatalf("updates = %T, want []interface{}", env.Data["updates"])
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	first, ok := entries[0].(map[string]interface{})
	if !ok {
		t.Fatalf("entry = %T, want map", entries[0])
	}
	if first["appointmentId"] != int64(1) || first["ack"] != int(models.AckServer) {
		t.Errorf("entry = %+v", first)
	}
}

func TestBatchUpdateEmptyBatchRejected(t *testing.T) {
	u := newTestUpdater(newFakeRepo(), nil)

	if _, err := u.BatchUpdate(context.Background(), nil); !errors.Is(err, models.ErrEmptyBatch) {
		t.Errorf("error = %v, want ErrEmptyBatch", err)
	}
	if _, err := u.BatchUpdate(context.Background(), []models.StatusUpdate{}); !errors.Is(err, models.ErrEmptyBatch) {
		t.Errorf("error = %v, want ErrEmptyBatch", err)
	}
}

func TestBatchUpdateInvalidEntriesDoNotAbort(t *testing.T) {
	repo := newFakeRepo()
	u := newTestUpdater(repo, nil)

	result, err := u.BatchUpdate(context.Background(), []models.StatusUpdate{
		{AppointmentID: 0, Status: "server"}, // missing appointment
		{AppointmentID: 2, Status: ""},       // missing status
		{AppointmentID: 3, Status: "read"},
	})
	if err != nil {
		t.Fatalf("BatchUpdate failed: %v", err)
	}
	if result.Updated != 1 || result.Failed != 2 {
		t.Errorf("result = %+v", result)
	}
	if len(result.Errors) != 2 {
		t.Errorf("errors = %+v", result.Errors)
	}
}

func TestBatchUpdateIdempotent(t *testing.T) {
	repo := newFakeRepo()
	u := newTestUpdater(repo, nil)
	batch := []models.StatusUpdate{
		{AppointmentID: 1, Status: "read", ExternalMessageID: "m1"},
		{AppointmentID: 2, Status: "server", ExternalMessageID: "m2"},
	}

	if _, err := u.BatchUpdate(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	first, _ := repo.ListStatusesForDate("2026-08-31")

	if _, err := u.BatchUpdate(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	second, _ := repo.ListStatusesForDate("2026-08-31")

	if len(first) != len(second) {
		t.Errorf("row count changed on re-apply: %d -> %d", len(first), len(second))
	}
}

func TestBatchUpdatePersistFailureMarksAllValid(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("disk I/O error")
	u := newTestUpdater(repo, nil)

	result, err := u.BatchUpdate(context.Background(), []models.StatusUpdate{
		{AppointmentID: 1, Status: "server"},
		{AppointmentID: 2, Status: "read"},
	})
	if err != nil {
		t.Fatalf("persist failure should be reported in result, got request error %v", err)
	}
	if result.Failed != 2 || result.Updated != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestBatchUpdateBreakerOpenReturnedToCaller(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("connection refused")
	u := newTestUpdater(repo, nil)
	batch := []models.StatusUpdate{{AppointmentID: 1, Status: "server"}}

	// Threshold is 2: two failing rounds trip the breaker.
	u.BatchUpdate(context.Background(), batch)
	u.BatchUpdate(context.Background(), batch)

	_, err := u.BatchUpdate(context.Background(), batch)
	if !breaker.IsOpen(err) {
		t.Errorf("error = %v, want breaker open", err)
	}
}

func TestRecordUpdateBroadcastsStatusEvent(t *testing.T) {
	repo := newFakeRepo()
	bc := &fakeBroadcaster{}
	u := newTestUpdater(repo, bc)

	err := u.RecordUpdate(context.Background(), models.StatusUpdate{
		AppointmentID:     7,
		Status:            "device",
		ExternalMessageID: "m7",
	})
	if err != nil {
		t.Fatalf("RecordUpdate failed: %v", err)
	}
	if len(bc.events) != 1 || bc.events[0] != events.EventWhatsAppStatus {
		t.Errorf("broadcasts = %v", bc.events)
	}
	if bc.data[0]["ack"] != int(models.AckDevice) {
		t.Errorf("ack = %v", bc.data[0]["ack"])
	}

	if err := u.RecordUpdate(context.Background(), models.StatusUpdate{Status: "device"}); err == nil {
		t.Error("expected validation error for missing appointment")
	}
}

func TestSummaryForDate(t *testing.T) {
	repo := newFakeRepo()
	repo.targets["2026-08-31"] = []models.ReminderTarget{
		{AppointmentID: 1, Phone: "15550001111"},
		{AppointmentID: 2, Phone: "15550002222"},
	}
	u := newTestUpdater(repo, nil)
	u.RecordUpdate(context.Background(), models.StatusUpdate{AppointmentID: 1, Status: "read"})

	summary, details, err := u.SummaryForDate(context.Background(), "2026-08-31")
	if err != nil {
		t.Fatalf("SummaryForDate failed: %v", err)
	}
	want := models.DeliverySummary{Total: 2, Pending: 1, Read: 1}
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}
	if len(details) != 2 {
		t.Errorf("details = %d rows", len(details))
	}
}

func TestResetDateBroadcastsDataUpdated(t *testing.T) {
	repo := newFakeRepo()
	bc := &fakeBroadcaster{}
	u := newTestUpdater(repo, bc)
	u.RecordUpdate(context.Background(), models.StatusUpdate{AppointmentID: 1, Status: "read"})
	bc.events = nil

	removed, err := u.ResetDate(context.Background(), "2026-08-31")
	if err != nil {
		t.Fatalf("ResetDate failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if len(bc.events) != 1 || bc.events[0] != events.EventDataUpdated {
		t.Errorf("broadcasts = %v", bc.events)
	}
}

func TestStatusPump(t *testing.T) {
	repo := newFakeRepo()
	u := newTestUpdater(repo, nil)

	updates := make(chan models.StatusUpdate)
	done := make(chan struct{})
	go func() {
		StatusPump(context.Background(), updates, u)
		close(done)
	}()

	updates <- models.StatusUpdate{AppointmentID: 1, Status: "server"}
	updates <- models.StatusUpdate{AppointmentID: 1, Status: "read"}
	close(updates)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StatusPump did not exit after channel close")
	}

	records, _ := repo.ListStatusesForDate("2026-08-31")
	if len(records) != 1 || records[0].Ack != models.AckRead {
		t.Errorf("records = %+v", records)
	}
}
