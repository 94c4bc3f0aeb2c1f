package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"clinic/ticketing-service/internal/models"
	"clinic/ticketing-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestJoinConcurrentNumbering(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	const patients = 8
	var wg sync.WaitGroup
	results := make(chan joinResult, patients)
	for i := 0; i < patients; i++ {
		wg.Add(1)
		go func(patientID string) {
			defer wg.Done()
			entry, created, err := st.Join(ctx, store.JoinInput{
				Department: "cardiology",
				Day:        "2026-08-30",
				PatientID:  patientID,
			})
			results <- joinResult{number: entry.Number, created: created, err: err}
		}(uuid.NewString())
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for result := range results {
		if result.err != nil {
			t.Fatalf("join error: %v", result.err)
		}
		if !result.created {
			t.Fatalf("expected every distinct patient to create an entry")
		}
		if seen[result.number] {
			t.Fatalf("duplicate number issued: %d", result.number)
		}
		seen[result.number] = true
	}
	for number := 1; number <= patients; number++ {
		if !seen[number] {
			t.Fatalf("numbering has a gap at %d", number)
		}
	}
}

func TestJoinIdempotentPerPatient(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := uuid.NewString()
	first := join(t, ctx, st, "cardiology", "2026-08-30", patientID)
	second, created, err := st.Join(ctx, store.JoinInput{
		Department: "cardiology",
		Day:        "2026-08-30",
		PatientID:  patientID,
	})
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if created {
		t.Fatalf("expected idempotent join to report created=false")
	}
	if first.EntryID != second.EntryID || first.Number != second.Number {
		t.Fatalf("expected same entry, got %s and %s", first.EntryID, second.EntryID)
	}

	var count int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE type = 'entry.created'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry.created event, got %d", count)
	}

	if first.SessionID == "" || first.SessionID != second.SessionID {
		t.Fatalf("expected shared session id, got %q and %q", first.SessionID, second.SessionID)
	}
}

func TestJoinCapacity(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	maxEntries := 2
	if _, err := st.SetQueueActive(ctx, store.QueueUpdateInput{
		Department: "cardiology",
		Day:        "2026-08-30",
		Active:     true,
		MaxEntries: &maxEntries,
	}); err != nil {
		t.Fatalf("open queue: %v", err)
	}

	join(t, ctx, st, "cardiology", "2026-08-30", uuid.NewString())
	join(t, ctx, st, "cardiology", "2026-08-30", uuid.NewString())

	_, _, err := st.Join(ctx, store.JoinInput{
		Department: "cardiology",
		Day:        "2026-08-30",
		PatientID:  uuid.NewString(),
	})
	if !errors.Is(err, store.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestJoinClosedQueue(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	if _, err := st.SetQueueActive(ctx, store.QueueUpdateInput{
		Department: "cardiology",
		Day:        "2026-08-30",
		Active:     false,
	}); err != nil {
		t.Fatalf("close queue: %v", err)
	}

	_, _, err := st.Join(ctx, store.JoinInput{
		Department: "cardiology",
		Day:        "2026-08-30",
		PatientID:  uuid.NewString(),
	})
	if !errors.Is(err, store.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestCallNextOrderAndEmpty(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	regular := join(t, ctx, st, "cardiology", "2026-08-30", uuid.NewString())
	priority, _, err := st.Join(ctx, store.JoinInput{
		Department: "cardiology",
		Day:        "2026-08-30",
		PatientID:  uuid.NewString(),
		Priority:   true,
	})
	if err != nil {
		t.Fatalf("priority join: %v", err)
	}

	first := callNext(t, ctx, st, "cardiology", "2026-08-30")
	if first.EntryID != priority.EntryID {
		t.Fatalf("expected priority entry first, got %s", first.EntryID)
	}
	if first.Status != models.StatusCalled || first.CalledAt == nil {
		t.Fatalf("expected called status with timestamp, got %+v", first)
	}

	second := callNext(t, ctx, st, "cardiology", "2026-08-30")
	if second.EntryID != regular.EntryID {
		t.Fatalf("expected regular entry second, got %s", second.EntryID)
	}

	_, err = st.CallNext(ctx, store.CallNextInput{
		Department: "cardiology",
		Day:        "2026-08-30",
		CalledAt:   time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	join(t, ctx, st, "cardiology", "2026-08-30", uuid.NewString())
	entry := callNext(t, ctx, st, "cardiology", "2026-08-30")

	entry, err := st.SendToDiagnostics(ctx, store.EntryActionInput{EntryID: entry.EntryID})
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	if entry.Status != models.StatusDiagnostics {
		t.Fatalf("expected diagnostics, got %s", entry.Status)
	}

	entry, err = st.StartService(ctx, store.EntryActionInput{EntryID: entry.EntryID})
	if err != nil {
		t.Fatalf("start service: %v", err)
	}
	if entry.Status != models.StatusInService {
		t.Fatalf("expected in_service, got %s", entry.Status)
	}

	entry, err = st.Complete(ctx, store.EntryActionInput{EntryID: entry.EntryID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if entry.Status != models.StatusDone || entry.CompletedAt == nil {
		t.Fatalf("expected done with completed_at, got %+v", entry)
	}

	// Terminal entries reject further actions.
	_, err = st.Cancel(ctx, store.EntryActionInput{EntryID: entry.EntryID})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	_, err = st.Complete(ctx, store.EntryActionInput{EntryID: uuid.NewString()})
	if !errors.Is(err, store.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestReorderAllOrNothing(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	a := join(t, ctx, st, "cardiology", "2026-08-30", uuid.NewString())
	b := join(t, ctx, st, "cardiology", "2026-08-30", uuid.NewString())
	c := join(t, ctx, st, "cardiology", "2026-08-30", uuid.NewString())

	// Stale: missing one active entry.
	err := st.Reorder(ctx, store.ReorderInput{
		Department: "cardiology",
		Day:        "2026-08-30",
		EntryIDs:   []string{c.EntryID, a.EntryID},
	})
	if !errors.Is(err, store.ErrStaleOrder) {
		t.Fatalf("expected ErrStaleOrder for missing entry, got %v", err)
	}

	// Stale: duplicate id.
	err = st.Reorder(ctx, store.ReorderInput{
		Department: "cardiology",
		Day:        "2026-08-30",
		EntryIDs:   []string{a.EntryID, a.EntryID, b.EntryID},
	})
	if !errors.Is(err, store.ErrStaleOrder) {
		t.Fatalf("expected ErrStaleOrder for duplicate, got %v", err)
	}

	// Positions untouched after failed attempts.
	entries, err := st.ListActiveEntries(ctx, "cardiology", "2026-08-30")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if entries[0].EntryID != a.EntryID || entries[1].EntryID != b.EntryID || entries[2].EntryID != c.EntryID {
		t.Fatalf("positions must survive failed reorder")
	}

	if err := st.Reorder(ctx, store.ReorderInput{
		Department: "cardiology",
		Day:        "2026-08-30",
		EntryIDs:   []string{c.EntryID, a.EntryID, b.EntryID},
	}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	entries, err = st.ListActiveEntries(ctx, "cardiology", "2026-08-30")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if entries[0].EntryID != c.EntryID || entries[1].EntryID != a.EntryID || entries[2].EntryID != b.EntryID {
		t.Fatalf("unexpected order after reorder: %v", entryIDs(entries))
	}

	next := callNext(t, ctx, st, "cardiology", "2026-08-30")
	if next.EntryID != c.EntryID {
		t.Fatalf("call next must follow reordered positions, got %s", next.EntryID)
	}
}

func TestAutoCloseExpiredQueue(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	// One called, one waiting, one completed by sweep time.
	join(t, ctx, st, "cardiology", "2026-08-29", uuid.NewString())
	join(t, ctx, st, "cardiology", "2026-08-29", uuid.NewString())
	join(t, ctx, st, "cardiology", "2026-08-29", uuid.NewString())
	callNext(t, ctx, st, "cardiology", "2026-08-29")
	completed := callNext(t, ctx, st, "cardiology", "2026-08-29")
	if _, err := st.StartService(ctx, store.EntryActionInput{EntryID: completed.EntryID}); err != nil {
		t.Fatalf("start service: %v", err)
	}
	if _, err := st.Complete(ctx, store.EntryActionInput{EntryID: completed.EntryID}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// The day cutover has passed for 2026-08-29 by the next day.
	now := time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)
	queues, err := st.ListExpiredQueues(ctx, now, store.ExpiryPolicy{CutoverHour: 24})
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(queues) != 1 {
		t.Fatalf("expected 1 expired queue, got %d", len(queues))
	}

	cancelled, err := st.CloseQueue(ctx, queues[0].QueueID, models.ReasonAutoClosed)
	if err != nil {
		t.Fatalf("close queue: %v", err)
	}
	if cancelled != 2 {
		t.Fatalf("expected 2 cancelled entries, got %d", cancelled)
	}

	var reasons int
	row := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM entries WHERE status = 'cancelled' AND reason = $1
	`, models.ReasonAutoClosed)
	if err := row.Scan(&reasons); err != nil {
		t.Fatalf("count cancelled: %v", err)
	}
	if reasons != 2 {
		t.Fatalf("expected auto_closed reason on 2 entries, got %d", reasons)
	}

	// The close emits a cancellation event per entry so the notify worker can
	// reach each patient, plus the queue-level summary.
	events, err := st.ListOutboxEvents(ctx, time.Time{}, 100)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	var perEntry, summaries int
	for _, event := range events {
		switch event.Type {
		case "entry.cancelled":
			var payload map[string]interface{}
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			if patient, _ := payload["patient_id"].(string); patient == "" {
				t.Fatalf("cancelled event missing patient_id: %s", event.Payload)
			}
			if reason, _ := payload["reason"].(string); reason != models.ReasonAutoClosed {
				t.Fatalf("expected reason %q, got %q", models.ReasonAutoClosed, reason)
			}
			perEntry++
		case "queue.auto_closed":
			summaries++
		}
	}
	if perEntry != 2 {
		t.Fatalf("expected 2 entry.cancelled events, got %d", perEntry)
	}
	if summaries != 1 {
		t.Fatalf("expected 1 queue.auto_closed event, got %d", summaries)
	}

	queue, err := st.GetQueueByID(ctx, queues[0].QueueID)
	if err != nil {
		t.Fatalf("get queue: %v", err)
	}
	if queue.Active {
		t.Fatalf("expected queue inactive after close")
	}

	// Completed work survives the sweep.
	entry, err := st.GetEntry(ctx, completed.EntryID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Status != models.StatusDone {
		t.Fatalf("expected done entry untouched, got %s", entry.Status)
	}
}

func TestSnapshotCounts(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	join(t, ctx, st, "cardiology", "2026-08-30", uuid.NewString())
	join(t, ctx, st, "cardiology", "2026-08-30", uuid.NewString())
	entry := callNext(t, ctx, st, "cardiology", "2026-08-30")
	if _, err := st.StartService(ctx, store.EntryActionInput{EntryID: entry.EntryID}); err != nil {
		t.Fatalf("start service: %v", err)
	}

	snapshot, err := st.Snapshot(ctx, "cardiology", "2026-08-30")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snapshot.IsOpen {
		t.Fatalf("expected open queue")
	}
	if snapshot.WaitingCount != 1 || snapshot.ServingCount != 1 || snapshot.DoneCount != 0 {
		t.Fatalf("unexpected counts: %+v", snapshot)
	}
	if snapshot.LastTicketNumber != 2 {
		t.Fatalf("expected last ticket number 2, got %d", snapshot.LastTicketNumber)
	}

	_, err = st.Snapshot(ctx, "ghost", "2026-08-30")
	if !errors.Is(err, store.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestOutboxFeedAndOffset(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	join(t, ctx, st, "cardiology", "2026-08-30", uuid.NewString())
	callNext(t, ctx, st, "cardiology", "2026-08-30")

	events, err := st.ListOutboxEvents(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "entry.created" || events[1].Type != "entry.called" {
		t.Fatalf("unexpected event order: %s, %s", events[0].Type, events[1].Type)
	}

	offset := store.OutboxOffset{LastEventTime: events[0].CreatedAt, LastEventID: events[0].EventID}
	if err := st.UpdateNotifyOffset(ctx, offset); err != nil {
		t.Fatalf("update offset: %v", err)
	}
	loaded, err := st.GetNotifyOffset(ctx)
	if err != nil {
		t.Fatalf("get offset: %v", err)
	}
	if loaded.LastEventID != offset.LastEventID {
		t.Fatalf("offset round trip failed: %+v", loaded)
	}

	tail, err := st.ListOutboxEvents(ctx, loaded.LastEventTime, 10)
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Type != "entry.called" {
		t.Fatalf("expected only the called event after offset, got %d", len(tail))
	}
}

type joinResult struct {
	number  int
	created bool
	err     error
}

func entryIDs(entries []models.Entry) []string {
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.EntryID
	}
	return ids
}

func join(t *testing.T, ctx context.Context, st *Store, department, day, patientID string) models.Entry {
	t.Helper()
	entry, _, err := st.Join(ctx, store.JoinInput{
		Department: department,
		Day:        day,
		PatientID:  patientID,
		Source:     models.SourceStaff,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	return entry
}

func callNext(t *testing.T, ctx context.Context, st *Store, department, day string) models.Entry {
	t.Helper()
	entry, err := st.CallNext(ctx, store.CallNextInput{
		Department: department,
		Day:        day,
		CalledAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	return entry
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "database", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
