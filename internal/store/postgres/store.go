package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinic/ticketing-service/internal/models"
	"clinic/ticketing-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation    = "23505"
	activeEntryIndex   = "entries_active_patient_idx"
	issueRetryAttempts = 3
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const entryColumns = `entry_id, queue_id, number, patient_id, status, priority, position, session_id, source,
	reason, payment_id, paid_amount, created_at, called_at, completed_at`

const queueColumns = `queue_id, department, day::text, specialist_id, active, opened_at, start_number,
	max_entries, cabinet_number, cabinet_floor, cabinet_building, created_at`

func (s *Store) Join(ctx context.Context, input store.JoinInput) (models.Entry, bool, error) {
	var lastErr error
	for attempt := 0; attempt < issueRetryAttempts; attempt++ {
		entry, created, err := s.joinOnce(ctx, input)
		if err == nil {
			return entry, created, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == activeEntryIndex {
				// Lost a double-join race; the winner's entry satisfies the
				// idempotency contract.
				existing, found, lookupErr := s.findActiveEntry(ctx, input.Department, input.Day, input.PatientID)
				if lookupErr != nil {
					return models.Entry{}, false, lookupErr
				}
				if found {
					return existing, false, nil
				}
			}
			lastErr = err
			continue
		}
		return models.Entry{}, false, err
	}
	return models.Entry{}, false, fmt.Errorf("%w: %v", store.ErrConflict, lastErr)
}

func (s *Store) joinOnce(ctx context.Context, input store.JoinInput) (models.Entry, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Entry{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := resolveQueue(ctx, tx, input.Department, input.Day)
	if err != nil {
		return models.Entry{}, false, err
	}
	if !queue.Active {
		return models.Entry{}, false, store.ErrQueueClosed
	}

	existing, found, err := findActiveEntryTx(ctx, tx, queue.QueueID, input.PatientID)
	if err != nil {
		return models.Entry{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Entry{}, false, err
		}
		return existing, false, nil
	}

	if queue.MaxEntries != nil {
		var count int
		row := tx.QueryRow(ctx, `
			SELECT COUNT(1)
			FROM entries
			WHERE queue_id = $1 AND status <> $2
		`, queue.QueueID, models.StatusCancelled)
		if err = row.Scan(&count); err != nil {
			return models.Entry{}, false, err
		}
		if count >= *queue.MaxEntries {
			return models.Entry{}, false, store.ErrQueueFull
		}
	}

	var number int
	row := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(number) + 1, $2)
		FROM entries
		WHERE queue_id = $1
	`, queue.QueueID, queue.StartNumber)
	if err = row.Scan(&number); err != nil {
		return models.Entry{}, false, err
	}

	sessionID, err := resolveSessionID(ctx, tx, input.PatientID, input.Day)
	if err != nil {
		return models.Entry{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var entry models.Entry
	row = tx.QueryRow(ctx, `
		INSERT INTO entries (
			entry_id, queue_id, number, patient_id, status, priority, position, session_id, source, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+entryColumns+`
	`, uuid.NewString(), queue.QueueID, number, input.PatientID, models.StatusWaiting, input.Priority, number, sessionID, input.Source, createdAt)
	if entry, err = scanEntry(row); err != nil {
		return models.Entry{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, queue, "entry.created", entry); err != nil {
		return models.Entry{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE entry_id = $1
	`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Entry{}, store.ErrEntryNotFound
		}
		return models.Entry{}, err
	}
	return entry, nil
}

func (s *Store) ListEntries(ctx context.Context, department, day string) ([]models.Entry, error) {
	return s.listEntries(ctx, department, day, nil)
}

func (s *Store) ListActiveEntries(ctx context.Context, department, day string) ([]models.Entry, error) {
	return s.listEntries(ctx, department, day, models.ActiveStatuses)
}

func (s *Store) listEntries(ctx context.Context, department, day string, statuses []string) ([]models.Entry, error) {
	query := `
		SELECT e.entry_id, e.queue_id, e.number, e.patient_id, e.status, e.priority, e.position, e.session_id, e.source,
			e.reason, e.payment_id, e.paid_amount, e.created_at, e.called_at, e.completed_at
		FROM entries e
		JOIN queues q ON q.queue_id = e.queue_id
		WHERE q.department = $1 AND q.day = $2
	`
	args := []interface{}{department, day}
	if len(statuses) > 0 {
		query += " AND e.status = ANY($3)"
		args = append(args, statuses)
	}
	query += " ORDER BY e.priority DESC, e.position ASC, e.number ASC, e.created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Entry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Entry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := lockQueue(ctx, tx, input.Department, input.Day)
	if err != nil {
		return models.Entry{}, err
	}
	if !queue.Active {
		err = store.ErrQueueClosed
		return models.Entry{}, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		WITH next_entry AS (
			SELECT entry_id
			FROM entries
			WHERE queue_id = $1 AND status = $2
			ORDER BY priority DESC, position ASC, number ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE entries
		SET status = $3,
			called_at = $4
		FROM next_entry
		WHERE entries.entry_id = next_entry.entry_id
		RETURNING entries.entry_id, entries.queue_id, entries.number, entries.patient_id, entries.status,
			entries.priority, entries.position, entries.session_id, entries.source, entries.reason,
			entries.payment_id, entries.paid_amount, entries.created_at, entries.called_at, entries.completed_at
	`, queue.QueueID, models.StatusWaiting, models.StatusCalled, calledAt)
	var entry models.Entry
	if entry, err = scanEntry(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrQueueEmpty
		}
		return models.Entry{}, err
	}

	if err = insertOutboxEvent(ctx, tx, queue, "entry.called", entry); err != nil {
		return models.Entry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

func (s *Store) StartService(ctx context.Context, input store.EntryActionInput) (models.Entry, error) {
	return s.updateEntryStatus(ctx, input, "start_service", models.StatusInService, "", "entry.in_service")
}

func (s *Store) SendToDiagnostics(ctx context.Context, input store.EntryActionInput) (models.Entry, error) {
	return s.updateEntryStatus(ctx, input, "diagnostics", models.StatusDiagnostics, "", "entry.diagnostics")
}

func (s *Store) Complete(ctx context.Context, input store.EntryActionInput) (models.Entry, error) {
	return s.updateEntryStatus(ctx, input, "complete", models.StatusDone, "completed_at", "entry.done")
}

func (s *Store) Cancel(ctx context.Context, input store.EntryActionInput) (models.Entry, error) {
	return s.updateEntryStatus(ctx, input, "cancel", models.StatusCancelled, "", "entry.cancelled")
}

func (s *Store) updateEntryStatus(ctx context.Context, input store.EntryActionInput, action, toStatus, timestampColumn, eventType string) (models.Entry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Entry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	query := `
		UPDATE entries
		SET status = $1,
			reason = COALESCE(NULLIF($2, ''), reason)
	`
	args := []interface{}{toStatus, input.Reason}
	argPos := 3
	if timestampColumn != "" {
		query += fmt.Sprintf(", %s = $%d", timestampColumn, argPos)
		args = append(args, occurredAt)
		argPos++
	}
	query += fmt.Sprintf(`
		WHERE entry_id = $%d AND status = ANY($%d)
		RETURNING `, argPos, argPos+1) + entryColumns
	args = append(args, input.EntryID, store.AllowedStatuses(action))

	row := tx.QueryRow(ctx, query, args...)
	var entry models.Entry
	if entry, err = scanEntry(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var status string
			lookup := tx.QueryRow(ctx, `SELECT status FROM entries WHERE entry_id = $1`, input.EntryID)
			if scanErr := lookup.Scan(&status); scanErr != nil {
				if errors.Is(scanErr, pgx.ErrNoRows) {
					err = store.ErrEntryNotFound
				} else {
					err = scanErr
				}
				return models.Entry{}, err
			}
			err = store.ErrInvalidTransition
			return models.Entry{}, err
		}
		return models.Entry{}, err
	}

	queue, err := getQueueByIDTx(ctx, tx, entry.QueueID)
	if err != nil {
		return models.Entry{}, err
	}
	if err = insertOutboxEvent(ctx, tx, queue, eventType, entry); err != nil {
		return models.Entry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

func (s *Store) Reorder(ctx context.Context, input store.ReorderInput) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := lockQueue(ctx, tx, input.Department, input.Day)
	if err != nil {
		return err
	}

	rows, err := tx.Query(ctx, `
		SELECT entry_id
		FROM entries
		WHERE queue_id = $1 AND status = ANY($2)
		FOR UPDATE
	`, queue.QueueID, store.AllowedStatuses("reorder"))
	if err != nil {
		return err
	}
	active := make(map[string]bool)
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		active[id] = true
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return err
	}

	if len(input.EntryIDs) != len(active) {
		err = store.ErrStaleOrder
		return err
	}
	seen := make(map[string]bool, len(input.EntryIDs))
	for _, id := range input.EntryIDs {
		if !active[id] || seen[id] {
			err = store.ErrStaleOrder
			return err
		}
		seen[id] = true
	}

	for position, id := range input.EntryIDs {
		if _, err = tx.Exec(ctx, `
			UPDATE entries
			SET position = $1
			WHERE entry_id = $2
		`, position+1, id); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"queue_id":  queue.QueueID,
		"entry_ids": input.EntryIDs,
	})
	if err != nil {
		return err
	}
	if err = insertOutboxRaw(ctx, tx, queue, "queue.reordered", payload); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) GetQueue(ctx context.Context, department, day string) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE department = $1 AND day = $2
	`, department, day)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) GetQueueByID(ctx context.Context, queueID string) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE queue_id = $1
	`, queueID)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) SetQueueActive(ctx context.Context, input store.QueueUpdateInput) (models.Queue, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Queue{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := resolveQueue(ctx, tx, input.Department, input.Day)
	if err != nil {
		return models.Queue{}, err
	}

	startNumber := input.StartNumber
	if startNumber <= 0 {
		startNumber = queue.StartNumber
	}

	row := tx.QueryRow(ctx, `
		UPDATE queues
		SET active = $2,
			opened_at = CASE WHEN $2 AND opened_at IS NULL THEN NOW() ELSE opened_at END,
			start_number = $3,
			max_entries = COALESCE($4, max_entries),
			cabinet_number = COALESCE(NULLIF($5, ''), cabinet_number),
			cabinet_floor = COALESCE($6, cabinet_floor),
			cabinet_building = COALESCE(NULLIF($7, ''), cabinet_building)
		WHERE queue_id = $1
		RETURNING `+queueColumns+`
	`, queue.QueueID, input.Active, startNumber, input.MaxEntries, input.CabinetNumber, input.CabinetFloor, input.CabinetBuilding)
	if queue, err = scanQueue(row); err != nil {
		return models.Queue{}, err
	}

	eventType := "queue.opened"
	if !input.Active {
		eventType = "queue.closed"
	}
	payload, err := json.Marshal(queue)
	if err != nil {
		return models.Queue{}, err
	}
	if err = insertOutboxRaw(ctx, tx, queue, eventType, payload); err != nil {
		return models.Queue{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) Snapshot(ctx context.Context, department, day string) (models.Snapshot, error) {
	var snapshot models.Snapshot
	var lastNumber sql.NullInt64
	var specialistIDNull sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT q.department, q.day::text, q.active, q.start_number, q.specialist_id::text,
			MAX(e.number),
			COUNT(e.entry_id) FILTER (WHERE e.status = 'waiting'),
			COUNT(e.entry_id) FILTER (WHERE e.status IN ('called', 'diagnostics', 'in_service')),
			COUNT(e.entry_id) FILTER (WHERE e.status = 'done')
		FROM queues q
		LEFT JOIN entries e ON e.queue_id = q.queue_id
		WHERE q.department = $1 AND q.day = $2
		GROUP BY q.department, q.day, q.active, q.start_number, q.specialist_id
	`, department, day)
	if err := row.Scan(&snapshot.Department, &snapshot.Date, &snapshot.IsOpen, &snapshot.StartNumber,
		&specialistIDNull, &lastNumber, &snapshot.WaitingCount, &snapshot.ServingCount, &snapshot.DoneCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Snapshot{}, store.ErrQueueNotFound
		}
		return models.Snapshot{}, err
	}
	if specialistIDNull.Valid {
		snapshot.SpecialistID = specialistIDNull.String
	}
	if lastNumber.Valid {
		snapshot.LastTicketNumber = int(lastNumber.Int64)
	}
	return snapshot, nil
}

func (s *Store) ListExpiredQueues(ctx context.Context, now time.Time, policy store.ExpiryPolicy) ([]models.Queue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE active = TRUE
			AND (
				(day::timestamp + make_interval(hours => $2)) <= $1
				OR (opened_at IS NOT NULL AND $3 > 0 AND opened_at + make_interval(secs => $3) <= $1)
			)
		ORDER BY day ASC, department ASC
	`, now, policy.CutoverHour, policy.MaxOpen.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		queue, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return queues, nil
}

func (s *Store) CloseQueue(ctx context.Context, queueID, reason string) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := lockQueueByID(ctx, tx, queueID)
	if err != nil {
		return 0, err
	}

	rows, err := tx.Query(ctx, `
		UPDATE entries
		SET status = $2,
			reason = $3
		WHERE queue_id = $1 AND status IN ($4, $5)
		RETURNING `+entryColumns,
		queue.QueueID, models.StatusCancelled, reason, models.StatusWaiting, models.StatusCalled)
	if err != nil {
		return 0, err
	}
	var cancelledEntries []models.Entry
	for rows.Next() {
		var entry models.Entry
		if entry, err = scanEntry(rows); err != nil {
			rows.Close()
			return 0, err
		}
		cancelledEntries = append(cancelledEntries, entry)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}
	cancelled := len(cancelledEntries)

	for _, entry := range cancelledEntries {
		if err = insertOutboxEvent(ctx, tx, queue, "entry.cancelled", entry); err != nil {
			return 0, err
		}
	}

	if _, err = tx.Exec(ctx, `
		UPDATE queues
		SET active = FALSE
		WHERE queue_id = $1
	`, queue.QueueID); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"queue_id":  queue.QueueID,
		"reason":    reason,
		"cancelled": cancelled,
	})
	if err != nil {
		return 0, err
	}
	if err = insertOutboxRaw(ctx, tx, queue, "queue.auto_closed", payload); err != nil {
		return 0, err
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return cancelled, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, department, day::text, type, payload_json, created_at
		FROM outbox_events
	`
	args := []interface{}{}
	if !after.IsZero() {
		query += " WHERE created_at > $1 ORDER BY created_at ASC LIMIT $2"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Department, &event.Day, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetNotifyOffset(ctx context.Context) (store.OutboxOffset, error) {
	var offset store.OutboxOffset
	var lastTime sql.NullTime
	var lastID sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id
		FROM notify_offsets
		WHERE id = 1
	`)
	if err := row.Scan(&lastTime, &lastID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OutboxOffset{}, nil
		}
		return store.OutboxOffset{}, err
	}
	if lastTime.Valid {
		offset.LastEventTime = lastTime.Time
	}
	if lastID.Valid {
		offset.LastEventID = lastID.String
	}
	return offset, nil
}

func (s *Store) UpdateNotifyOffset(ctx context.Context, offset store.OutboxOffset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notify_offsets (id, last_event_time, last_event_id)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET last_event_time = $1, last_event_id = $2
	`, offset.LastEventTime, offset.LastEventID)
	return err
}

func (s *Store) findActiveEntry(ctx context.Context, department, day, patientID string) (models.Entry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT e.entry_id, e.queue_id, e.number, e.patient_id, e.status, e.priority, e.position, e.session_id, e.source,
			e.reason, e.payment_id, e.paid_amount, e.created_at, e.called_at, e.completed_at
		FROM entries e
		JOIN queues q ON q.queue_id = e.queue_id
		WHERE q.department = $1 AND q.day = $2 AND e.patient_id = $3 AND e.status = ANY($4)
	`, department, day, patientID, models.ActiveStatuses)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Entry{}, false, nil
		}
		return models.Entry{}, false, err
	}
	return entry, true, nil
}

func findActiveEntryTx(ctx context.Context, tx pgx.Tx, queueID, patientID string) (models.Entry, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE queue_id = $1 AND patient_id = $2 AND status = ANY($3)
	`, queueID, patientID, models.ActiveStatuses)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Entry{}, false, nil
		}
		return models.Entry{}, false, err
	}
	return entry, true, nil
}

func resolveSessionID(ctx context.Context, tx pgx.Tx, patientID, day string) (string, error) {
	var sessionID string
	row := tx.QueryRow(ctx, `
		SELECT e.session_id
		FROM entries e
		JOIN queues q ON q.queue_id = e.queue_id
		WHERE e.patient_id = $1 AND q.day = $2 AND e.status = ANY($3) AND e.session_id <> ''
		ORDER BY e.created_at DESC
		LIMIT 1
	`, patientID, day, models.ActiveStatuses)
	if err := row.Scan(&sessionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.DeriveSessionID(patientID, day), nil
		}
		return "", err
	}
	return sessionID, nil
}

// resolveQueue is the single idempotent get-or-create for a (department, day)
// queue. The FOR UPDATE read serializes number issuance and the creation race
// under one lock.
func resolveQueue(ctx context.Context, tx pgx.Tx, department, day string) (models.Queue, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO queues (queue_id, department, day, active, opened_at, start_number, created_at)
		VALUES ($1, $2, $3, TRUE, NOW(), 1, NOW())
		ON CONFLICT (department, day) DO NOTHING
	`, uuid.NewString(), department, day); err != nil {
		return models.Queue{}, err
	}
	return lockQueue(ctx, tx, department, day)
}

func lockQueue(ctx context.Context, tx pgx.Tx, department, day string) (models.Queue, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE department = $1 AND day = $2
		FOR UPDATE
	`, department, day)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func lockQueueByID(ctx context.Context, tx pgx.Tx, queueID string) (models.Queue, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE queue_id = $1
		FOR UPDATE
	`, queueID)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func getQueueByIDTx(ctx context.Context, tx pgx.Tx, queueID string) (models.Queue, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE queue_id = $1
	`, queueID)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, queue models.Queue, eventType string, entry models.Entry) error {
	payload, err := json.Marshal(map[string]interface{}{
		"entry_id":     entry.EntryID,
		"queue_id":     entry.QueueID,
		"number":       entry.Number,
		"patient_id":   entry.PatientID,
		"status":       entry.Status,
		"priority":     entry.Priority,
		"session_id":   entry.SessionID,
		"reason":       entry.Reason,
		"created_at":   entry.CreatedAt,
		"called_at":    entry.CalledAt,
		"completed_at": entry.CompletedAt,
	})
	if err != nil {
		return err
	}
	return insertOutboxRaw(ctx, tx, queue, eventType, payload)
}

func insertOutboxRaw(ctx context.Context, tx pgx.Tx, queue models.Queue, eventType string, payload []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, department, day, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), queue.Department, queue.Day, eventType, payload, time.Now().UTC())
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (models.Entry, error) {
	var entry models.Entry
	var sessionIDNull sql.NullString
	var reasonNull sql.NullString
	var paymentIDNull sql.NullString
	var paidAmountNull sql.NullFloat64
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(&entry.EntryID, &entry.QueueID, &entry.Number, &entry.PatientID, &entry.Status,
		&entry.Priority, &entry.Position, &sessionIDNull, &entry.Source, &reasonNull,
		&paymentIDNull, &paidAmountNull, &entry.CreatedAt, &calledAtNull, &completedAtNull); err != nil {
		return models.Entry{}, err
	}
	if sessionIDNull.Valid {
		entry.SessionID = sessionIDNull.String
	}
	if reasonNull.Valid {
		entry.Reason = reasonNull.String
	}
	entry.PaymentID = nullStringPtr(paymentIDNull)
	if paidAmountNull.Valid {
		entry.PaidAmount = &paidAmountNull.Float64
	}
	entry.CalledAt = nullTimePtr(calledAtNull)
	entry.CompletedAt = nullTimePtr(completedAtNull)
	return entry, nil
}

func scanQueue(row rowScanner) (models.Queue, error) {
	var queue models.Queue
	var specialistIDNull sql.NullString
	var openedAtNull sql.NullTime
	var maxEntriesNull sql.NullInt64
	var cabinetNumberNull sql.NullString
	var cabinetFloorNull sql.NullInt64
	var cabinetBuildingNull sql.NullString
	if err := row.Scan(&queue.QueueID, &queue.Department, &queue.Day, &specialistIDNull, &queue.Active,
		&openedAtNull, &queue.StartNumber, &maxEntriesNull, &cabinetNumberNull, &cabinetFloorNull,
		&cabinetBuildingNull, &queue.CreatedAt); err != nil {
		return models.Queue{}, err
	}
	queue.SpecialistID = nullStringPtr(specialistIDNull)
	queue.OpenedAt = nullTimePtr(openedAtNull)
	if maxEntriesNull.Valid {
		value := int(maxEntriesNull.Int64)
		queue.MaxEntries = &value
	}
	if cabinetNumberNull.Valid {
		queue.CabinetNumber = cabinetNumberNull.String
	}
	if cabinetFloorNull.Valid {
		value := int(cabinetFloorNull.Int64)
		queue.CabinetFloor = &value
	}
	if cabinetBuildingNull.Valid {
		queue.CabinetBuilding = cabinetBuildingNull.String
	}
	return queue, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
