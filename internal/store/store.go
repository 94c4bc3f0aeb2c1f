package store

import (
	"context"
	"encoding/json"
	"time"

	"clinic/ticketing-service/internal/models"
)

type JoinInput struct {
	Department string
	Day        string
	PatientID  string
	Priority   bool
	Source     string
	CreatedAt  time.Time
}

type CallNextInput struct {
	Department string
	Day        string
	CalledAt   time.Time
}

type EntryActionInput struct {
	EntryID    string
	Reason     string
	OccurredAt time.Time
}

type ReorderInput struct {
	Department string
	Day        string
	EntryIDs   []string
}

type QueueUpdateInput struct {
	Department      string
	Day             string
	Active          bool
	StartNumber     int
	MaxEntries      *int
	CabinetNumber   string
	CabinetFloor    *int
	CabinetBuilding string
}

type ExpiryPolicy struct {
	CutoverHour int
	MaxOpen     time.Duration
}

// QueueStore is the durable contract for queues and entries. Every mutating
// method runs as a single transaction scoped to the target queue row.
type QueueStore interface {
	Join(ctx context.Context, input JoinInput) (models.Entry, bool, error)
	GetEntry(ctx context.Context, entryID string) (models.Entry, error)
	ListEntries(ctx context.Context, department, day string) ([]models.Entry, error)
	ListActiveEntries(ctx context.Context, department, day string) ([]models.Entry, error)

	CallNext(ctx context.Context, input CallNextInput) (models.Entry, error)
	StartService(ctx context.Context, input EntryActionInput) (models.Entry, error)
	SendToDiagnostics(ctx context.Context, input EntryActionInput) (models.Entry, error)
	Complete(ctx context.Context, input EntryActionInput) (models.Entry, error)
	Cancel(ctx context.Context, input EntryActionInput) (models.Entry, error)
	Reorder(ctx context.Context, input ReorderInput) error

	GetQueue(ctx context.Context, department, day string) (models.Queue, error)
	GetQueueByID(ctx context.Context, queueID string) (models.Queue, error)
	SetQueueActive(ctx context.Context, input QueueUpdateInput) (models.Queue, error)
	Snapshot(ctx context.Context, department, day string) (models.Snapshot, error)

	ListExpiredQueues(ctx context.Context, now time.Time, policy ExpiryPolicy) ([]models.Queue, error)
	CloseQueue(ctx context.Context, queueID, reason string) (int, error)

	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
	GetNotifyOffset(ctx context.Context) (OutboxOffset, error)
	UpdateNotifyOffset(ctx context.Context, offset OutboxOffset) error
}

type OutboxEvent struct {
	EventID    string          `json:"event_id"`
	Department string          `json:"department"`
	Day        string          `json:"day"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

type OutboxOffset struct {
	LastEventTime time.Time
	LastEventID   string
}
