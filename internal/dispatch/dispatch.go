package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"clinic/ticketing-service/internal/billing"
	"clinic/ticketing-service/internal/directory"
	"clinic/ticketing-service/internal/hub"
	"clinic/ticketing-service/internal/models"
	"clinic/ticketing-service/internal/store"
)

// Dispatcher is the single entry point for every queue mutation. The HTTP
// layer, the auto-close scheduler, and the force-majeure path all go through
// it so that broadcast-on-commit happens in exactly one place.
type Dispatcher interface {
	Join(ctx context.Context, input JoinInput) (models.Entry, bool, error)
	CallNext(ctx context.Context, department, day string) (models.Entry, error)
	EntryAction(ctx context.Context, entryID, action, reason string) (models.Entry, error)
	Reorder(ctx context.Context, department, day string, entryIDs []string) error
	BulkCancel(ctx context.Context, input BulkCancelInput) (BulkCancelResult, error)
	AutoClose(ctx context.Context, now time.Time) SweepResult

	GetEntry(ctx context.Context, entryID string) (models.Entry, error)
	ListEntries(ctx context.Context, department, day string) ([]models.Entry, error)
	Snapshot(ctx context.Context, department, day string) (models.Snapshot, error)
	SetQueueActive(ctx context.Context, input store.QueueUpdateInput) (models.Queue, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error)
}

type JoinInput struct {
	Department string
	Day        string
	PatientID  string
	Priority   bool
	Source     string
}

type Options struct {
	ExpiryPolicy store.ExpiryPolicy
}

type Coordinator struct {
	store    store.QueueStore
	hub      *hub.Hub
	lookup   directory.Lookup
	refunder billing.RefundRequester
	expiry   store.ExpiryPolicy
}

func New(st store.QueueStore, h *hub.Hub, lookup directory.Lookup, refunder billing.RefundRequester, options Options) *Coordinator {
	if lookup == nil {
		lookup = directory.NopLookup{}
	}
	if refunder == nil {
		refunder = billing.LogRefunder{}
	}
	return &Coordinator{
		store:    st,
		hub:      h,
		lookup:   lookup,
		refunder: refunder,
		expiry:   options.ExpiryPolicy,
	}
}

func (c *Coordinator) Join(ctx context.Context, input JoinInput) (models.Entry, bool, error) {
	if _, err := c.lookup.GetPatient(ctx, input.PatientID); err != nil {
		return models.Entry{}, false, err
	}

	source := input.Source
	if source == "" {
		source = models.SourceStaff
	}

	entry, created, err := c.store.Join(ctx, store.JoinInput{
		Department: input.Department,
		Day:        input.Day,
		PatientID:  input.PatientID,
		Priority:   input.Priority,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return models.Entry{}, false, err
	}
	if created {
		c.broadcastSnapshot(ctx, input.Department, input.Day)
	}
	return entry, created, nil
}

func (c *Coordinator) CallNext(ctx context.Context, department, day string) (models.Entry, error) {
	entry, err := c.store.CallNext(ctx, store.CallNextInput{
		Department: department,
		Day:        day,
		CalledAt:   time.Now().UTC(),
	})
	if err != nil {
		return models.Entry{}, err
	}
	c.broadcastSnapshot(ctx, department, day)
	return entry, nil
}

func (c *Coordinator) EntryAction(ctx context.Context, entryID, action, reason string) (models.Entry, error) {
	input := store.EntryActionInput{
		EntryID:    entryID,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}

	var entry models.Entry
	var err error
	switch action {
	case "start":
		entry, err = c.store.StartService(ctx, input)
	case "diagnostics":
		entry, err = c.store.SendToDiagnostics(ctx, input)
	case "complete":
		entry, err = c.store.Complete(ctx, input)
	case "cancel":
		entry, err = c.store.Cancel(ctx, input)
	default:
		return models.Entry{}, store.ErrInvalidTransition
	}
	if err != nil {
		return models.Entry{}, err
	}

	if queue, queueErr := c.store.GetQueueByID(ctx, entry.QueueID); queueErr == nil {
		c.broadcastSnapshot(ctx, queue.Department, queue.Day)
	} else {
		log.Printf("dispatch queue lookup error: %v", queueErr)
	}
	return entry, nil
}

func (c *Coordinator) Reorder(ctx context.Context, department, day string, entryIDs []string) error {
	if err := c.store.Reorder(ctx, store.ReorderInput{
		Department: department,
		Day:        day,
		EntryIDs:   entryIDs,
	}); err != nil {
		return err
	}
	c.broadcastSnapshot(ctx, department, day)
	return nil
}

func (c *Coordinator) GetEntry(ctx context.Context, entryID string) (models.Entry, error) {
	return c.store.GetEntry(ctx, entryID)
}

func (c *Coordinator) ListEntries(ctx context.Context, department, day string) ([]models.Entry, error) {
	return c.store.ListEntries(ctx, department, day)
}

// Snapshot reads the queue's computed counts and resolves the assigned
// specialist's display name. The name is best effort: a directory failure
// leaves it empty rather than failing the read.
func (c *Coordinator) Snapshot(ctx context.Context, department, day string) (models.Snapshot, error) {
	snapshot, err := c.store.Snapshot(ctx, department, day)
	if err != nil {
		return models.Snapshot{}, err
	}
	if snapshot.SpecialistID != "" {
		if specialist, lookupErr := c.lookup.GetSpecialist(ctx, snapshot.SpecialistID); lookupErr == nil {
			snapshot.SpecialistName = specialist.FullName
		} else {
			log.Printf("dispatch specialist lookup error id=%s: %v", snapshot.SpecialistID, lookupErr)
		}
	}
	return snapshot, nil
}

func (c *Coordinator) SetQueueActive(ctx context.Context, input store.QueueUpdateInput) (models.Queue, error) {
	queue, err := c.store.SetQueueActive(ctx, input)
	if err != nil {
		return models.Queue{}, err
	}
	c.broadcastSnapshot(ctx, input.Department, input.Day)
	return queue, nil
}

func (c *Coordinator) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	return c.store.ListOutboxEvents(ctx, after, limit)
}

type eventEnvelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

// broadcastSnapshot pushes the queue's recomputed snapshot to its room.
// Best effort: a failed read or marshal is logged, never surfaced to the
// triggering operation.
func (c *Coordinator) broadcastSnapshot(ctx context.Context, department, day string) {
	if c.hub == nil {
		return
	}
	snapshot, err := c.store.Snapshot(ctx, department, day)
	if err != nil {
		log.Printf("dispatch snapshot error dept=%s day=%s: %v", department, day, err)
		return
	}
	payload, err := json.Marshal(eventEnvelope{
		Type:      "queue.snapshot",
		Payload:   snapshot,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("dispatch snapshot marshal error: %v", err)
		return
	}
	c.hub.Broadcast(models.RoomKey(department, day), payload)
}
