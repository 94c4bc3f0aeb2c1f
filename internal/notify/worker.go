package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"clinic/ticketing-service/internal/hub"
	"clinic/ticketing-service/internal/store"
)

// OutboxSource is the slice of the queue store the worker reads from.
type OutboxSource interface {
	GetNotifyOffset(ctx context.Context) (store.OutboxOffset, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error)
	UpdateNotifyOffset(ctx context.Context, offset store.OutboxOffset) error
}

type Worker struct {
	source    OutboxSource
	hub       *hub.Hub
	provider  Provider
	batchSize int
}

type Config struct {
	BatchSize int
	Provider  Provider
}

type payloadData map[string]interface{}

func NewWorker(source OutboxSource, h *hub.Hub, cfg Config) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	provider := cfg.Provider
	if provider == nil {
		provider = logProvider{}
	}
	return &Worker{
		source:    source,
		hub:       h,
		provider:  provider,
		batchSize: batch,
	}
}

// Run drains one batch from the outbox and advances the offset. Per-event
// failures are logged and skipped so one bad payload cannot wedge the feed.
func (w *Worker) Run(ctx context.Context) error {
	offset, err := w.source.GetNotifyOffset(ctx)
	if err != nil {
		return err
	}

	events, err := w.source.ListOutboxEvents(ctx, offset.LastEventTime, w.batchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := w.processEvent(ctx, event); err != nil {
			log.Printf("notify process error event=%s type=%s: %v", event.EventID, event.Type, err)
		}
		offset = store.OutboxOffset{LastEventTime: event.CreatedAt, LastEventID: event.EventID}
	}

	if len(events) > 0 {
		if err := w.source.UpdateNotifyOffset(ctx, offset); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) processEvent(ctx context.Context, event store.OutboxEvent) error {
	payload := payloadData{}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	message := renderNotice(event.Type, event.Department, payload)
	if message == "" {
		return nil
	}

	patientID := str(payload, "patient_id")
	if patientID != "" && w.hub != nil {
		envelope, err := json.Marshal(map[string]interface{}{
			"type":       event.Type,
			"message":    message,
			"payload":    payload,
			"created_at": event.CreatedAt,
		})
		if err != nil {
			return err
		}
		w.hub.Broadcast(PatientRoom(patientID), envelope)
	}

	if patientID == "" {
		return nil
	}
	return w.provider.Send(ctx, patientID, message)
}

// PatientRoom is the per-user hub room, distinct from the queue rooms.
func PatientRoom(patientID string) string {
	return "patient::" + patientID
}

func renderNotice(eventType, department string, payload payloadData) string {
	switch eventType {
	case "entry.called":
		return render("Ticket {number}, please proceed to {department}.", department, payload)
	case "entry.diagnostics":
		return render("Ticket {number}: additional diagnostics requested, return to {department} afterwards.", department, payload)
	case "entry.cancelled":
		reason := str(payload, "reason")
		if reason != "" {
			return render("Ticket {number} was cancelled ("+reason+").", department, payload)
		}
		return render("Ticket {number} was cancelled.", department, payload)
	case "queue.auto_closed":
		return render("The {department} queue has closed for the day.", department, payload)
	default:
		return ""
	}
}

func render(template, department string, payload payloadData) string {
	result := template
	result = strings.ReplaceAll(result, "{number}", num(payload, "number"))
	result = strings.ReplaceAll(result, "{department}", department)
	return result
}

func str(payload payloadData, key string) string {
	if value, ok := payload[key]; ok {
		if text, ok := value.(string); ok {
			return text
		}
	}
	return ""
}

func num(payload payloadData, key string) string {
	value, ok := payload[key]
	if !ok {
		return ""
	}
	// json.Unmarshal decodes JSON numbers into float64.
	if f, ok := value.(float64); ok {
		return fmt.Sprintf("%d", int(f))
	}
	if text, ok := value.(string); ok {
		return text
	}
	return ""
}

// Start polls the outbox on a fixed interval until ctx is cancelled.
func Start(ctx context.Context, interval time.Duration, w *Worker) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				log.Printf("notify worker error: %v", err)
			}
		}
	}
}
