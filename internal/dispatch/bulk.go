package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"clinic/ticketing-service/internal/models"
	"clinic/ticketing-service/internal/store"
)

// BulkCancelInput targets either an explicit entry list or every active
// entry of one queue (department+day). Exactly one scope must be set.
type BulkCancelInput struct {
	EntryIDs       []string
	Department     string
	Day            string
	Reason         string
	TriggerRefunds bool
}

type BulkCancelItem struct {
	EntryID  string `json:"entry_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	RefundID string `json:"refund_id,omitempty"`
}

type BulkCancelResult struct {
	Items     []BulkCancelItem `json:"items"`
	Cancelled int              `json:"cancelled"`
	Failed    int              `json:"failed"`
}

// BulkCancel cancels each target independently: one bad entry never rolls
// back the rest. Refund submission is recorded per item; settlement happens
// on the billing side and is not awaited here.
func (c *Coordinator) BulkCancel(ctx context.Context, input BulkCancelInput) (BulkCancelResult, error) {
	reason := input.Reason
	if reason == "" {
		reason = models.ReasonForceMajeure
	}

	entryIDs := input.EntryIDs
	if len(entryIDs) == 0 {
		if input.Department == "" || input.Day == "" {
			return BulkCancelResult{}, fmt.Errorf("bulk cancel: no entry ids and no queue scope")
		}
		entries, err := c.store.ListActiveEntries(ctx, input.Department, input.Day)
		if err != nil {
			return BulkCancelResult{}, err
		}
		for _, entry := range entries {
			entryIDs = append(entryIDs, entry.EntryID)
		}
	}

	result := BulkCancelResult{Items: make([]BulkCancelItem, 0, len(entryIDs))}
	touchedQueues := make(map[string]bool)

	for _, entryID := range entryIDs {
		item := BulkCancelItem{EntryID: entryID}
		entry, err := c.store.Cancel(ctx, store.EntryActionInput{
			EntryID:    entryID,
			Reason:     reason,
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			item.Error = err.Error()
			result.Failed++
			result.Items = append(result.Items, item)
			continue
		}
		item.OK = true
		result.Cancelled++
		touchedQueues[entry.QueueID] = true

		if input.TriggerRefunds && entry.PaymentID != nil && entry.PaidAmount != nil {
			ticket, refundErr := c.refunder.RequestRefund(ctx, entry.EntryID, *entry.PaidAmount, reason)
			if refundErr != nil {
				// The cancel already landed; the refund is retried out of band.
				item.Error = fmt.Sprintf("refund: %v", refundErr)
				log.Printf("dispatch refund error entry=%s: %v", entry.EntryID, refundErr)
			} else {
				item.RefundID = ticket.RefundID
			}
		}
		result.Items = append(result.Items, item)
	}

	for queueID := range touchedQueues {
		queue, err := c.store.GetQueueByID(ctx, queueID)
		if err != nil {
			log.Printf("dispatch queue lookup error: %v", err)
			continue
		}
		c.broadcastSnapshot(ctx, queue.Department, queue.Day)
	}
	return result, nil
}

type SweepError struct {
	QueueID    string
	Department string
	Day        string
	Err        error
}

type SweepResult struct {
	ClosedQueues     int
	CancelledEntries int
	Errors           []SweepError
}

// AutoClose closes every queue past its expiry policy. Each queue is
// handled in its own transaction, so one failure never blocks the sweep of
// the rest.
func (c *Coordinator) AutoClose(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult

	queues, err := c.store.ListExpiredQueues(ctx, now, c.expiry)
	if err != nil {
		result.Errors = append(result.Errors, SweepError{Err: err})
		return result
	}

	for _, queue := range queues {
		cancelled, err := c.store.CloseQueue(ctx, queue.QueueID, models.ReasonAutoClosed)
		if err != nil {
			result.Errors = append(result.Errors, SweepError{
				QueueID:    queue.QueueID,
				Department: queue.Department,
				Day:        queue.Day,
				Err:        err,
			})
			log.Printf("autoclose error queue=%s dept=%s day=%s: %v", queue.QueueID, queue.Department, queue.Day, err)
			continue
		}
		result.ClosedQueues++
		result.CancelledEntries += cancelled
		log.Printf("autoclose closed queue=%s dept=%s day=%s cancelled=%d", queue.QueueID, queue.Department, queue.Day, cancelled)
		c.broadcastSnapshot(ctx, queue.Department, queue.Day)
	}
	return result
}
