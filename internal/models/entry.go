package models

import "time"

type Entry struct {
	EntryID     string     `json:"entry_id"`
	QueueID     string     `json:"queue_id"`
	Number      int        `json:"number"`
	PatientID   string     `json:"patient_id"`
	Status      string     `json:"status"`
	Priority    bool       `json:"priority"`
	Position    int        `json:"position"`
	SessionID   string     `json:"session_id,omitempty"`
	Source      string     `json:"source"`
	Reason      string     `json:"reason,omitempty"`
	PaymentID   *string    `json:"payment_id,omitempty"`
	PaidAmount  *float64   `json:"paid_amount,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting     = "waiting"
	StatusCalled      = "called"
	StatusDiagnostics = "diagnostics"
	StatusInService   = "in_service"
	StatusDone        = "done"
	StatusCancelled   = "cancelled"
)

const (
	SourceOnline    = "online"
	SourceStaff     = "staff"
	SourceMigration = "migration"
)

const (
	ReasonAutoClosed   = "auto_closed"
	ReasonForceMajeure = "force_majeure"
)

// ActiveStatuses are the non-terminal states a patient may occupy at most
// once per queue.
var ActiveStatuses = []string{StatusWaiting, StatusCalled, StatusDiagnostics, StatusInService}

func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusCancelled
}

func ValidSource(source string) bool {
	switch source {
	case SourceOnline, SourceStaff, SourceMigration:
		return true
	default:
		return false
	}
}
