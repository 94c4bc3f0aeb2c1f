package store

import "clinic/ticketing-service/internal/models"

var transitionMap = map[string][]string{
	"call_next":     {models.StatusWaiting},
	"start_service": {models.StatusCalled, models.StatusDiagnostics},
	"diagnostics":   {models.StatusCalled},
	"complete":      {models.StatusInService},
	"cancel":        {models.StatusWaiting, models.StatusCalled, models.StatusDiagnostics, models.StatusInService},
	"reorder":       {models.StatusWaiting, models.StatusCalled, models.StatusDiagnostics},
}

// AllowedStatuses reports the statuses an action may start from.
func AllowedStatuses(action string) []string {
	allowed := transitionMap[action]
	out := make([]string, len(allowed))
	copy(out, allowed)
	return out
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus maps a lifecycle action to the status it produces.
func TargetStatus(action string) string {
	switch action {
	case "call_next":
		return models.StatusCalled
	case "start_service":
		return models.StatusInService
	case "diagnostics":
		return models.StatusDiagnostics
	case "complete":
		return models.StatusDone
	case "cancel":
		return models.StatusCancelled
	default:
		return ""
	}
}
