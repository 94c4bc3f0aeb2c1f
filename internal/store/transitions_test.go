package store

import "testing"

func TestValidTransition(t *testing.T) {
	tests := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call_next", "waiting", true},
		{"call_next", "called", false},
		{"call_next", "done", false},
		{"start_service", "called", true},
		{"start_service", "diagnostics", true},
		{"start_service", "waiting", false},
		{"diagnostics", "called", true},
		{"diagnostics", "in_service", false},
		{"complete", "in_service", true},
		{"complete", "called", false},
		{"complete", "done", false},
		{"cancel", "waiting", true},
		{"cancel", "called", true},
		{"cancel", "diagnostics", true},
		{"cancel", "in_service", true},
		{"cancel", "done", false},
		{"cancel", "cancelled", false},
		{"reorder", "waiting", true},
		{"reorder", "called", true},
		{"reorder", "diagnostics", true},
		{"reorder", "in_service", false},
		{"unknown_action", "waiting", false},
	}
	for _, tc := range tests {
		if got := ValidTransition(tc.action, tc.from); got != tc.valid {
			t.Fatalf("%s from %s: expected %v, got %v", tc.action, tc.from, tc.valid, got)
		}
	}
}

func TestAllowedStatusesCopies(t *testing.T) {
	first := AllowedStatuses("cancel")
	if len(first) == 0 {
		t.Fatalf("expected allowed statuses for cancel")
	}
	first[0] = "mutated"
	second := AllowedStatuses("cancel")
	if second[0] == "mutated" {
		t.Fatalf("AllowedStatuses must return a copy")
	}
}

func TestTargetStatus(t *testing.T) {
	tests := []struct {
		action string
		want   string
	}{
		{"call_next", "called"},
		{"start_service", "in_service"},
		{"diagnostics", "diagnostics"},
		{"complete", "done"},
		{"cancel", "cancelled"},
		{"unknown", ""},
	}
	for _, tc := range tests {
		if got := TargetStatus(tc.action); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.action, tc.want, got)
		}
	}
}
