package work

import (
	"errors"
	"fmt"
	"testing"
)

func TestItemKey(t *testing.T) {
	tests := []struct {
		name string
		item Item
		want string
	}{
		{"test keeps bare id", Item{ID: "t1", Kind: KindTest}, "t1"},
		{"empty kind is a test", Item{ID: "t1"}, "t1"},
		{"connection test prefixed", Item{ID: "t1", Kind: KindConnectionTest}, "connection_test/t1"},
		{"risk evaluation includes risk", Item{ID: "t1", Kind: KindRiskEvaluation, RiskName: "toxicity"}, "risk_evaluation/toxicity/t1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	transient := &TransientError{Op: "list", StatusCode: 503, Err: errors.New("unavailable")}
	fatal := &FatalError{Op: "list", Err: errors.New("unauthorized")}

	if !IsTransient(fmt.Errorf("wrapped: %w", transient)) {
		t.Error("IsTransient() = false for wrapped TransientError")
	}
	if IsFatal(transient) {
		t.Error("IsFatal() = true for TransientError")
	}
	if !IsFatal(fmt.Errorf("wrapped: %w", fatal)) {
		t.Error("IsFatal() = false for wrapped FatalError")
	}
	if got := transient.Error(); got != "list: status 503: unavailable" {
		t.Errorf("Error() = %q", got)
	}

	cb := &CallbackError{Err: errors.New("boom")}
	if !errors.Is(cb, cb.Err) {
		t.Error("CallbackError does not unwrap to its cause")
	}
}
