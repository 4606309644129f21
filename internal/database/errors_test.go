package database

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      ErrorClass
		retryable bool
	}{
		{"nil", nil, ErrorClassPermanent, false},
		{"no rows", sql.ErrNoRows, ErrorClassPermanent, false},
		{"serialization", &pq.Error{Code: "40001"}, ErrorClassSerialization, true},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrorClassDeadlock, true},
		{"lock not available", &pq.Error{Code: "55P03"}, ErrorClassTransient, true},
		{"unique violation", &pq.Error{Code: "23505"}, ErrorClassPermanent, false},
		{"check violation", &pq.Error{Code: "23514"}, ErrorClassPermanent, false},
		{"wrapped deadlock", fmt.Errorf("reserve: %w", &pq.Error{Code: "40P01"}), ErrorClassDeadlock, true},
		{"lock timeout sentinel with cause", fmt.Errorf("lock inventory p1: %w: %w", ErrLockTimeout, &pq.Error{Code: "55P03"}), ErrorClassTransient, true},
		{"bare lock timeout sentinel", ErrLockTimeout, ErrorClassPermanent, false},
		{"domain error", ErrInsufficientStock, ErrorClassPermanent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %s, want %s", got, tt.want)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestLockTimeoutKeepsCause(t *testing.T) {
	err := fmt.Errorf("max retries (3) exceeded: %w",
		fmt.Errorf("lock order o1: %w: %w", ErrLockTimeout, &pq.Error{Code: "55P03"}))

	if !errors.Is(err, ErrLockTimeout) {
		t.Error("Expected ErrLockTimeout in the chain")
	}
	if ClassifyError(err) != ErrorClassTransient {
		t.Errorf("Expected transient, got %s", ClassifyError(err))
	}
}
