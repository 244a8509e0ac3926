package workflow

import (
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"first", RetryPolicy{BackoffBase: 5 * time.Second}, 1, 5 * time.Second},
		{"doubles", RetryPolicy{BackoffBase: 5 * time.Second}, 4, 40 * time.Second},
		{"capped", RetryPolicy{BackoffBase: 10 * time.Second, BackoffMax: time.Minute}, 6, time.Minute},
		{"fixed", RetryPolicy{BackoffBase: 3 * time.Second, Strategy: Fixed}, 5, 3 * time.Second},
		{"no base", RetryPolicy{}, 3, 0},
		{"attempt zero", RetryPolicy{BackoffBase: time.Second}, 0, 0},
		{"huge attempt", RetryPolicy{BackoffBase: time.Second, BackoffMax: time.Hour}, 200, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	p := RetryPolicy{BackoffBase: 10 * time.Second, BackoffMax: 600 * time.Second, Jitter: true}
	for attempt := 1; attempt <= 10; attempt++ {
		full := RetryPolicy{BackoffBase: p.BackoffBase, BackoffMax: p.BackoffMax}.Delay(attempt)
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			if d < full/2 || d > full {
				t.Fatalf("attempt %d: %v outside [%v, %v]", attempt, d, full/2, full)
			}
		}
	}
}

func TestRetryPolicyAttempts(t *testing.T) {
	if got := (RetryPolicy{}).Attempts(); got != 1 {
		t.Fatalf("zero policy attempts = %d, want 1", got)
	}
	p := DefaultPolicies(time.Second)
	if p.Reserve.Attempts() != 6 || p.Charge.Attempts() != 8 || p.Invoice.Attempts() != 1 || p.Ship.Attempts() != 1 {
		t.Fatalf("default attempts = %d/%d/%d/%d", p.Reserve.Attempts(), p.Charge.Attempts(), p.Invoice.Attempts(), p.Ship.Attempts())
	}
	if p.Compensation != CompensateRelease {
		t.Fatalf("default compensation = %s", p.Compensation)
	}
}
