package cachestream

import (
	"errors"
	"testing"
	"time"
)

func TestIsFatal(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth failed", errors.New("Authentication failed for user"), true},
		{"unauthorized", errors.New("command find requires authentication: Unauthorized"), true},
		{"ns not found", errors.New("NamespaceNotFound: ns not found"), true},
		{"timeout", errors.New("connection timed out"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsFatal(c.err); got != c.want {
				t.Errorf("IsFatal(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestIsTokenInvalidating(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"invalid resume point", errors.New("Invalid resume point, resume token not found"), true},
		{"history lost", errors.New("ChangeStreamHistoryLost"), true},
		{"unrelated", errors.New("connection reset by peer"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsTokenInvalidating(c.err); got != c.want {
				t.Errorf("IsTokenInvalidating(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(errors.New("context canceled")) {
		t.Error("expected context canceled to be a cancellation")
	}
	if IsCancellation(nil) {
		t.Error("nil should not be a cancellation")
	}
	if IsCancellation(errors.New("network error")) {
		t.Error("network error should not be a cancellation")
	}
}

func TestIsCleanupCritical(t *testing.T) {
	if !IsCleanupCritical(errors.New("deadlock detected")) {
		t.Error("deadlock should be cleanup-critical")
	}
	// "interrupted" would otherwise match cleanupCriticalSubstrings, but
	// cancellation errors are excluded even when they also say interrupted.
	if IsCleanupCritical(errors.New("operation was interrupted: context canceled")) {
		t.Error("cancellation should never be reported as cleanup-critical")
	}
}

func TestIsProcessorStopping(t *testing.T) {
	if !IsProcessorStopping(errors.New("cannot unmarshal BSON document")) {
		t.Error("unmarshal errors should stop the processor")
	}
	if IsProcessorStopping(errors.New("host unreachable")) {
		t.Error("network errors should not stop the processor")
	}
}

func TestIsRecoverable(t *testing.T) {
	if !IsRecoverable(errors.New("no reachable servers")) {
		t.Error("network errors should be recoverable")
	}
	// Unknown errors default to recoverable (conservative: retry, don't fail closed).
	if !IsRecoverable(errors.New("some completely novel driver message")) {
		t.Error("unknown errors should default to recoverable")
	}
	if IsRecoverable(errors.New("not authorized on db")) {
		t.Error("fatal errors should never be recoverable")
	}
	if IsRecoverable(nil) {
		t.Error("nil error should not be recoverable")
	}
}

func TestErrorClassifierHandleError_Fatal(t *testing.T) {
	c := NewErrorClassifier(5, 10*time.Millisecond, time.Second)
	d := c.HandleError(errors.New("authentication failed"), 0, nil)
	if d.Kind != DecisionStopWithError {
		t.Fatalf("expected DecisionStopWithError, got %v", d.Kind)
	}
	if c.ConsecutiveFailures() != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", c.ConsecutiveFailures())
	}
	if c.LastError() == nil {
		t.Error("expected LastError to be recorded")
	}
}

func TestErrorClassifierHandleError_RetriesExhausted(t *testing.T) {
	c := NewErrorClassifier(2, 10*time.Millisecond, time.Second)
	d := c.HandleError(errors.New("connection reset"), 2, nil)
	if d.Kind != DecisionStop {
		t.Fatalf("expected DecisionStop once retryCount >= maxRetries, got %v", d.Kind)
	}
}

func TestErrorClassifierHandleError_ContinuesWithinBudget(t *testing.T) {
	c := NewErrorClassifier(5, 10*time.Millisecond, time.Second)
	d := c.HandleError(errors.New("connection reset"), 0, func(time.Duration) bool { return false })
	if d.Kind != DecisionContinue {
		t.Fatalf("expected DecisionContinue, got %v", d.Kind)
	}
	if d.Delay <= 0 {
		t.Error("expected a positive backoff delay")
	}
}

func TestErrorClassifierHandleError_CancelledWhileSleeping(t *testing.T) {
	c := NewErrorClassifier(5, 10*time.Millisecond, time.Second)
	d := c.HandleError(errors.New("connection reset"), 0, func(time.Duration) bool { return true })
	if d.Kind != DecisionStop {
		t.Fatalf("expected DecisionStop when cancelled callback reports true, got %v", d.Kind)
	}
}

func TestErrorClassifierResetFailures(t *testing.T) {
	c := NewErrorClassifier(5, 10*time.Millisecond, time.Second)
	c.HandleError(errors.New("connection reset"), 0, func(time.Duration) bool { return false })
	if c.ConsecutiveFailures() != 1 {
		t.Fatalf("expected 1 failure before reset")
	}
	c.ResetFailures()
	if c.ConsecutiveFailures() != 0 {
		t.Errorf("expected 0 failures after reset, got %d", c.ConsecutiveFailures())
	}
}

func TestComputeBackoff_ClampsToMax(t *testing.T) {
	c := NewErrorClassifier(100, 10*time.Millisecond, 200*time.Millisecond)
	for _, retryCount := range []int{0, 5, 10, 50, 1000} {
		delay := c.ComputeBackoff(retryCount)
		// jitter can add up to JitterFactor on top of the clamped base delay.
		upperBound := time.Duration(float64(200*time.Millisecond) * (1 + JitterFactor))
		if delay > upperBound {
			t.Errorf("ComputeBackoff(%d) = %v, want <= %v", retryCount, delay, upperBound)
		}
		if delay < 0 {
			t.Errorf("ComputeBackoff(%d) produced a negative delay: %v", retryCount, delay)
		}
	}
}

func TestComputeBackoff_GrowsWithRetryCount(t *testing.T) {
	c := NewErrorClassifier(100, 10*time.Millisecond, 10*time.Second)
	small := c.ComputeBackoff(0)
	large := c.ComputeBackoff(4)
	if large <= small {
		t.Errorf("expected backoff to grow with retry count: retry0=%v retry4=%v", small, large)
	}
}

func TestComputeBackoff_NegativeRetryCountClampedToZero(t *testing.T) {
	c := NewErrorClassifier(100, 10*time.Millisecond, time.Second)
	delay := c.ComputeBackoff(-5)
	if delay <= 0 {
		t.Error("expected a positive delay even for a negative retry count")
	}
}
