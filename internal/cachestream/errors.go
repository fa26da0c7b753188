// Package cachestream implements a fault-tolerant, ordered, at-least-once
// MongoDB change-stream consumer that keeps a process-local cache coherent
// with an authoritative collection.
package cachestream

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// Backoff tuning constants. Mirrors the retry/backoff knobs already used by
// the rest of this codebase's long-running consumers, generalized with
// jitter and an explicit exponent cap so a long-lived stream can't grow an
// unbounded exponent over days of uptime.
const (
	MaxBackoffExponent = 10
	BackoffMultiplier  = 2.0
	JitterFactor       = 0.25
)

// DecisionKind enumerates what the retry loop should do after an error.
type DecisionKind int

const (
	// DecisionContinue means retry after the computed backoff delay.
	DecisionContinue DecisionKind = iota
	// DecisionStop means exit the retry loop quietly (e.g. cancellation, or
	// maxRetries exhausted without a more specific error).
	DecisionStop
	// DecisionStopWithError means exit the retry loop and surface Err to the caller.
	DecisionStopWithError
)

// Decision is the outcome of ErrorClassifier.HandleError.
type Decision struct {
	Kind  DecisionKind
	Err   error
	Delay time.Duration
}

// errorSubstringSets centralizes the lowercased substrings used to classify
// driver errors. The driver does not expose structured error codes for most
// of these categories, so classification is necessarily heuristic; keep the
// sets here so they can be unit-tested independently of the retry loop.
var (
	fatalSubstrings = []string{
		"authentication failed",
		"unauthorized",
		"not authorized",
		"change streams are only supported",
		"feature is not supported",
		"ns not found",
		"database not found",
		"collection not found",
	}

	tokenInvalidatingSubstrings = []string{
		"resume point may no longer be in the oplog",
		"invalid resume point",
		"resume token",
		"changestreamhistorylost",
		"resume", // conservative fallback
	}

	cleanupCriticalSubstrings = []string{
		"resource leak",
		"memory",
		"corruption",
		"deadlock",
		"interrupted",
	}

	// cancellation errors are explicitly excluded from cleanup-critical even
	// though "interrupted" would otherwise match.
	cancellationSubstrings = []string{
		"context canceled",
		"context deadline exceeded",
		"operation was canceled",
	}

	processorStoppingSubstrings = []string{
		"serialization",
		"deserialization",
		"cannot unmarshal",
		"class cast",
		"channel closed",
		"send on closed channel",
	}

	recoverableSubstrings = []string{
		"connection",
		"timeout",
		"timed out",
		"network",
		"host unreachable",
		"no reachable servers",
		"server selection error",
	}
)

func lowerContainsAny(msg string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err should stop the stream manager permanently.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return lowerContainsAny(strings.ToLower(err.Error()), fatalSubstrings)
}

// IsTokenInvalidating reports whether err means the resume token(s) must be cleared.
func IsTokenInvalidating(err error) bool {
	if err == nil {
		return false
	}
	return lowerContainsAny(strings.ToLower(err.Error()), tokenInvalidatingSubstrings)
}

// IsCancellation reports whether err represents a cooperative cancellation,
// never a failure.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	return lowerContainsAny(strings.ToLower(err.Error()), cancellationSubstrings)
}

// IsCleanupCritical reports whether err must be propagated even during
// teardown rather than logged and swallowed.
func IsCleanupCritical(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	return lowerContainsAny(strings.ToLower(err.Error()), cleanupCriticalSubstrings)
}

// IsProcessorStopping reports whether err should cause the event processor
// to drain and exit its loop while the stream task continues running.
func IsProcessorStopping(err error) bool {
	if err == nil {
		return false
	}
	return lowerContainsAny(strings.ToLower(err.Error()), processorStoppingSubstrings)
}

// IsRecoverable reports whether err should be retried with backoff. Unknown
// errors are treated as recoverable by default — the conservative choice
// described for this classifier is to retry rather than fail closed.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if lowerContainsAny(msg, recoverableSubstrings) {
		return true
	}
	// Conservative default: anything not fatal is recoverable.
	return !IsFatal(err)
}

// ErrorClassifier tracks consecutive failures and the last observed error,
// and drives the exponential-backoff retry decision for the stream manager's
// retry loop.
type ErrorClassifier struct {
	maxRetries        int
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration

	consecutiveFailures int
	lastError           error
}

// NewErrorClassifier constructs a classifier bound to the given retry budget.
func NewErrorClassifier(maxRetries int, initialRetryDelay, maxRetryDelay time.Duration) *ErrorClassifier {
	return &ErrorClassifier{
		maxRetries:        maxRetries,
		initialRetryDelay: initialRetryDelay,
		maxRetryDelay:     maxRetryDelay,
	}
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (c *ErrorClassifier) ConsecutiveFailures() int {
	return c.consecutiveFailures
}

// LastError returns the most recently recorded error, or nil.
func (c *ErrorClassifier) LastError() error {
	return c.lastError
}

// ResetFailures clears the failure counter after a successful reconnection.
func (c *ErrorClassifier) ResetFailures() {
	c.consecutiveFailures = 0
}

// HandleError records the failure and decides how the retry loop should proceed.
// cancelled reports whether the caller observed cancellation while sleeping
// through the computed backoff delay; when true the decision degrades to Stop.
func (c *ErrorClassifier) HandleError(err error, retryCount int, cancelled func(time.Duration) bool) Decision {
	c.consecutiveFailures++
	c.lastError = err

	if IsFatal(err) {
		return Decision{Kind: DecisionStopWithError, Err: err}
	}

	if retryCount >= c.maxRetries {
		return Decision{Kind: DecisionStop, Err: err}
	}

	delay := c.ComputeBackoff(retryCount)
	if cancelled != nil && cancelled(delay) {
		return Decision{Kind: DecisionStop, Err: err}
	}

	return Decision{Kind: DecisionContinue, Err: err, Delay: delay}
}

// ComputeBackoff returns the exponential backoff delay with additive jitter
// for the given retry attempt, using double-precision arithmetic with
// explicit overflow guards so a very large retryCount can never produce a
// delay beyond maxRetryDelay (plus jitter).
func (c *ErrorClassifier) ComputeBackoff(retryCount int) time.Duration {
	exponent := retryCount
	if exponent > MaxBackoffExponent {
		exponent = MaxBackoffExponent
	}
	if exponent < 0 {
		exponent = 0
	}

	base := float64(c.initialRetryDelay)
	multiplier := math.Pow(BackoffMultiplier, float64(exponent))

	delay := base * multiplier
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay < 0 {
		delay = float64(c.maxRetryDelay)
	}

	maxDelay := float64(c.maxRetryDelay)
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := delay * JitterFactor * rand.Float64()

	total := delay + jitter
	if total > math.MaxInt64 {
		return c.maxRetryDelay
	}

	return time.Duration(total)
}
