package liveness

import "time"

const (
	// BackoffStep is added to the reconnect delay for every failed attempt.
	BackoffStep = 5 * time.Second
	// BackoffMax caps the reconnect delay.
	BackoffMax = 30 * time.Second
)

// Delay returns the reconnect delay after failedAttempts consecutive native
// host failures: min(5s * failedAttempts, 30s).
func Delay(failedAttempts uint) time.Duration {
	if failedAttempts >= uint(BackoffMax/BackoffStep) {
		return BackoffMax
	}
	return time.Duration(failedAttempts) * BackoffStep
}
