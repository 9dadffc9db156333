package ai

import "errors"

var (
	// ErrQueueFull is returned by Submit when every worker is busy and the
	// job queue is at capacity.
	ErrQueueFull = errors.New("ai: job queue full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("ai: coordinator stopped")
	// ErrNoAnalyzer is returned by Submit when no provider is configured.
	ErrNoAnalyzer = errors.New("ai: no analyzer configured")
	// ErrEmptyResponse is returned by providers that answered with no content.
	ErrEmptyResponse = errors.New("ai: empty model response")
)
