// Package server runs the periodic sweep that reaps idle AI sessions.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/petchat/internal/ai"
)

// sessionSweeper calls SessionStore.Sweep every interval.
type sessionSweeper struct {
	sessions *ai.SessionStore
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func newSessionSweeper(sessions *ai.SessionStore, interval, timeout time.Duration, logger *slog.Logger) *sessionSweeper {
	return &sessionSweeper{
		sessions: sessions,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "ai.sweeper")),
	}
}

// Start begins sweeping. It is a no-op when already running.
func (w *sessionSweeper) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(sweepCtx)
}

// Stop cancels the sweep loop and waits for it to exit.
func (w *sessionSweeper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *sessionSweeper) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		close(w.done)
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.DebugContext(ctx, "Session sweeper stopping")
			return

		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *sessionSweeper) sweep(ctx context.Context) {
	start := time.Now()
	removed := w.sessions.Sweep(w.timeout)
	if removed > 0 {
		w.logger.InfoContext(ctx, "Removed idle AI sessions",
			slog.Int("removed", removed),
			slog.Duration("duration", time.Since(start)))
	}
	w.logger.DebugContext(ctx, "Session stats after sweep", slog.Int("sessions", w.sessions.Len()))
}
