package ai

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/petchat/internal/protocol"
)

// Coordinator defaults.
const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 64
	DefaultCallTimeout = 60 * time.Second
	// defaultSuggestionType is used when the provider leaves the type blank.
	defaultSuggestionType = "suggestion"
)

// Options configures a Coordinator. Zero values select defaults; nil
// collaborators are skipped.
type Options struct {
	Workers     int
	QueueSize   int
	CallTimeout time.Duration
	History     History
	Memories    MemorySink
	Mirror      UsageMirror
	Logger      *slog.Logger
}

// job is one analysis request, detached from the session store at dispatch.
type job struct {
	userID         string
	conversationID string
	turns          []protocol.Turn
}

// jobResult holds the fields a job produced. Absent fields are not sent.
type jobResult struct {
	emotion    map[string]float64
	memories   []protocol.MemoryItem
	suggestion *Suggestion
}

// Coordinator turns ai_analysis_request messages into background jobs on a
// bounded worker pool and delivers results back to the requester.
type Coordinator struct {
	sessions *SessionStore
	analyzer Analyzer
	deliver  Deliverer
	opts     Options
	logger   *slog.Logger

	jobs    chan job
	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	dropped   atomic.Int64
}

// NewCoordinator wires a coordinator. analyzer may be nil, in which case
// every Submit fails with ErrNoAnalyzer.
func NewCoordinator(sessions *SessionStore, analyzer Analyzer, deliver Deliverer, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		sessions: sessions,
		analyzer: analyzer,
		deliver:  deliver,
		opts:     opts,
		logger:   logger.With(slog.String("component", "ai.coordinator")),
		jobs:     make(chan job, opts.QueueSize),
	}
}

// Sessions exposes the session store the coordinator updates.
func (c *Coordinator) Sessions() *SessionStore {
	return c.sessions
}

// Start launches the worker goroutines. Calling it twice is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker(workerCtx, i+1)
	}
	c.logger.InfoContext(ctx, "AI workers started", slog.Int("workers", c.opts.Workers), slog.Int("queue_size", c.opts.QueueSize))
}

// Stop refuses new jobs, lets workers drain the queue, and waits up to
// timeout before cancelling in-flight provider calls.
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.jobs)
	cancel := c.cancel
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		return nil
	case <-time.After(timeout):
		if cancel != nil {
			cancel()
		}
		c.logger.Warn("AI coordinator stop timed out; cancelled in-flight jobs")
		return context.DeadlineExceeded
	}
}

// Submit updates the conversation session from the request and queues an
// analysis job for userID. It never blocks on the provider: when the queue
// is full the job is dropped with ErrQueueFull.
func (c *Coordinator) Submit(userID string, req protocol.AIAnalysisRequest) error {
	if c.analyzer == nil {
		return ErrNoAnalyzer
	}

	c.sessions.UpdateContext(req.ConversationID, req.ContextSnapshot)
	j := job{
		userID:         userID,
		conversationID: req.ConversationID,
		turns:          c.sessions.Context(req.ConversationID),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return ErrStopped
	}

	select {
	case c.jobs <- j:
		c.submitted.Add(1)
		return nil
	default:
		c.dropped.Add(1)
		return fmt.Errorf("%w: conversation %s", ErrQueueFull, req.ConversationID)
	}
}

// Stats reports job counters.
func (c *Coordinator) Stats() map[string]int64 {
	return map[string]int64{
		"submitted": c.submitted.Load(),
		"completed": c.completed.Load(),
		"dropped":   c.dropped.Load(),
		"queued":    int64(len(c.jobs)),
	}
}

func (c *Coordinator) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	for j := range c.jobs {
		c.runJob(ctx, id, j)
	}
}

// runJob recovers from panics so one bad job cannot take a worker down.
func (c *Coordinator) runJob(ctx context.Context, workerID int, j job) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "PANIC in AI job",
				slog.Int("worker_id", workerID),
				slog.String("conversation_id", j.conversationID),
				slog.Any("panic", r),
				slog.String("stack_trace", string(debug.Stack())))
		}
		c.completed.Add(1)
	}()

	if len(j.turns) == 0 {
		j.turns = c.loadHistory(ctx, j.conversationID)
	}
	if len(j.turns) == 0 {
		c.logger.DebugContext(ctx, "No context to analyse", slog.String("conversation_id", j.conversationID))
		return
	}

	start := time.Now()
	res := c.analyse(ctx, j)
	c.publish(ctx, j, res)
	c.logger.InfoContext(ctx, "AI job processed",
		slog.Int("worker_id", workerID),
		slog.String("user_id", j.userID),
		slog.String("conversation_id", j.conversationID),
		slog.Duration("duration", time.Since(start)))
}

func (c *Coordinator) loadHistory(ctx context.Context, conversationID string) []protocol.Turn {
	if c.opts.History == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	turns, err := c.opts.History.RecentTurns(callCtx, conversationID, c.sessions.maxTurns)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to load conversation history",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
		return nil
	}
	return turns
}

// analyse runs the three provider calls in order. A failed call leaves
// its field empty and does not stop the others.
func (c *Coordinator) analyse(ctx context.Context, j job) jobResult {
	var res jobResult

	c.call(ctx, j, "emotion", func(ctx context.Context) (Usage, error) {
		scores, usage, err := c.analyzer.AnalyzeEmotion(ctx, j.turns)
		if err == nil {
			res.emotion = scores
		}
		return usage, err
	})
	c.call(ctx, j, "memories", func(ctx context.Context) (Usage, error) {
		memories, usage, err := c.analyzer.ExtractMemories(ctx, j.turns)
		if err == nil {
			res.memories = memories
		}
		return usage, err
	})
	c.call(ctx, j, "suggestion", func(ctx context.Context) (Usage, error) {
		suggestion, usage, err := c.analyzer.GenerateSuggestion(ctx, j.turns)
		if err == nil {
			res.suggestion = suggestion
		}
		return usage, err
	})
	return res
}

func (c *Coordinator) call(ctx context.Context, j job, kind string, fn func(context.Context) (Usage, error)) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	usage, err := fn(callCtx)
	c.trackUsage(ctx, j.conversationID, usage.TotalTokens)
	if err != nil {
		c.logger.WarnContext(ctx, "AI call failed",
			slog.String("kind", kind),
			slog.String("conversation_id", j.conversationID),
			slog.Any("error", err))
	}
}

func (c *Coordinator) trackUsage(ctx context.Context, conversationID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	c.sessions.TrackUsage(conversationID, tokens)
	if c.opts.Mirror == nil {
		return
	}
	if err := c.opts.Mirror.AddUsage(ctx, conversationID, tokens); err != nil {
		c.logger.WarnContext(ctx, "Failed to mirror token usage",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
	}
}

// publish sends at most one message per present result field.
func (c *Coordinator) publish(ctx context.Context, j job, res jobResult) {
	if len(res.emotion) > 0 {
		c.deliver.Deliver(j.userID, protocol.AIEmotion{ConversationID: j.conversationID, Scores: res.emotion})
	}

	if len(res.memories) > 0 {
		c.deliver.Deliver(j.userID, protocol.AIMemory{ConversationID: j.conversationID, Memories: res.memories})
		if c.opts.Memories != nil {
			if err := c.opts.Memories.SaveMemories(ctx, j.userID, j.conversationID, res.memories); err != nil {
				c.logger.WarnContext(ctx, "Failed to persist memories",
					slog.String("conversation_id", j.conversationID),
					slog.Any("error", err))
			}
		}
	}

	if s := res.suggestion; s != nil {
		kind := s.Type
		if kind == "" {
			kind = defaultSuggestionType
		}
		c.deliver.Deliver(j.userID, protocol.AISuggestion{
			ConversationID: j.conversationID,
			Title:          s.Title,
			Content:        s.Content,
			SuggestionType: kind,
		})
	}
}
