package ai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/petchat/internal/protocol"
)

type fakeAnalyzer struct {
	mu         sync.Mutex
	emotion    map[string]float64
	emotionErr error
	memories   []protocol.MemoryItem
	memErr     error
	suggestion *Suggestion
	suggErr    error
	tokens     int64
	block      chan struct{}
	panicOnce  bool
	seen       [][]protocol.Turn
}

func (f *fakeAnalyzer) record(turns []protocol.Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, turns)
}

func (f *fakeAnalyzer) AnalyzeEmotion(ctx context.Context, turns []protocol.Turn) (map[string]float64, Usage, error) {
	f.record(turns)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	if f.panicOnce {
		f.panicOnce = false
		f.mu.Unlock()
		panic("provider exploded")
	}
	f.mu.Unlock()
	return f.emotion, Usage{TotalTokens: f.tokens}, f.emotionErr
}

func (f *fakeAnalyzer) ExtractMemories(ctx context.Context, turns []protocol.Turn) ([]protocol.MemoryItem, Usage, error) {
	return f.memories, Usage{TotalTokens: f.tokens}, f.memErr
}

func (f *fakeAnalyzer) GenerateSuggestion(ctx context.Context, turns []protocol.Turn) (*Suggestion, Usage, error) {
	return f.suggestion, Usage{TotalTokens: f.tokens}, f.suggErr
}

type delivery struct {
	userID string
	msg    protocol.Message
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []delivery
}

func (d *fakeDeliverer) Deliver(userID string, msg protocol.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, delivery{userID: userID, msg: msg})
	return true
}

func (d *fakeDeliverer) snapshot() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.sent...)
}

type fakeHistory struct {
	turns []protocol.Turn
}

func (h fakeHistory) RecentTurns(context.Context, string, int) ([]protocol.Turn, error) {
	return h.turns, nil
}

type fakeMirror struct {
	mu    sync.Mutex
	total int64
}

func (m *fakeMirror) AddUsage(_ context.Context, _ string, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += tokens
	return nil
}

func request(snapshot ...protocol.Turn) protocol.AIAnalysisRequest {
	return protocol.AIAnalysisRequest{
		ConversationID:  "c1",
		SenderID:        "user_a",
		SenderName:      "Alice",
		ContextSnapshot: snapshot,
	}
}

func waitCompleted(t *testing.T, c *Coordinator, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.completed.Load() >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinator_EmotionOnlyResult(t *testing.T) {
	analyzer := &fakeAnalyzer{emotion: map[string]float64{"happy": 0.9}}
	deliver := &fakeDeliverer{}
	c := NewCoordinator(NewSessionStore(0), analyzer, deliver, Options{Workers: 2})
	c.Start(context.Background())

	require.NoError(t, c.Submit("user_a", request(protocol.Turn{Role: "user", Content: "hello"})))
	waitCompleted(t, c, 1)
	require.NoError(t, c.Stop(time.Second))

	sent := deliver.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, "user_a", sent[0].userID)
	assert.Equal(t, protocol.AIEmotion{ConversationID: "c1", Scores: map[string]float64{"happy": 0.9}}, sent[0].msg)
}

func TestCoordinator_AllResultsInOrder(t *testing.T) {
	analyzer := &fakeAnalyzer{
		emotion:    map[string]float64{"neutral": 1},
		memories:   []protocol.MemoryItem{{Content: "likes tea", Category: "preference"}},
		suggestion: &Suggestion{Title: "Ask", Content: "Ask about the tea"},
	}
	deliver := &fakeDeliverer{}
	c := NewCoordinator(NewSessionStore(0), analyzer, deliver, Options{Workers: 1})
	c.Start(context.Background())

	require.NoError(t, c.Submit("user_a", request(protocol.Turn{Role: "user", Content: "I like tea"})))
	waitCompleted(t, c, 1)
	require.NoError(t, c.Stop(time.Second))

	sent := deliver.snapshot()
	require.Len(t, sent, 3)
	assert.Equal(t, protocol.TypeAIEmotion, sent[0].msg.MessageType())
	assert.Equal(t, protocol.TypeAIMemory, sent[1].msg.MessageType())
	assert.Equal(t, protocol.AISuggestion{
		ConversationID: "c1",
		Title:          "Ask",
		Content:        "Ask about the tea",
		SuggestionType: "suggestion",
	}, sent[2].msg)
}

func TestCoordinator_FailedCallsAreNotForwarded(t *testing.T) {
	analyzer := &fakeAnalyzer{
		emotion:    map[string]float64{"happy": 0.5},
		emotionErr: errors.New("timeout"),
		memErr:     errors.New("bad json"),
		suggestion: &Suggestion{Title: "t", Content: "c", Type: "topic"},
	}
	deliver := &fakeDeliverer{}
	c := NewCoordinator(NewSessionStore(0), analyzer, deliver, Options{Workers: 1})
	c.Start(context.Background())

	require.NoError(t, c.Submit("user_a", request(protocol.Turn{Role: "user", Content: "hi"})))
	waitCompleted(t, c, 1)
	require.NoError(t, c.Stop(time.Second))

	sent := deliver.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeAISuggestion, sent[0].msg.MessageType())
	assert.Equal(t, "topic", sent[0].msg.(protocol.AISuggestion).SuggestionType)
}

func TestCoordinator_NoAnalyzer(t *testing.T) {
	c := NewCoordinator(NewSessionStore(0), nil, &fakeDeliverer{}, Options{})
	assert.ErrorIs(t, c.Submit("user_a", request()), ErrNoAnalyzer)
}

func TestCoordinator_QueueFullDoesNotBlock(t *testing.T) {
	c := NewCoordinator(NewSessionStore(0), &fakeAnalyzer{}, &fakeDeliverer{}, Options{Workers: 1, QueueSize: 1})

	require.NoError(t, c.Submit("user_a", request()))
	err := c.Submit("user_a", request())
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), c.Stats()["dropped"])
}

func TestCoordinator_SubmitAfterStop(t *testing.T) {
	c := NewCoordinator(NewSessionStore(0), &fakeAnalyzer{}, &fakeDeliverer{}, Options{})
	c.Start(context.Background())
	require.NoError(t, c.Stop(time.Second))

	assert.ErrorIs(t, c.Submit("user_a", request()), ErrStopped)
	assert.NoError(t, c.Stop(time.Second))
}

func TestCoordinator_UpdatesSessionBeforeDispatch(t *testing.T) {
	sessions := NewSessionStore(0)
	analyzer := &fakeAnalyzer{}
	c := NewCoordinator(sessions, analyzer, &fakeDeliverer{}, Options{Workers: 1})
	c.Start(context.Background())

	snapshot := []protocol.Turn{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}}
	require.NoError(t, c.Submit("user_a", request(snapshot...)))
	assert.Equal(t, snapshot, sessions.Context("c1"))

	waitCompleted(t, c, 1)
	require.NoError(t, c.Stop(time.Second))

	analyzer.mu.Lock()
	defer analyzer.mu.Unlock()
	require.Len(t, analyzer.seen, 1)
	assert.Equal(t, snapshot, analyzer.seen[0])
}

func TestCoordinator_SeedsFromHistoryWhenSessionEmpty(t *testing.T) {
	history := fakeHistory{turns: []protocol.Turn{{Role: "user", Content: "stored"}}}
	analyzer := &fakeAnalyzer{}
	c := NewCoordinator(NewSessionStore(0), analyzer, &fakeDeliverer{}, Options{Workers: 1, History: history})
	c.Start(context.Background())

	require.NoError(t, c.Submit("user_a", request()))
	waitCompleted(t, c, 1)
	require.NoError(t, c.Stop(time.Second))

	analyzer.mu.Lock()
	defer analyzer.mu.Unlock()
	require.Len(t, analyzer.seen, 1)
	assert.Equal(t, history.turns, analyzer.seen[0])
}

func TestCoordinator_TracksUsage(t *testing.T) {
	sessions := NewSessionStore(0)
	mirror := &fakeMirror{}
	analyzer := &fakeAnalyzer{tokens: 7}
	c := NewCoordinator(sessions, analyzer, &fakeDeliverer{}, Options{Workers: 1, Mirror: mirror})
	c.Start(context.Background())

	require.NoError(t, c.Submit("user_a", request(protocol.Turn{Role: "user", Content: "x"})))
	waitCompleted(t, c, 1)
	require.NoError(t, c.Stop(time.Second))

	assert.Equal(t, int64(21), sessions.Usage("c1"))
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Equal(t, int64(21), mirror.total)
}

func TestCoordinator_RecoversFromPanic(t *testing.T) {
	analyzer := &fakeAnalyzer{panicOnce: true, emotion: map[string]float64{"happy": 1}}
	deliver := &fakeDeliverer{}
	c := NewCoordinator(NewSessionStore(0), analyzer, deliver, Options{Workers: 1})
	c.Start(context.Background())

	require.NoError(t, c.Submit("user_a", request(protocol.Turn{Role: "user", Content: "x"})))
	waitCompleted(t, c, 1)
	require.NoError(t, c.Submit("user_a", request(protocol.Turn{Role: "user", Content: "x"})))
	waitCompleted(t, c, 2)
	require.NoError(t, c.Stop(time.Second))

	assert.Len(t, deliver.snapshot(), 1)
}

func TestCoordinator_StopTimesOut(t *testing.T) {
	block := make(chan struct{})
	analyzer := &fakeAnalyzer{block: block}
	c := NewCoordinator(NewSessionStore(0), analyzer, &fakeDeliverer{}, Options{Workers: 1})
	c.Start(context.Background())

	require.NoError(t, c.Submit("user_a", request(protocol.Turn{Role: "user", Content: "x"})))
	require.Eventually(t, func() bool {
		analyzer.mu.Lock()
		defer analyzer.mu.Unlock()
		return len(analyzer.seen) == 1
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.Stop(20*time.Millisecond), context.DeadlineExceeded)
	close(block)
}
