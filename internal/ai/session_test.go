package ai

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/petchat/internal/protocol"
)

func turns(n int) []protocol.Turn {
	out := make([]protocol.Turn, n)
	for i := range out {
		out[i] = protocol.Turn{Role: "user", Content: fmt.Sprintf("m%d", i)}
	}
	return out
}

func TestSessionStore_UpdateContextReplacesWhenLonger(t *testing.T) {
	s := NewSessionStore(0)
	s.UpdateContext("c1", turns(2))
	require.Len(t, s.Context("c1"), 2)

	s.UpdateContext("c1", turns(3))
	assert.Equal(t, turns(3), s.Context("c1"))
}

func TestSessionStore_UpdateContextKeepsWhenShorterOrEqual(t *testing.T) {
	clock := time.Unix(1000, 0)
	s := NewSessionStore(0)
	s.now = func() time.Time { return clock }

	s.Append("c1", "user", "a")
	s.Append("c1", "user", "b")
	before := s.Context("c1")

	clock = clock.Add(time.Minute)
	s.UpdateContext("c1", []protocol.Turn{{Role: "user", Content: "x"}, {Role: "user", Content: "y"}})
	assert.Equal(t, before, s.Context("c1"))

	s.UpdateContext("c1", []protocol.Turn{{Role: "user", Content: "z"}})
	assert.Equal(t, before, s.Context("c1"))

	last, ok := s.LastActive("c1")
	require.True(t, ok)
	assert.Equal(t, clock, last)
}

func TestSessionStore_UpdateContextCreatesEmptySession(t *testing.T) {
	s := NewSessionStore(0)
	s.UpdateContext("c1", nil)

	assert.Equal(t, 1, s.Len())
	assert.Nil(t, s.Context("c1"))
}

func TestSessionStore_SnapshotIsCopied(t *testing.T) {
	s := NewSessionStore(0)
	snap := turns(2)
	s.UpdateContext("c1", snap)
	snap[0].Content = "mutated"

	assert.Equal(t, "m0", s.Context("c1")[0].Content)
}

func TestSessionStore_AppendTrimsToMostRecent(t *testing.T) {
	s := NewSessionStore(DefaultMaxTurns)
	for i := 0; i < 60; i++ {
		s.Append("c1", "user", fmt.Sprintf("m%d", i))
	}

	got := s.Context("c1")
	require.Len(t, got, 50)
	for i, turn := range got {
		assert.Equal(t, fmt.Sprintf("m%d", i+10), turn.Content)
	}
}

func TestSessionStore_SweepKeepsUsage(t *testing.T) {
	clock := time.Unix(0, 0)
	s := NewSessionStore(0)
	s.now = func() time.Time { return clock }

	s.Append("old", "user", "a")
	s.TrackUsage("old", 42)
	clock = clock.Add(2 * time.Hour)
	s.Append("fresh", "user", "b")

	removed := s.Sweep(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Nil(t, s.Context("old"))
	assert.NotNil(t, s.Context("fresh"))
	assert.Equal(t, int64(42), s.Usage("old"))
}

func TestSessionStore_TrackUsageConcurrent(t *testing.T) {
	s := NewSessionStore(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.TrackUsage("c1", 10)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(500), s.Usage("c1"))
	s.TrackUsage("c1", -5)
	assert.Equal(t, int64(500), s.Usage("c1"))
}

func TestSessionStore_SeedUsage(t *testing.T) {
	s := NewSessionStore(0)
	s.TrackUsage("c1", 5)
	s.SeedUsage(map[string]int64{"c1": 10, "c2": 3})

	assert.Equal(t, map[string]int64{"c1": 15, "c2": 3}, s.AllUsage())
}
