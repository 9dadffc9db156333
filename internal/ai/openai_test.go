package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/petchat/internal/protocol"
)

// completionServer answers every chat/completions call with content and
// records the last request body.
func completionServer(t *testing.T, content string, last *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if last != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(last))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
			"usage":   map[string]any{"total_tokens": 12},
		})
	}))
}

var sampleTurns = []protocol.Turn{{Role: "user", Content: "Alice: I got the job!"}}

func TestOpenAIClient_AnalyzeEmotion(t *testing.T) {
	var body map[string]any
	srv := completionServer(t, "```json\n{\"happy\": 0.9, \"excited\": 0.7}\n```", &body)
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL, "test-model", time.Second)
	scores, usage, err := c.AnalyzeEmotion(context.Background(), sampleTurns)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"happy": 0.9, "excited": 0.7}, scores)
	assert.Equal(t, int64(12), usage.TotalTokens)

	assert.Equal(t, "test-model", body["model"])
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "Alice: I got the job!", messages[1].(map[string]any)["content"])
}

func TestOpenAIClient_ExtractMemoriesDropsBlank(t *testing.T) {
	srv := completionServer(t, `Here you go: [{"content":"got a new job","category":""},{"content":"  ","category":"x"}]`, nil)
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL, "", time.Second)
	memories, _, err := c.ExtractMemories(context.Background(), sampleTurns)
	require.NoError(t, err)
	assert.Equal(t, []protocol.MemoryItem{{Content: "got a new job", Category: "general"}}, memories)
}

func TestOpenAIClient_GenerateSuggestionNull(t *testing.T) {
	srv := completionServer(t, "null", nil)
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL, "", time.Second)
	suggestion, usage, err := c.GenerateSuggestion(context.Background(), sampleTurns)
	require.NoError(t, err)
	assert.Nil(t, suggestion)
	assert.Equal(t, int64(12), usage.TotalTokens)
}

func TestOpenAIClient_GenerateSuggestion(t *testing.T) {
	srv := completionServer(t, `{"title":"Celebrate","content":"Say congratulations","type":"suggestion"}`, nil)
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL, "", time.Second)
	suggestion, _, err := c.GenerateSuggestion(context.Background(), sampleTurns)
	require.NoError(t, err)
	assert.Equal(t, &Suggestion{Title: "Celebrate", Content: "Say congratulations", Type: "suggestion"}, suggestion)
}

func TestOpenAIClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL, "", time.Second)
	_, _, err := c.AnalyzeEmotion(context.Background(), sampleTurns)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("", srv.URL, "", time.Second)
	_, _, err := c.ExtractMemories(context.Background(), sampleTurns)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAIClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			_, _ = w.Write([]byte(`{"data":[{"id":"other"},{"id":"test-model"}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL+"/", "test-model", time.Second)
	msg, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Contains(t, msg, "is available")
}

func TestOpenAIClient_PingFallsBackToCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat/completions" {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL, "m", time.Second)
	msg, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Contains(t, msg, "hello")
}

func TestDecodeModelJSON_NoJSON(t *testing.T) {
	var v map[string]float64
	assert.Error(t, decodeModelJSON("I cannot help with that", &v))
}
