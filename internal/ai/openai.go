package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Tyrowin/petchat/internal/protocol"
)

const (
	defaultAPIBase = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	// maxErrorBody bounds how much of a failed response is quoted in errors.
	maxErrorBody = 512
)

const emotionPrompt = `You analyse the emotional tone of a chat conversation.
Reply with a single JSON object mapping emotion labels to scores between 0 and 1.
Use the labels happy, sad, angry, anxious, excited and neutral. Reply with JSON only.`

const memoryPrompt = `You extract durable facts worth remembering from a chat conversation:
preferences, plans, names, dates and relationships.
Reply with a JSON array of objects with "content" and "category" keys.
Reply with [] when there is nothing worth keeping. Reply with JSON only.`

const suggestionPrompt = `You are a friendly assistant watching a chat conversation.
If a short, helpful suggestion would improve the conversation, reply with a JSON object
with "title", "content" and "type" keys, where type is one of suggestion, topic or reminder.
Reply with null when there is nothing useful to suggest. Reply with JSON only.`

// chatMessage is one message of a chat/completions request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIClient is an Analyzer backed by any OpenAI-compatible
// chat/completions endpoint.
type OpenAIClient struct {
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient creates a client. Empty apiBase and model select the
// OpenAI defaults.
func NewOpenAIClient(apiKey, apiBase, model string, timeout time.Duration) *OpenAIClient {
	if strings.TrimSpace(apiBase) == "" {
		apiBase = defaultAPIBase
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		apiBase:    strings.TrimRight(apiBase, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return c.model
}

// AnalyzeEmotion implements Analyzer.
func (c *OpenAIClient) AnalyzeEmotion(ctx context.Context, turns []protocol.Turn) (map[string]float64, Usage, error) {
	content, usage, err := c.complete(ctx, emotionPrompt, turns, 200)
	if err != nil {
		return nil, usage, err
	}

	var scores map[string]float64
	if err := decodeModelJSON(content, &scores); err != nil {
		return nil, usage, fmt.Errorf("parse emotion scores: %w", err)
	}
	return scores, usage, nil
}

// ExtractMemories implements Analyzer.
func (c *OpenAIClient) ExtractMemories(ctx context.Context, turns []protocol.Turn) ([]protocol.MemoryItem, Usage, error) {
	content, usage, err := c.complete(ctx, memoryPrompt, turns, 500)
	if err != nil {
		return nil, usage, err
	}

	var memories []protocol.MemoryItem
	if err := decodeModelJSON(content, &memories); err != nil {
		return nil, usage, fmt.Errorf("parse memories: %w", err)
	}

	kept := memories[:0]
	for _, m := range memories {
		m.Content = strings.TrimSpace(m.Content)
		if m.Content == "" {
			continue
		}
		if m.Category == "" {
			m.Category = "general"
		}
		kept = append(kept, m)
	}
	return kept, usage, nil
}

// GenerateSuggestion implements Analyzer.
func (c *OpenAIClient) GenerateSuggestion(ctx context.Context, turns []protocol.Turn) (*Suggestion, Usage, error) {
	content, usage, err := c.complete(ctx, suggestionPrompt, turns, 300)
	if err != nil {
		return nil, usage, err
	}

	var suggestion *Suggestion
	if err := decodeModelJSON(content, &suggestion); err != nil {
		return nil, usage, fmt.Errorf("parse suggestion: %w", err)
	}
	if suggestion == nil || strings.TrimSpace(suggestion.Content) == "" {
		return nil, usage, nil
	}
	return suggestion, usage, nil
}

// Ping checks that the endpoint is reachable and the model is usable. It
// first lists models and falls back to a one-token completion for servers
// that do not implement /models.
func (c *OpenAIClient) Ping(ctx context.Context) (string, error) {
	models, listErr := c.listModels(ctx)
	if listErr == nil {
		for _, m := range models {
			if m == c.model {
				return fmt.Sprintf("connected; model %q is available", c.model), nil
			}
		}
		preview := models
		if len(preview) > 3 {
			preview = preview[:3]
		}
		return fmt.Sprintf("connected; model %q not listed (available: %s)", c.model, strings.Join(preview, ", ")), nil
	}

	content, _, chatErr := c.complete(ctx, "", []protocol.Turn{{Role: "user", Content: "hi"}}, 5)
	if chatErr != nil {
		return "", fmt.Errorf("list models: %v; chat completion: %w", listErr, chatErr)
	}
	return fmt.Sprintf("connected; chat completion answered %q", content), nil
}

func (c *OpenAIClient) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal models: %w", err)
	}

	ids := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// complete sends the system prompt followed by the conversation turns and
// returns the first choice's content.
func (c *OpenAIClient) complete(ctx context.Context, system string, turns []protocol.Turn, maxTokens int) (string, Usage, error) {
	messages := make([]chatMessage, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	for _, t := range turns {
		role := t.Role
		if role != "assistant" && role != "system" {
			role = "user"
		}
		messages = append(messages, chatMessage{Role: role, Content: t.Content})
	}

	payload, err := json.Marshal(map[string]any{
		"model":       c.model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": 0.3,
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	body, err := c.do(req)
	if err != nil {
		return "", Usage{}, err
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", Usage{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	usage := Usage{TotalTokens: resp.Usage.TotalTokens}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", usage, ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func (c *OpenAIClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *OpenAIClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		quoted := string(body)
		if len(quoted) > maxErrorBody {
			quoted = quoted[:maxErrorBody] + "..."
		}
		return nil, fmt.Errorf("AI API request failed: status %d: %s", resp.StatusCode, quoted)
	}
	return body, nil
}

// decodeModelJSON unmarshals model output, tolerating Markdown code fences
// and prose around the JSON value.
func decodeModelJSON(content string, v any) error {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimPrefix(text, "json")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "}]")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON value in %q", truncate(text, 80))
	}
	return json.Unmarshal([]byte(text[start:end+1]), v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
