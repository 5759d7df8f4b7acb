package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"npcmind/internal/domain"
)

const (
	defaultAPITimeout      = 30 * time.Second
	defaultAPIRetries      = 2
	defaultAPIRetryBackoff = 1500 * time.Millisecond
	defaultMaxTokens       = 100
	defaultTemperature     = 0.7
	maxErrorBodyReadSize   = 64 * 1024
)

// APIConfig configures the chat-completions adapter.
type APIConfig struct {
	Endpoint     string
	Model        string
	AuthToken    string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	MaxTokens    int
	Logger       *log.Logger
	Client       *http.Client
}

// APIService asks a chat-completions endpoint for the next task. The
// model is instructed to answer with {"new_task": "..."}; anything it
// returns is run through lenient extraction before being rejected.
type APIService struct {
	endpoint     string
	model        string
	authToken    string
	retries      int
	retryBackoff time.Duration
	maxTokens    int
	logger       *log.Logger
	client       *http.Client
}

func NewAPIService(cfg APIConfig) (*APIService, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", endpoint, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	if retries == 0 {
		retries = defaultAPIRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultAPIRetryBackoff
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &APIService{
		endpoint:     endpoint,
		model:        model,
		authToken:    strings.TrimSpace(cfg.AuthToken),
		retries:      retries,
		retryBackoff: retryBackoff,
		maxTokens:    maxTokens,
		logger:       cfg.Logger,
		client:       client,
	}, nil
}

func (s *APIService) Decide(ctx context.Context, req domain.DecisionRequest) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retries+1; attempt++ {
		task, err := s.decideOnce(ctx, req)
		if err == nil {
			return task, nil
		}
		lastErr = err
		if !isRetryableAPIError(err) || attempt == s.retries+1 {
			break
		}
		wait := time.Duration(attempt) * s.retryBackoff
		s.logger.Printf("decision api retry npc=%s attempt=%d wait=%s reason=%v", req.NpcID, attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown decision api error")
	}
	return "", lastErr
}

func (s *APIService) decideOnce(ctx context.Context, req domain.DecisionRequest) (string, error) {
	payload := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserMessage(req)},
		},
		MaxTokens:      s.maxTokens,
		Temperature:    defaultTemperature,
		ResponseFormat: &chatResponseFormat{Type: "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyReadSize))
		if readErr != nil {
			return "", fmt.Errorf("chat api status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return "", apiHTTPError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(raw)),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode chat response: %v", ErrInvalidResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: chat response has no choices", ErrInvalidResponse)
	}
	task, err := ExtractTask(parsed.Choices[0].Message.Content)
	if err != nil {
		return "", err
	}
	return task, nil
}

// ExtractTask reduces model output to the task string. It accepts the
// strict {"new_task": ...} shape, then falls back to progressively
// looser extraction before rejecting: fence stripping, the first JSON
// object in the text, a quoted value following "new_task", and finally
// any quoted text.
func ExtractTask(content string) (string, error) {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidResponse)
	}

	var reply domain.DecisionResponse
	if err := json.Unmarshal([]byte(text), &reply); err == nil && strings.TrimSpace(reply.NewTask) != "" {
		return strings.TrimSpace(reply.NewTask), nil
	}

	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err == nil && strings.TrimSpace(reply.NewTask) != "" {
				return strings.TrimSpace(reply.NewTask), nil
			}
		}
	}

	if idx := strings.Index(text, "new_task"); idx >= 0 {
		rest := text[idx+len("new_task"):]
		rest = strings.TrimLeft(rest, `"':, `)
		if end := strings.IndexAny(rest, `"}`); end > 0 {
			if task := strings.TrimSpace(rest[:end]); task != "" {
				return task, nil
			}
		}
	}

	if start := strings.Index(text, `"`); start >= 0 {
		if end := strings.Index(text[start+1:], `"`); end > 0 {
			task := strings.TrimSpace(text[start+1 : start+1+end])
			// The key itself is the first quoted string in malformed
			// {"new_task": ""} replies; never treat it as a task.
			if task != "" && task != "new_task" {
				return task, nil
			}
		}
	}

	return "", fmt.Errorf("%w: no task found in %q", ErrInvalidResponse, trim(content, 200))
}

func isRetryableAPIError(err error) bool {
	var statusErr apiHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

func buildUserMessage(req domain.DecisionRequest) string {
	var b strings.Builder
	b.WriteString("NPC state:\n")
	fmt.Fprintf(&b, "- ID: %s\n", req.NpcID)
	fmt.Fprintf(&b, "- Type: %s\n", req.NpcType)
	fmt.Fprintf(&b, "- Current task: %s\n", req.CurrentTask)
	fmt.Fprintf(&b, "- Last completed task: %s\n", req.LastCompletedTask)
	fmt.Fprintf(&b, "- Current state: %s\n", req.CurrentState)
	fmt.Fprintf(&b, "- Environment: %s\n", req.EnvironmentContext)
	fmt.Fprintf(&b, "- Player interaction: %s\n", req.PlayerInteraction)
	b.WriteString("\nBased on this information, what should the NPC do next?\n")
	b.WriteString("Respond ONLY with a valid JSON object containing the 'new_task' field.")
	return b.String()
}

type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Temperature    float64             `json:"temperature,omitempty"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type apiHTTPError struct {
	statusCode int
	body       string
}

func (e apiHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("chat api status=%d", e.statusCode)
	}
	return fmt.Sprintf("chat api status=%d body=%s", e.statusCode, e.body)
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

const systemPrompt = `You are an AI controlling NPCs in a video game. Your job is to give NPCs appropriate tasks based on their current state and environment.

Tasks should be short, clear instructions like "Patrol the village", "Find food", "Trade with villagers", "Follow the player".

IMPORTANT: Your response MUST be a valid JSON object with ONLY a 'new_task' field containing the task instruction. Example response:
{"new_task": "Patrol the village"}

Do not include any explanations, markdown formatting, or backticks in your response. Return ONLY the JSON object.`
