package decision

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"npcmind/internal/domain"
)

func TestExtractTask(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "strict json", in: `{"new_task": "Patrol the village"}`, want: "Patrol the village"},
		{name: "surrounding whitespace", in: "  {\"new_task\": \"Rest at home\"}\n", want: "Rest at home"},
		{name: "json fence", in: "```json\n{\"new_task\": \"Find food\"}\n```", want: "Find food"},
		{name: "bare fence", in: "```\n{\"new_task\": \"Find food\"}\n```", want: "Find food"},
		{name: "object inside prose", in: `The NPC should do this: {"new_task": "Guard the gate"} as discussed.`, want: "Guard the gate"},
		{name: "new_task without object", in: `new_task: "Trade with villagers"`, want: "Trade with villagers"},
		{name: "any quoted text", in: `I suggest "Follow the player" here.`, want: "Follow the player"},
		{name: "empty content", in: "", wantErr: true},
		{name: "no task anywhere", in: "the model refuses to answer", wantErr: true},
		{name: "empty new_task", in: `{"new_task": ""}`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractTask(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ExtractTask(%q)=%q want error", tc.in, got)
				}
				if !errors.Is(err, ErrInvalidResponse) {
					t.Fatalf("ExtractTask(%q) error=%v want ErrInvalidResponse", tc.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractTask(%q) returned error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ExtractTask(%q)=%q want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestIsRetryableAPIError(t *testing.T) {
	if !isRetryableAPIError(apiHTTPError{statusCode: 429}) {
		t.Fatalf("429 should be retryable")
	}
	if !isRetryableAPIError(apiHTTPError{statusCode: 503}) {
		t.Fatalf("503 should be retryable")
	}
	if isRetryableAPIError(apiHTTPError{statusCode: 400}) {
		t.Fatalf("400 should not be retryable")
	}
	if isRetryableAPIError(ErrInvalidResponse) {
		t.Fatalf("invalid response should not be retryable")
	}
	if !isRetryableAPIError(io.ErrUnexpectedEOF) {
		t.Fatalf("truncated body should be retryable")
	}
	if !isRetryableAPIError(context.DeadlineExceeded) {
		t.Fatalf("timeout should be retryable")
	}
}

func TestNewAPIServiceValidation(t *testing.T) {
	if _, err := NewAPIService(APIConfig{Model: "m"}); err == nil {
		t.Fatalf("empty endpoint must be rejected")
	}
	if _, err := NewAPIService(APIConfig{Endpoint: "http://localhost/v1", Model: " "}); err == nil {
		t.Fatalf("empty model must be rejected")
	}
	if _, err := NewAPIService(APIConfig{Endpoint: "http://localhost/v1", Model: "m"}); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func sampleRequest() domain.DecisionRequest {
	return domain.DecisionRequest{
		NpcID:              "guard_1",
		NpcType:            "guard",
		CurrentTask:        "Patrol the village perimeter",
		LastCompletedTask:  "idle",
		CurrentState:       "waiting",
		EnvironmentContext: "position: (120, 400), nearby objects: tree, rock",
		PlayerInteraction:  "player nearby",
	}
}

func TestAPIServiceDecide(t *testing.T) {
	var captured chatRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: `{"new_task": "Guard the town gate"}`}}},
		})
	}))
	defer server.Close()

	svc, err := NewAPIService(APIConfig{
		Endpoint:  server.URL,
		Model:     "test-model",
		AuthToken: "secret",
	})
	if err != nil {
		t.Fatalf("NewAPIService: %v", err)
	}

	task, err := svc.Decide(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if task != "Guard the town gate" {
		t.Fatalf("task=%q want Guard the town gate", task)
	}

	if auth != "Bearer secret" {
		t.Fatalf("auth header=%q want bearer token", auth)
	}
	if captured.Model != "test-model" {
		t.Fatalf("model=%q want test-model", captured.Model)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" || captured.Messages[1].Role != "user" {
		t.Fatalf("messages=%+v want system then user", captured.Messages)
	}
	if captured.ResponseFormat == nil || captured.ResponseFormat.Type != "json_object" {
		t.Fatalf("response_format=%+v want json_object", captured.ResponseFormat)
	}
	user := captured.Messages[1].Content
	for _, needle := range []string{"guard_1", "Patrol the village perimeter", "player nearby", "position: (120, 400)"} {
		if !strings.Contains(user, needle) {
			t.Fatalf("user message missing %q:\n%s", needle, user)
		}
	}
}

func TestAPIServiceRetriesServerErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Content: `{"new_task": "Rest at the barracks"}`}}},
		})
	}))
	defer server.Close()

	svc, err := NewAPIService(APIConfig{
		Endpoint:     server.URL,
		Model:        "test-model",
		Retries:      2,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAPIService: %v", err)
	}

	task, err := svc.Decide(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if task != "Rest at the barracks" {
		t.Fatalf("task=%q want Rest at the barracks", task)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want 3 (two retries)", calls)
	}
}

func TestAPIServiceDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	svc, err := NewAPIService(APIConfig{
		Endpoint:     server.URL,
		Model:        "test-model",
		Retries:      3,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAPIService: %v", err)
	}

	if _, err := svc.Decide(context.Background(), sampleRequest()); err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if calls != 1 {
		t.Fatalf("calls=%d want 1 (client errors are terminal)", calls)
	}
}

func TestAPIServiceRejectsUnusableContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Content: "no task here at all"}}},
		})
	}))
	defer server.Close()

	svc, err := NewAPIService(APIConfig{
		Endpoint:     server.URL,
		Model:        "test-model",
		Retries:      1,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAPIService: %v", err)
	}

	_, err = svc.Decide(context.Background(), sampleRequest())
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("error=%v want ErrInvalidResponse", err)
	}
	if got := Classify(err); got != domain.ErrorKindInvalidResponse {
		t.Fatalf("Classify=%s want invalid_response", got)
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(nil); got != domain.ErrorKindNone {
		t.Fatalf("Classify(nil)=%s want none", got)
	}
	if got := Classify(ErrInvalidResponse); got != domain.ErrorKindInvalidResponse {
		t.Fatalf("Classify(invalid)=%s want invalid_response", got)
	}
	if got := Classify(errors.New("conn refused")); got != domain.ErrorKindServiceUnavailable {
		t.Fatalf("Classify(other)=%s want service_unavailable", got)
	}
}
