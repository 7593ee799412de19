package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ModelTimeoutError means the hosted language model did not reply in time.
// The turn is aborted and the call ends with outcome timeout.
type ModelTimeoutError struct {
	Err error
}

func (e *ModelTimeoutError) Error() string {
	return fmt.Sprintf("model reply overdue: %v", e.Err)
}

func (e *ModelTimeoutError) Unwrap() error {
	return e.Err
}

// ChatMessage is one entry in the conversation sent to the model
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ToolCall is a side-effect invocation embedded in a model reply
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatReply is the parsed model response
type ChatReply struct {
	Content   string
	ToolCalls []ToolCall
}

// ChatModel abstracts the hosted language model for the conversation driver
type ChatModel interface {
	Chat(ctx context.Context, messages []ChatMessage) (*ChatReply, error)
}

// ModelClient talks to a hosted OpenAI-compatible chat completion endpoint
type ModelClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	timeout time.Duration
}

// NewModelClient reads the model endpoint configuration from the environment
func NewModelClient() (*ModelClient, error) {
	apiKey := os.Getenv("MODEL_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("MODEL_API_KEY is required")
	}

	baseURL := os.Getenv("MODEL_API_URL")
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	model := os.Getenv("MODEL_NAME")
	if model == "" {
		model = "gemma2-9b-it"
	}

	timeout := 30 * time.Second
	if v := os.Getenv("MODEL_TIMEOUT_SECONDS"); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	return &ModelClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{},
		timeout: timeout,
	}, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Tools    []toolSpec    `json:"tools,omitempty"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name string `json:"name"`
					// arguments arrive as a JSON-encoded string
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// agentTools are the side-effect tools the agent may invoke mid-conversation
var agentTools = []toolSpec{
	{Type: "function", Function: toolFunction{
		Name:        "take_note",
		Description: "Record a note about the contact",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}},
	{Type: "function", Function: toolFunction{
		Name:        "schedule_callback",
		Description: "Schedule a callback at an RFC3339 timestamp",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"timestamp":{"type":"string"}},"required":["timestamp"]}`),
	}},
	{Type: "function", Function: toolFunction{
		Name:        "mark_not_interested",
		Description: "Mark the contact as not interested in onboarding",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
	}},
}

// Chat sends the accumulated conversation and returns the model's reply.
// An overdue reply is reported as ModelTimeoutError.
func (m *ModelClient) Chat(ctx context.Context, messages []ChatMessage) (*ChatReply, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:    m.model,
		Messages: messages,
		Tools:    agentTools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, &ModelTimeoutError{Err: err}
		}
		return nil, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model request: status %d: %s", resp.StatusCode, msg)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	reply := &ChatReply{Content: parsed.Choices[0].Message.Content}
	for _, tc := range parsed.Choices[0].Message.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return reply, nil
}
