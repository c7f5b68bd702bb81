package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/LanternOps/breeze-sub012/internal/llm"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

func writeSSE(t *testing.T, w http.ResponseWriter, lines []string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("expected http.Flusher")
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
		flusher.Flush()
	}
}

func historyRequest() *llm.Request {
	return &llm.Request{
		Model:  "test-model",
		System: "You are a helpful IT assistant.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "check device d1"},
			{Role: llm.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call_0", Name: "get_device", Input: json.RawMessage(`{"id":"d1"}`)},
			}},
			{Role: llm.RoleUser, ToolResults: []models.ToolResult{
				{ToolCallID: "call_0", Content: `{"status":"online"}`},
			}},
		},
		Tools: []llm.ToolSpec{{
			Name:        "get_device",
			Description: "Look up a device",
			Schema:      json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}}}`),
		}},
	}
}

func TestOpenAIProvider_Stream(t *testing.T) {
	rolesCh := make(chan []string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		var roles []string
		for _, m := range body.Messages {
			roles = append(roles, m.Role)
		}
		rolesCh <- roles

		writeSSE(t, w, []string{
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			``,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			``,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_device","arguments":"{\"id\":"}}]}}]}`,
			``,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"d2\"}"}}]}}]}`,
			``,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			``,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`,
			``,
			`data: [DONE]`,
			``,
		})
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}

	chunks, err := provider.Complete(context.Background(), historyRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	resp, err := llm.Collect(context.Background(), chunks)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if resp.Text != "Hello" {
		t.Errorf("text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "get_device" || string(call.Input) != `{"id":"d2"}` {
		t.Errorf("tool call = %+v (input %s)", call, call.Input)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}

	roles := <-rolesCh
	wantRoles := []string{"system", "user", "assistant", "tool"}
	if strings.Join(roles, ",") != strings.Join(wantRoles, ",") {
		t.Errorf("roles = %v, want %v", roles, wantRoles)
	}
}

func TestOpenAIProvider_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}

	_, err = provider.Complete(context.Background(), &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	providerErr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if providerErr.Reason != FailoverRateLimit || providerErr.Status != http.StatusTooManyRequests {
		t.Fatalf("provider error = %+v", providerErr)
	}
}

func TestAnthropicProvider_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing x-api-key header")
		}
		writeSSE(t, w, []string{
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"test-model","usage":{"input_tokens":25,"output_tokens":1}}}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":0}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_device","input":{}}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"id\":"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"d1\"}"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":1}`,
			``,
			`event: message_delta`,
			`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		})
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	chunks, err := provider.Complete(context.Background(), historyRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	resp, err := llm.Collect(context.Background(), chunks)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if resp.Text != "Checking" {
		t.Errorf("text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "toolu_1" || string(resp.ToolCalls[0].Input) != `{"id":"d1"}` {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.InputTokens != 25 || resp.OutputTokens != 9 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestAnthropicProvider_AuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	chunks, err := provider.Complete(context.Background(), &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	_, err = llm.Collect(context.Background(), chunks)
	providerErr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if providerErr.Reason != FailoverAuth || providerErr.Status != http.StatusUnauthorized {
		t.Fatalf("provider error = %+v", providerErr)
	}
	if UserMessage(err) != MessageAuth {
		t.Fatalf("UserMessage = %q", UserMessage(err))
	}
}

func TestAnthropicProvider_InvalidToolInput(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	_, err = provider.Complete(context.Background(), &llm.Request{Messages: []llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "x", Name: "t", Input: json.RawMessage(`[1,2]`)}}},
	}})
	if ClassifyError(err) != FailoverInvalidRequest {
		t.Fatalf("err = %v, want invalid_request", err)
	}
}

func TestNewProvidersRequireKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Error("expected anthropic error without key")
	}
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Error("expected openai error without key")
	}
}
