package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseResponseFormats(t *testing.T) {
	openai := `{"choices":[{"message":{"content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`
	resp, err := parseResponse(ProviderOpenAI, []byte(openai))
	if err != nil {
		t.Fatalf("openai: %v", err)
	}
	if resp.Content != "hello" || resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("openai parse: %+v", resp)
	}

	anthropic := `{"content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":8,"output_tokens":2}}`
	resp, err = parseResponse(ProviderAnthropic, []byte(anthropic))
	if err != nil {
		t.Fatalf("anthropic: %v", err)
	}
	if resp.Content != "hi" || resp.FinishReason != "stop" {
		t.Errorf("anthropic parse: %+v", resp)
	}

	ollama := `{"message":{"role":"assistant","content":"yo"},"done_reason":"stop","prompt_eval_count":5,"eval_count":1}`
	resp, err = parseResponse(ProviderOllama, []byte(ollama))
	if err != nil {
		t.Fatalf("ollama: %v", err)
	}
	if resp.Content != "yo" || resp.InputTokens != 5 {
		t.Errorf("ollama parse: %+v", resp)
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	if normalizeFinishReason("max_tokens") != "length" || normalizeFinishReason("length") != "length" {
		t.Error("truncation reasons must normalise to length")
	}
	if normalizeFinishReason("end_turn") != "stop" || normalizeFinishReason("stop") != "stop" {
		t.Error("completion reasons must normalise to stop")
	}
}

func TestClientCompleteOpenAICompatible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v", body["model"])
		}
		if _, ok := body["response_format"]; !ok {
			t.Error("expected response_format for JSON mode")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"{}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		OpenAIKey: "test-key",
		BaseURLs:  map[Provider]string{ProviderOpenAI: srv.URL},
	}, slog.Default())

	resp, err := c.Complete(context.Background(), Request{
		Provider: ProviderOpenAI, Model: "gpt-4o-mini", Prompt: "p", RequireJSON: true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "{}" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestClientCompleteTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"partial"},"finish_reason":"length"}],"usage":{"prompt_tokens":1,"completion_tokens":4096}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		OpenAIKey: "k",
		BaseURLs:  map[Provider]string{ProviderOpenAI: srv.URL},
	}, slog.Default())

	_, err := c.Complete(context.Background(), Request{Provider: ProviderOpenAI, Model: "gpt-4o-mini", Prompt: "p"})
	var trunc *ErrOutputTruncated
	if !errors.As(err, &trunc) {
		t.Fatalf("expected ErrOutputTruncated, got %v", err)
	}
	if trunc.OutputTokens != 4096 {
		t.Errorf("output tokens = %d", trunc.OutputTokens)
	}
}

func TestClientRequiresKey(t *testing.T) {
	c := NewClient(ClientConfig{}, slog.Default())
	_, err := c.Complete(context.Background(), Request{Provider: ProviderOpenAI, Model: "gpt-4o-mini", Prompt: "p"})
	if err == nil {
		t.Fatal("expected missing-key error")
	}
}
