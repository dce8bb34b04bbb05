package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"studyroom-sync-be/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamServer(t *testing.T, lines []string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.WriteHeader(status)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
}

func TestChatStream(t *testing.T) {
	srv := streamServer(t, []string{
		`{"message":{"role":"assistant","content":"Water "},"done":false}`,
		``,
		`{"message":{"role":"assistant","content":"boils at "},"done":false}`,
		`{"message":{"role":"assistant","content":"100C."},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	}, http.StatusOK)
	defer srv.Close()

	p := NewOllamaProvider(srv.URL+"/", "llama3")
	var events []llm.CompletionEvent
	err := p.ChatStream(context.Background(), []llm.Message{{Role: "user", Content: "boiling point?"}}, func(e llm.CompletionEvent) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, llm.CompletionEvent{Type: llm.CompletionChunk, Content: "Water "}, events[0])
	assert.Equal(t, llm.CompletionEvent{Type: llm.CompletionFinal, Content: "Water boils at 100C."}, events[3])
}

func TestChatStreamErrors(t *testing.T) {
	tests := []struct {
		name   string
		lines  []string
		status int
	}{
		{name: "http error", lines: []string{`{"error":"model not found"}`}, status: http.StatusNotFound},
		{name: "stream error", lines: []string{`{"message":{"content":"a"}}`, `{"error":"out of memory"}`}, status: http.StatusOK},
		{name: "truncated stream", lines: []string{`{"message":{"content":"a"}}`}, status: http.StatusOK},
		{name: "garbage", lines: []string{`data: {"type":"chunk"}`}, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := streamServer(t, tt.lines, tt.status)
			defer srv.Close()

			p := NewOllamaProvider(srv.URL, "llama3")
			var finals int
			err := p.ChatStream(context.Background(), nil, func(e llm.CompletionEvent) error {
				if e.Type == llm.CompletionFinal {
					finals++
				}
				return nil
			})
			assert.Error(t, err)
			assert.Zero(t, finals)
		})
	}
}

func TestChatStreamStopsOnCallbackError(t *testing.T) {
	srv := streamServer(t, []string{
		`{"message":{"content":"a"}}`,
		`{"message":{"content":"b"}}`,
		`{"done":true}`,
	}, http.StatusOK)
	defer srv.Close()

	stop := errors.New("client went away")
	calls := 0
	err := NewOllamaProvider(srv.URL, "llama3").ChatStream(context.Background(), nil, func(llm.CompletionEvent) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestChatStreamSendsOptions(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	defer srv.Close()

	history := []llm.Message{{Role: "model", Content: "earlier"}, {Role: "user", Content: "hi"}}
	err := NewOllamaProvider(srv.URL, "llama3").ChatStream(context.Background(), history, func(llm.CompletionEvent) error { return nil },
		llm.WithModel("qwen2.5"), llm.WithTemperature(0.2), llm.WithMaxTokens(256))
	require.NoError(t, err)

	assert.Equal(t, "qwen2.5", got.Model)
	assert.True(t, got.Stream)
	require.NotNil(t, got.Options)
	assert.Equal(t, 0.2, got.Options.Temperature)
	assert.Equal(t, 256, got.Options.NumPredict)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "assistant", got.Messages[0].Role)
}
