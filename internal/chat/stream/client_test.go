package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/mathsolver/core/internal/chat/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(endpoint string) model.APIConfig {
	return model.APIConfig{
		Endpoint:    endpoint,
		APIKey:      "sk-test",
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		MaxTokens:   2000,
	}
}

func TestClient_StreamSendsRequestAndDecodes(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"2+2=\"}}]}\n\n")
		flusher.Flush()
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"4\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(WithHTTPClient(server.Client()))
	dec, err := client.Stream(context.Background(), testConfig(server.URL), []*schema.Message{
		schema.SystemMessage("be a tutor"),
		schema.UserMessage("2+2?"),
	})
	require.NoError(t, err)
	defer dec.Close()

	var answer string
	for {
		delta, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		answer += delta.Content
	}
	assert.Equal(t, "2+2=4", answer)

	got := <-bodies
	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.Equal(t, true, got["stream"])
	assert.Equal(t, 0.7, got["temperature"])
	assert.Equal(t, float64(2000), got["max_tokens"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, map[string]any{"role": "system", "content": "be a tutor"}, msgs[0])
	assert.Equal(t, map[string]any{"role": "user", "content": "2+2?"}, msgs[1])
}

func TestClient_StreamNon2xxIsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key"}}`+"\n")
	}))
	defer server.Close()

	_, err := NewClient().Stream(context.Background(), testConfig(server.URL), nil)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, `{"error":{"message":"bad key"}}`, statusErr.Body)
	assert.Contains(t, err.Error(), "401")
}

func TestClient_StreamTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewClient().Stream(context.Background(), testConfig(url), nil)
	require.Error(t, err)
	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr))
}

func TestClient_Ping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	bodies := make(chan map[string]any, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		w.WriteHeader(int(status.Load()))
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer server.Close()

	client := NewClient()
	require.NoError(t, client.Ping(context.Background(), testConfig(server.URL)))
	got := <-bodies
	assert.Equal(t, float64(5), got["max_tokens"])
	_, hasStream := got["stream"]
	assert.False(t, hasStream)

	status.Store(http.StatusServiceUnavailable)
	err := client.Ping(context.Background(), testConfig(server.URL))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}
