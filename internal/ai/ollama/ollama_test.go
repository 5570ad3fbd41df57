package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"message":{"content":"{\"vote\":2}"}}`))
	}))
	defer srv.Close()

	out, err := New(srv.URL).CompleteWithSystem(context.Background(), "llama3", "", "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"vote":2}`, out)
	assert.Equal(t, false, body["stream"])
	assert.Equal(t, "json", body["format"])
	assert.Len(t, body["messages"], 1)
}

func TestErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).CompleteWithSystem(context.Background(), "llama3", "", "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
