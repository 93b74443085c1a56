package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var history = []models.Message{
	{Sender: models.SenderVisitor, Content: "Where is my order?"},
	{Sender: models.SenderSystem, Content: "Alice joined"},
	{Sender: models.SenderAgent, Content: "Let me check."},
	{Sender: models.SenderAI, Content: "debug trace", Metadata: models.MessageMetadata{DebugOnly: true}},
	{Sender: models.SenderVisitor, Content: "Order 1234"},
}

func TestOpenAI_Generate(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m1","choices":[{"index":0,"message":{"role":"assistant","content":" It ships today. "},"finish_reason":"stop"}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(srv.URL+"/v1/", "sk-test", "m1", srv.Client())
	res, err := p.Generate(context.Background(), models.Conversation{ID: "c1"}, history)
	require.NoError(t, err)

	assert.Equal(t, "It ships today.", res.Text)
	assert.Equal(t, 0.8, res.Confidence)
	assert.Equal(t, "m1", got.Model)
	roles := make([]string, 0, len(got.Messages))
	for _, m := range got.Messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
}

func TestOpenAI_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAI(srv.URL, "", "m1", nil).Generate(context.Background(), models.Conversation{ID: "c1"}, history)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestRAG_Generate(t *testing.T) {
	var got ragRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"suggestion":"Order 1234 ships today.","confidence":0.92,"metadata":{"sources":["faq#shipping"]}}`))
	}))
	defer srv.Close()

	res, err := NewRAG(srv.URL, "", nil).Generate(context.Background(), models.Conversation{ID: "c1"}, history)
	require.NoError(t, err)
	assert.Equal(t, "Order 1234 ships today.", res.Text)
	assert.Equal(t, 0.92, res.Confidence)
	assert.Contains(t, res.Metadata, "sources")

	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, "Order 1234", got.Message)
	assert.Len(t, got.History, 3)
}

func TestRAG_EmptySuggestionIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"suggestion":"  ","confidence":0.1}`))
	}))
	defer srv.Close()

	_, err := NewRAG(srv.URL, "", nil).Generate(context.Background(), models.Conversation{ID: "c1"}, history)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	g, err := New(config.ProviderConfig{Type: "none"})
	require.NoError(t, err)
	assert.Nil(t, g)

	g, err = New(config.ProviderConfig{Type: "rag", Endpoint: "http://rag"})
	require.NoError(t, err)
	assert.IsType(t, &RAG{}, g)

	g, err = New(config.ProviderConfig{Type: "openai", Endpoint: "http://llm", Model: "m"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, g)

	_, err = New(config.ProviderConfig{Type: "rag"})
	assert.Error(t, err)
	_, err = New(config.ProviderConfig{Type: "bogus"})
	assert.Error(t, err)
}
