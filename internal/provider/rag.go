package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jordanhubbard/loomdesk/pkg/models"
)

type ragRequest struct {
	ConversationID string           `json:"conversationId"`
	Message        string           `json:"message"`
	History        []models.Message `json:"history"`
}

// RAG calls a retrieval-augmented generation service that answers with
// {suggestion, confidence, metadata}
type RAG struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewRAG creates a generator posting to endpoint
func NewRAG(endpoint, apiKey string, client *http.Client) *RAG {
	if client == nil {
		client = http.DefaultClient
	}
	return &RAG{endpoint: strings.TrimSuffix(endpoint, "/"), apiKey: apiKey, client: client}
}

// Generate posts the conversation and decodes the pipeline's answer
func (p *RAG) Generate(ctx context.Context, conv models.Conversation, history []models.Message) (*Result, error) {
	msgs := transcript(history)
	body, err := json.Marshal(ragRequest{
		ConversationID: conv.ID,
		Message:        lastVisitorMessage(msgs),
		History:        msgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	result.Text = strings.TrimSpace(result.Text)
	if result.Text == "" {
		return nil, fmt.Errorf("pipeline returned an empty suggestion")
	}
	return &result, nil
}
