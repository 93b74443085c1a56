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

const systemPrompt = "You are a customer support assistant. Draft the next reply to the customer. " +
	"Be concise and friendly. Reply with the message text only."

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// completionRequest is the subset of the chat completion request we send
type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// OpenAI drafts replies with an OpenAI-compatible chat completion endpoint
type OpenAI struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewOpenAI creates a generator on endpoint (e.g. https://api.openai.com/v1)
func NewOpenAI(endpoint, apiKey, model string, client *http.Client) *OpenAI {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAI{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   client,
	}
}

// Generate asks the model for the next agent reply
func (p *OpenAI) Generate(ctx context.Context, _ models.Conversation, history []models.Message) (*Result, error) {
	req := completionRequest{
		Model:       p.model,
		Messages:    []chatMessage{{Role: "system", Content: systemPrompt}},
		Temperature: 0.3,
	}
	for _, m := range transcript(history) {
		role := "assistant"
		if m.Sender == models.SenderVisitor {
			role = "user"
		}
		req.Messages = append(req.Messages, chatMessage{Role: role, Content: m.Content})
	}

	resp, err := p.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}
	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return nil, fmt.Errorf("completion returned empty content")
	}

	confidence := 0.5
	if choice.FinishReason == "stop" {
		confidence = 0.8
	}
	return &Result{
		Text:       text,
		Confidence: confidence,
		Metadata: map[string]interface{}{
			"model":         resp.Model,
			"finish_reason": choice.FinishReason,
			"total_tokens":  resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAI) complete(ctx context.Context, req completionRequest) (*completionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode completion: %w", err)
	}
	return &out, nil
}
