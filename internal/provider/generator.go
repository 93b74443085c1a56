// Package provider talks to the external suggestion pipeline. It is a black
// box that, given a conversation, yields reply text with a confidence.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Result is one generated reply
type Result struct {
	Text       string                 `json:"suggestion"`
	Confidence float64                `json:"confidence"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Generator produces a reply for the latest visitor message of a conversation
type Generator interface {
	Generate(ctx context.Context, conv models.Conversation, history []models.Message) (*Result, error)
}

// New returns the generator selected by cfg.Type. Type "none" returns nil:
// the desk then runs without suggestions.
func New(cfg config.ProviderConfig) (Generator, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "rag":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("provider.endpoint is required for rag")
		}
		return NewRAG(cfg.Endpoint, cfg.APIKey, client), nil
	case "openai":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("provider.endpoint is required for openai")
		}
		return NewOpenAI(cfg.Endpoint, cfg.APIKey, cfg.Model, client), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// transcript keeps the messages a model should see: no debug entries, no
// system notices.
func transcript(history []models.Message) []models.Message {
	out := make([]models.Message, 0, len(history))
	for _, m := range history {
		if m.Metadata.DebugOnly || m.Sender == models.SenderSystem {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// lastVisitorMessage returns the text being answered
func lastVisitorMessage(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Sender == models.SenderVisitor {
			return history[i].Content
		}
	}
	return ""
}
