// Package openai implements the reasoning agent on the OpenAI chat API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/louisbranch/taleloom/internal/services/narrative/agent"
	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Config configures the adapter.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// RoleModels overrides Model per agent role.
	RoleModels  map[string]string
	Temperature float64
	HTTPClient  *http.Client
}

// Agent calls the chat completions endpoint.
type Agent struct {
	client      sdk.Client
	model       string
	roleModels  map[string]string
	temperature float64
}

// New builds the adapter. Retries are left to agent.Caller.
func New(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("openai model is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Agent{
		client:      sdk.NewClient(opts...),
		model:       cfg.Model,
		roleModels:  cfg.RoleModels,
		temperature: cfg.Temperature,
	}, nil
}

func (a *Agent) modelFor(role string) string {
	if m := strings.TrimSpace(a.roleModels[role]); m != "" {
		return m
	}
	return a.model
}

// Invoke implements agent.Agent.
func (a *Agent) Invoke(ctx context.Context, req agent.Request) (agent.Response, error) {
	system, user, err := agent.Render(req)
	if err != nil {
		return agent.Response{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(a.modelFor(req.Role)),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(system),
			sdk.UserMessage(user),
		},
	}
	if a.temperature > 0 {
		params.Temperature = sdk.Float(a.temperature)
	}

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return agent.Response{}, classify(err)
	}
	if len(completion.Choices) == 0 {
		return agent.Response{}, fmt.Errorf("%w: completion has no choices", agent.ErrUnavailable)
	}
	return agent.Response{
		Text:  strings.TrimSpace(completion.Choices[0].Message.Content),
		Model: completion.Model,
	}, nil
}

// classify marks rate limits and server errors as transient.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", agent.ErrUnavailable, apiErr.StatusCode)
		}
		return fmt.Errorf("openai status %d: %w", apiErr.StatusCode, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", agent.ErrUnavailable, err)
}
