package analysis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultModel is used when no model is configured
	DefaultModel = "gpt-4o"

	maxCompletionTokens = 2000
)

// OpenAIConfig configures the chat-completions client
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIAnalyzer sends screenshots to an OpenAI-compatible vision model
type OpenAIAnalyzer struct {
	client openai.Client
	model  string
	logger logrus.FieldLogger
}

// NewOpenAI creates an analyzer. A custom BaseURL points it at any
// OpenAI-compatible endpoint, including local model servers.
func NewOpenAI(cfg OpenAIConfig, logger logrus.FieldLogger) *OpenAIAnalyzer {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	opts := []option.RequestOption{
		option.WithMaxRetries(1),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &OpenAIAnalyzer{
		client: openai.NewClient(opts...),
		model:  model,
		logger: logger.WithField("component", "analysis"),
	}
}

// Analyze implements Analyzer
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(req.User),
	}
	for _, img := range req.Images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
			Detail: "high",
		}))
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(parts))

	start := time.Now()
	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(a.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(maxCompletionTokens),
		Temperature:         openai.Float(0.2),
	})
	if err != nil {
		return "", a.classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("analysis service returned no choices")
	}

	a.logger.WithFields(logrus.Fields{
		"model":    a.model,
		"images":   len(req.Images),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("analysis complete")

	return resp.Choices[0].Message.Content, nil
}

func (a *OpenAIAnalyzer) classify(ctx context.Context, err error) error {
	// the caller gave up; not a service fault
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: request timed out: %v", ErrServiceUnavailable, err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: authentication rejected (status %d)", ErrServiceUnavailable, apiErr.StatusCode)
		case http.StatusNotFound:
			return fmt.Errorf("%w: model %q not found", ErrServiceUnavailable, a.model)
		}
		return fmt.Errorf("analysis request failed with status %d: %w", apiErr.StatusCode, err)
	}

	if IsFatal(err) {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return fmt.Errorf("analysis request failed: %w", err)
}
