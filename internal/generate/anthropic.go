package generate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vellum-app/vellum/internal/fault"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures an Anthropic-backed generator.
type AnthropicConfig struct {
	// APIKey authenticates with the Anthropic API. Falls back to the
	// ANTHROPIC_API_KEY environment variable when empty.
	APIKey string

	// Model names the model used for prose and critique calls.
	Model string

	// MaxTokens caps the output length of a single call.
	MaxTokens int64

	// Logger receives request logging. If nil, a default logger is used.
	Logger *log.Logger
}

// DefaultAnthropicConfig returns an AnthropicConfig with sensible defaults.
func DefaultAnthropicConfig() AnthropicConfig {
	return AnthropicConfig{
		APIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		Model:     DefaultModel,
		MaxTokens: 4096,
	}
}

// Anthropic is a Generator backed by the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	config AnthropicConfig
	logger *log.Logger
}

// NewAnthropic creates an Anthropic generator from the given config.
func NewAnthropic(config AnthropicConfig) (*Anthropic, error) {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if config.APIKey == "" {
		return nil, fault.New(fault.CodeValidation, "anthropic API key not configured")
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[generate] ", log.LstdFlags)
	}

	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(config.APIKey)),
		config: config,
		logger: logger,
	}, nil
}

// Model returns the configured model name.
func (a *Anthropic) Model() string {
	return a.config.Model
}

// Generate runs a single prose or critique call and reports its settled cost.
func (a *Anthropic) Generate(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.config.MaxTokens
	}

	prompt := buildPrompt(req)

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.config.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		text.WriteString(block.Text)
	}

	result := &Result{
		Text:         text.String(),
		Model:        a.config.Model,
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}
	result.CostUSD = CostUSD(result.Model, result.InputTokens, result.OutputTokens)

	a.logger.Printf("%s call for %s: %d in / %d out tokens, $%.4f",
		req.Mode, req.UnitID, result.InputTokens, result.OutputTokens, result.CostUSD)

	return result, nil
}

// Ping verifies the API is reachable with a minimal one-token call.
func (a *Anthropic) Ping(ctx context.Context) error {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.config.Model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return classifyAPIError(err)
	}
	return nil
}

func buildPrompt(req *Request) string {
	switch req.Mode {
	case ModeCritique:
		return fmt.Sprintf("Critique the following draft passage. Point out weaknesses in pacing, clarity, and continuity, then propose a revised version.\n\n%s", req.Prompt)
	default:
		return req.Prompt
	}
}

func classifyAPIError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 429:
			return fault.Wrap(fault.CodeRateLimit, "anthropic rate limit exceeded", err)
		case 400:
			return fault.Wrap(fault.CodeValidation, "anthropic rejected the request", err)
		}
	}
	return fault.Wrap(fault.CodeInternal, "anthropic call failed", err)
}
