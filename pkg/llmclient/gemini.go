// -- pkg/llmclient/gemini.go --
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/skylark9/skylark-cli/internal/config"
	"github.com/skylark9/skylark-cli/pkg/interfaces"
)

// GeminiClient implements interfaces.LLMClient against the Gemini API. A
// rate limiter paces requests so a tight mission loop cannot exhaust the
// API quota.
type GeminiClient struct {
	logger      *zap.Logger
	client      *genai.Client
	model       string
	temperature float32
	limiter     *rate.Limiter
}

// NewClient is the provider factory. Only Gemini is wired today.
func NewClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (interfaces.LLMClient, error) {
	switch cfg.Provider {
	case "gemini", "":
		return NewGeminiClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini client requires an API key (agent.llm.api_key)")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	logger.Info("Instantiated LLM client",
		zap.String("provider", "gemini"), zap.String("model", model), zap.Int("rpm", rpm))
	return &GeminiClient{
		logger:      logger.Named("llm"),
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		limiter:     rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}, nil
}

// GenerateResponse sends the request and returns the text content.
func (c *GeminiClient) GenerateResponse(ctx context.Context, req interfaces.GenerationRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait cancelled: %w", err)
	}

	temperature := req.Options.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Options.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}
	if req.Options.ForceJSONFormat {
		genCfg.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.UserPrompt), genCfg)
	if err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty response")
	}
	return text, nil
}
