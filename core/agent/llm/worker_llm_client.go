package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"billscan_worker/core/port/out"
	"billscan_worker/pkg/resilience"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const DefaultModel = "gpt-4o-mini"

type ClientConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// HTTPClient overrides the transport; nil uses the library default.
	HTTPClient *http.Client
}

// Client is an OpenAI-backed out.StructuredCompleter using JSON-schema
// constrained responses.
type Client struct {
	client  *openai.Client
	model   string
	breaker *resilience.Breaker
	usage   *CostTracker
	log     zerolog.Logger
}

func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	log = log.With().Str("component", "llm").Str("model", cfg.Model).Logger()
	bcfg := resilience.DefaultBreakerConfig("openai")
	bcfg.Trips = tripsCircuit
	return &Client{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		breaker: resilience.NewBreaker(bcfg, log),
		usage:   NewCostTracker(),
		log:     log,
	}
}

// Usage returns the token usage recorded since the client was built.
func (c *Client) Usage() *CostTracker {
	return c.usage
}

// schemaDocument lets a plain map travel as the response_format schema.
type schemaDocument map[string]any

func (s schemaDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(s))
}

// Complete returns the raw JSON content of the first choice.
func (c *Client) Complete(ctx context.Context, req *out.CompletionRequest) ([]byte, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.SchemaName,
				Schema: schemaDocument(req.Schema),
				Strict: true,
			},
		},
	}

	var resp openai.ChatCompletionResponse
	err := c.breaker.Execute(func() error {
		r, err := c.client.CreateChatCompletion(ctx, chatReq)
		resp = r
		return err
	})
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	cost := c.usage.Track(c.model, req.SchemaName, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return nil, out.NewCompletionError(out.CompletionSchema, errors.New("no choices returned"))
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, out.NewCompletionError(out.CompletionSchema, fmt.Errorf("model refused: %s", choice.Message.Refusal))
	}
	if choice.FinishReason == openai.FinishReasonLength {
		return nil, out.NewCompletionError(out.CompletionSchema, errors.New("response truncated"))
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return nil, out.NewCompletionError(out.CompletionSchema, errors.New("empty content"))
	}

	c.log.Debug().
		Str("schema", req.SchemaName).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Float64("cost_usd", cost).
		Msg("completion done")
	return []byte(content), nil
}

func (c *Client) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out.NewCompletionError(out.CompletionTimeout, err)
	}
	if resilience.Rejected(err) {
		c.log.Warn().Str("state", c.breaker.State()).Msg("completion rejected by open circuit")
	}
	return out.NewCompletionError(out.CompletionProvider, err)
}

// tripsCircuit counts server-side failures only.
func tripsCircuit(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}

var _ out.StructuredCompleter = (*Client)(nil)
