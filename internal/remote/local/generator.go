package local

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"github.com/taskassist/featuredev/internal/policy"
	"github.com/taskassist/featuredev/internal/telemetry"
)

// GenerateRequest is one prompt sent to a model.
type GenerateRequest struct {
	ConversationID string
	System         string
	Prompt         string
}

// Generator produces the raw model text for a prompt. Failures are classified
// with policy.Transient or policy.Domain.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}

// AnthropicGenerator calls the Anthropic Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicGenerator builds a generator. An empty apiKey falls back to the
// SDK's ANTHROPIC_API_KEY lookup.
func NewAnthropicGenerator(apiKey, model string, maxTokens int, opts ...option.RequestOption) *AnthropicGenerator {
	requestOptions := []option.RequestOption{}
	if apiKey != "" {
		requestOptions = append(requestOptions, option.WithAPIKey(apiKey))
	}
	requestOptions = append(requestOptions, opts...)
	return &AnthropicGenerator{
		client:    anthropic.NewClient(requestOptions...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	ctx, call := telemetry.StartLLMCall(ctx, telemetry.LLMCallRequest{
		Operation:      policy.OpGenerateCode.String(),
		Provider:       "anthropic",
		ModelName:      g.model,
		ConversationID: req.ConversationID,
		System:         req.System,
		Prompt:         req.Prompt,
		MaxTokens:      int(g.maxTokens),
	})

	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: req.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		classified := classifyAnthropic(err)
		call.RecordError(string(policy.KindOf(classified)), err.Error(), 1)
		call.End("", nil, classified)
		return "", classified
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	outputTokens := int(msg.Usage.OutputTokens)
	if text.Len() == 0 {
		err := policy.RemoteFailure(policy.OpGenerateCode, "model returned no text content")
		call.End("", &outputTokens, err)
		return "", err
	}
	call.End(text.String(), &outputTokens, nil)
	return text.String(), nil
}

func classifyAnthropic(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, err)
	}
	return classifyTransport(err)
}

// OpenAIGenerator calls the OpenAI chat completions API.
type OpenAIGenerator struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIGenerator builds a generator. baseURL overrides the API endpoint
// for compatible servers.
func NewOpenAIGenerator(apiKey, model string, maxTokens int, baseURL string) *OpenAIGenerator {
	config := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIGenerator{
		client:    openai.NewClientWithConfig(config),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	ctx, call := telemetry.StartLLMCall(ctx, telemetry.LLMCallRequest{
		Operation:      policy.OpGenerateCode.String(),
		Provider:       "openai",
		ModelName:      g.model,
		ConversationID: req.ConversationID,
		System:         req.System,
		Prompt:         req.Prompt,
		MaxTokens:      g.maxTokens,
	})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		classified := classifyOpenAI(err)
		call.RecordError(string(policy.KindOf(classified)), err.Error(), 1)
		call.End("", nil, classified)
		return "", classified
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	completionTokens := resp.Usage.CompletionTokens
	if strings.TrimSpace(content) == "" {
		err := policy.RemoteFailure(policy.OpGenerateCode, "model returned no text content")
		call.End("", &completionTokens, err)
		return "", err
	}
	call.End(content, &completionTokens, nil)
	return content, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	return classifyTransport(err)
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests || status >= 500 || status == 0:
		return policy.Transient(policy.OpGenerateCode, err)
	default:
		return policy.Domain(policy.OpGenerateCode, fmt.Sprintf("model provider rejected the request with status %d", status), err)
	}
}

// classifyTransport treats network failures and timeouts as retryable.
// Caller cancellation passes through untouched.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return policy.Transient(policy.OpGenerateCode, err)
}
