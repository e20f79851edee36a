package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	providerKeyPattern     = regexp.MustCompile(`\bsk-(?:ant-)?[A-Za-z0-9_\-]{10,}\b`)
)

// LLMCallRequest describes one generation request sent to a model provider.
type LLMCallRequest struct {
	Operation      string
	Provider       string
	ModelName      string
	ConversationID string
	System         string
	Prompt         string
	PromptTokens   int
	MaxTokens      int
}

// LLMCall tracks one llm.call span.
type LLMCall struct {
	span         trace.Span
	startedAt    time.Time
	promptTokens int

	mu    sync.Mutex
	ended bool
}

// StartLLMCall starts an llm.call span. Prompt text never leaves the process;
// only its hash and token estimate are recorded.
func StartLLMCall(ctx context.Context, req LLMCallRequest) (context.Context, *LLMCall) {
	if ctx == nil {
		ctx = context.Background()
	}

	promptTokens := req.PromptTokens
	if promptTokens < 0 {
		promptTokens = 0
	}
	if promptTokens == 0 {
		promptTokens = EstimateTokenCount(req.System) + EstimateTokenCount(req.Prompt)
	}

	attrs := []attribute.KeyValue{
		attribute.String("model_name", normalizeOrUnknown(req.ModelName)),
		attribute.String("provider", normalizeOrUnknown(req.Provider)),
		attribute.Int("prompt_tokens", promptTokens),
		attribute.String("prompt_hash", hashPrompt(req.System+"\n"+req.Prompt)),
	}
	if operation := strings.TrimSpace(req.Operation); operation != "" {
		attrs = append(attrs, attribute.String("operation", operation))
	}
	if conversationID := strings.TrimSpace(req.ConversationID); conversationID != "" {
		attrs = append(attrs, attribute.String("conversation_id", conversationID))
	}
	if req.MaxTokens > 0 {
		attrs = append(attrs, attribute.Int("max_tokens", req.MaxTokens))
	}

	spanCtx, span := otel.Tracer("featuredev/telemetry/llm").Start(
		ctx,
		"llm.call",
		trace.WithAttributes(attrs...),
	)

	return spanCtx, &LLMCall{
		span:         span,
		startedAt:    time.Now(),
		promptTokens: promptTokens,
	}
}

// RecordError adds a redacted llm error event to the active llm span.
func (c *LLMCall) RecordError(errorType string, errorMessage string, attempt int) {
	if c == nil || c.span == nil {
		return
	}
	if attempt < 0 {
		attempt = 0
	}

	c.span.AddEvent(
		"llm.error",
		trace.WithAttributes(
			attribute.String("error_type", normalizeOrUnknown(errorType)),
			attribute.String("error_message", redactSecrets(errorMessage)),
			attribute.Int("attempt", attempt),
		),
	)
	c.span.SetStatus(codes.Error, normalizeOrUnknown(errorType))
}

// End finalizes the span with latency and token counts. responseTokens
// overrides the estimate when the provider reports usage.
func (c *LLMCall) End(responseText string, responseTokens *int, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	promptTokens := c.promptTokens
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	resolvedResponseTokens, includeResponseTokens := resolveResponseTokens(responseText, responseTokens)

	attrs := []attribute.KeyValue{
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("total_tokens", promptTokens+resolvedResponseTokens),
	}
	if includeResponseTokens {
		attrs = append(attrs, attribute.Int("response_tokens", resolvedResponseTokens))
	}
	c.span.SetAttributes(attrs...)

	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else {
		c.span.SetStatus(codes.Ok, "llm call completed")
	}
	c.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	return (len(fields)*4 + 2) / 3
}

// RedactSecrets strips credentials from text before it is logged or traced.
func RedactSecrets(input string) string {
	return redactSecrets(input)
}

func resolveResponseTokens(responseText string, responseTokens *int) (int, bool) {
	if responseTokens != nil {
		if *responseTokens < 0 {
			return 0, false
		}
		return *responseTokens, true
	}

	estimated := EstimateTokenCount(responseText)
	if estimated <= 0 {
		return 0, false
	}
	return estimated, true
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = providerKeyPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
