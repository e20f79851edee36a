package remote

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskassist/featuredev/internal/codegen"
	"github.com/taskassist/featuredev/internal/events"
	"github.com/taskassist/featuredev/internal/logging"
	"github.com/taskassist/featuredev/internal/policy"
)

// InstrumentedClient decorates a Client with one span and one OperationResult
// event per call.
type InstrumentedClient struct {
	next   Client
	bus    events.Bus
	logger *log.Logger
	now    func() time.Time
}

// Instrument wraps next. bus and logger may be nil.
func Instrument(next Client, bus events.Bus, logger *log.Logger) *InstrumentedClient {
	return &InstrumentedClient{
		next:   next,
		bus:    bus,
		logger: logging.OrDiscard(logger),
		now:    time.Now,
	}
}

// CreateConversation implements Client.
func (c *InstrumentedClient) CreateConversation(ctx context.Context) (string, error) {
	var conversationID string
	err := c.observe(ctx, policy.OpCreateConversation, "", func(ctx context.Context, span trace.Span) error {
		var err error
		conversationID, err = c.next.CreateConversation(ctx)
		span.SetAttributes(attribute.String("conversation_id", conversationID))
		return err
	})
	return conversationID, err
}

// CreateUploadURL implements Client.
func (c *InstrumentedClient) CreateUploadURL(ctx context.Context, req UploadRequest) (UploadTarget, error) {
	var target UploadTarget
	err := c.observe(ctx, policy.OpCreateUploadURL, req.ConversationID, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(attribute.Int64("artifact_size", req.Size))
		var err error
		target, err = c.next.CreateUploadURL(ctx, req)
		span.SetAttributes(attribute.String("upload_id", target.UploadID))
		return err
	})
	return target, err
}

// StartCodeGeneration implements Client.
func (c *InstrumentedClient) StartCodeGeneration(ctx context.Context, req StartRequest) (string, error) {
	var jobID string
	err := c.observe(ctx, policy.OpStartCodeGeneration, req.ConversationID, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(
			attribute.String("upload_id", req.UploadID),
			attribute.String("intent", req.Intent),
		)
		var err error
		jobID, err = c.next.StartCodeGeneration(ctx, req)
		span.SetAttributes(attribute.String("job_id", jobID))
		return err
	})
	return jobID, err
}

// GetCodeGenerationStatus implements Client.
func (c *InstrumentedClient) GetCodeGenerationStatus(ctx context.Context, conversationID, jobID string) (Status, error) {
	var status Status
	err := c.observe(ctx, policy.OpGetCodeGeneration, conversationID, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(attribute.String("job_id", jobID))
		var err error
		status, err = c.next.GetCodeGenerationStatus(ctx, conversationID, jobID)
		span.SetAttributes(attribute.String("job_state", string(status.State)))
		return err
	})
	return status, err
}

// ExportResultArchive implements Client.
func (c *InstrumentedClient) ExportResultArchive(ctx context.Context, conversationID string) (codegen.RawResult, error) {
	var raw codegen.RawResult
	err := c.observe(ctx, policy.OpExportArchiveResult, conversationID, func(ctx context.Context, span trace.Span) error {
		var err error
		raw, err = c.next.ExportResultArchive(ctx, conversationID)
		span.SetAttributes(
			attribute.Int("new_files", len(raw.NewFileContents)),
			attribute.Int("deleted_files", len(raw.DeletedFiles)),
		)
		return err
	})
	return raw, err
}

func (c *InstrumentedClient) observe(
	ctx context.Context,
	op policy.Operation,
	conversationID string,
	call func(context.Context, trace.Span) error,
) error {
	ctx, span := otel.Tracer("featuredev/remote").Start(
		ctx,
		"remote."+op.String(),
		trace.WithAttributes(
			attribute.String("operation", op.String()),
			attribute.String("conversation_id", conversationID),
		),
	)
	defer span.End()

	started := c.now()
	err := call(ctx, span)
	elapsed := c.now().Sub(started)
	result := policy.ResultFor(err)

	span.SetAttributes(attribute.String("result", result.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("remote operation failed",
			"operation", op,
			"conversation_id", conversationID,
			"result", result,
			"error", err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	events.Emit(c.bus, events.Event{
		Type:       events.EventTypeOperationResult,
		EntityType: events.EntityConversation,
		EntityID:   conversationID,
		Severity:   severityFor(result),
		Payload: events.OperationResultPayload{
			ConversationID: conversationID,
			Operation:      op.String(),
			Result:         result.String(),
			Reason:         policy.ReasonOf(err),
			Duration:       elapsed,
		},
	})
	return err
}

func severityFor(result policy.MetricDataResult) string {
	switch result {
	case policy.ResultSuccess:
		return events.SeverityInfo
	case policy.ResultFault:
		return events.SeverityWarn
	default:
		return events.SeverityError
	}
}
