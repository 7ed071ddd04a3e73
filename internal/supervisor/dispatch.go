package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parsely-labs/docalert-fanout/internal/apperrors"
	"github.com/parsely-labs/docalert-fanout/internal/envelope"
	"github.com/parsely-labs/docalert-fanout/internal/messaging"
	"github.com/parsely-labs/docalert-fanout/internal/monitoring"
	"github.com/parsely-labs/docalert-fanout/internal/processor"
	"github.com/parsely-labs/docalert-fanout/internal/status"
	"github.com/parsely-labs/docalert-fanout/internal/telemetry"
)

// dlqPublisher is the slice of the messaging gateway the dispatcher
// needs for failure routing.
type dlqPublisher interface {
	PublishDLQ(ctx context.Context, original interface{}, raw []byte, cause error) (string, error)
}

// dispatcher executes one delivery to terminal disposition: normalize,
// dispatch, and route failures per the error taxonomy.
type dispatcher struct {
	validator *envelope.Validator
	registry  *processor.Registry
	dlq       dlqPublisher
	tracker   *status.Tracker
	metrics   *monitoring.PipelineMetrics
	deadline  time.Duration
}

// handle is the subscription handler. Every path out of it is one of the
// policy table's dispositions: non-replayable failures go to the DLQ and
// ack; exhausted transients go to the DLQ and ack; unexpected errors
// nack for broker redelivery.
func (d *dispatcher) handle(ctx context.Context, msg *messaging.Message) messaging.Disposition {
	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	monitoring.Inc(&d.metrics.Processed)
	logger := telemetry.GetContextualLogger(ctx).WithFields(logrus.Fields{
		"message_id": msg.ID,
	})

	env, err := d.validator.Normalize(ctx, msg.Data)
	if err != nil {
		return d.rejectInput(ctx, logger, msg, err)
	}

	ctx = telemetry.WithTraceID(ctx, env.TraceID)

	outcome, err := d.registry.Dispatch(ctx, env)
	if err != nil {
		return d.rejectProcessing(ctx, logger, env, err)
	}

	d.tracker.ReportDB(true, nil)
	monitoring.Add(&d.metrics.Created, uint64(outcome.Created))
	monitoring.Add(&d.metrics.Duplicates, uint64(outcome.Duplicates))
	monitoring.Add(&d.metrics.EmailsPublished, uint64(outcome.EmailsPublished))
	return messaging.Ack
}

// rejectInput handles pre-dispatch failures: parse, validation, and
// unknown-type errors are never replayable, so the message goes to the
// DLQ and is acked.
func (d *dispatcher) rejectInput(ctx context.Context, logger *telemetry.ContextualLogger, msg *messaging.Message, err error) messaging.Disposition {
	kind, ok := apperrors.KindOf(err)
	if !ok {
		logger.WithError(err).Error("unexpected validator failure, nacking for redelivery")
		monitoring.Inc(&d.metrics.Nacked)
		return messaging.Nack
	}

	switch kind {
	case apperrors.KindParse:
		monitoring.Inc(&d.metrics.ParseErrors)
	case apperrors.KindValidation:
		monitoring.Inc(&d.metrics.ValidationErrors)
	case apperrors.KindUnknownProcessor:
		monitoring.Inc(&d.metrics.UnknownProcessorErrors)
	}

	logger.WithField("error_kind", kind).WithError(err).Warn("rejecting inbound message")
	d.routeToDLQ(ctx, logger, decodeForDLQ(msg.Data), msg.Data, err)
	return messaging.Ack
}

// rejectProcessing applies the taxonomy policy to dispatch failures.
// Retries already happened inside the task (gateway and processor
// levels), so every classified error here is terminal: DLQ + ack.
// Unclassified errors are genuinely unexpected and nack for redelivery.
func (d *dispatcher) rejectProcessing(ctx context.Context, logger *telemetry.ContextualLogger, env *envelope.Envelope, err error) messaging.Disposition {
	kind, ok := apperrors.KindOf(err)
	if !ok {
		logger.WithError(err).Error("unexpected processing failure, nacking for redelivery")
		monitoring.Inc(&d.metrics.Nacked)
		return messaging.Nack
	}

	switch kind {
	case apperrors.KindDbConnection, apperrors.KindTimeout:
		d.tracker.ReportDB(false, err)
	case apperrors.KindDbPermission:
		// An RLS denial means configuration, not data, is wrong.
		logger.WithError(err).Error("RLS permission denial, check row-level security configuration")
	case apperrors.KindProcessorExecution, apperrors.KindProcessorValidation:
		monitoring.Inc(&d.metrics.ProcessorErrors)
	case apperrors.KindUnknownProcessor:
		monitoring.Inc(&d.metrics.UnknownProcessorErrors)
	}

	logger.WithFields(logrus.Fields{
		"error_kind": kind,
		"trace_id":   env.TraceID,
	}).WithError(err).Warn("processing failed, routing to DLQ")

	d.routeToDLQ(ctx, logger, env, nil, err)
	return messaging.Ack
}

func (d *dispatcher) routeToDLQ(ctx context.Context, logger *telemetry.ContextualLogger, original interface{}, raw []byte, cause error) {
	if _, err := d.dlq.PublishDLQ(ctx, original, raw, cause); err != nil {
		// The DLQ itself is down; the ack still stands (the input is not
		// replayable), so the loss is logged loudly.
		logger.WithError(err).Error("DLQ publish failed, message dropped after terminal failure")
		return
	}
	monitoring.Inc(&d.metrics.DLQRouted)
}

// decodeForDLQ attempts a best-effort decode so the DLQ record carries
// structured JSON when the input was at least parseable.
func decodeForDLQ(data []byte) interface{} {
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil
	}
	return decoded
}
