// Package processor maps processor types to their handlers and runs the
// validate/transform/process dispatch sequence for each envelope.
package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parsely-labs/docalert-fanout/internal/apperrors"
	"github.com/parsely-labs/docalert-fanout/internal/envelope"
	"github.com/parsely-labs/docalert-fanout/internal/notification"
	"github.com/parsely-labs/docalert-fanout/internal/telemetry"
)

// Persister is the slice of the notification service processors need:
// persist a batch of drafts and fan out the side channels. Satisfied by
// *notification.Service.
type Persister interface {
	PersistAndPublish(ctx context.Context, env *envelope.Envelope, drafts []notification.Draft) (*notification.Outcome, error)
}

// Processor is one document family's handler. Validate rejects envelopes
// the family cannot handle; Transform applies family-specific defaults on
// top of the validator's normalization; Process emits drafts and hands
// them to the Persister.
type Processor interface {
	Type() envelope.ProcessorType
	RequiresDatabase() bool
	Validate(env *envelope.Envelope) error
	Transform(env *envelope.Envelope) *envelope.Envelope
	Process(ctx context.Context, env *envelope.Envelope) (*notification.Outcome, error)
}

// Registry is the type-keyed processor table. Safe for concurrent reads
// after registration.
type Registry struct {
	mu         sync.RWMutex
	processors map[envelope.ProcessorType]Processor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[envelope.ProcessorType]Processor)}
}

// Register adds a processor. Re-registering the same processor value is a
// no-op; registering a different processor for a taken type is rejected.
func (r *Registry) Register(p Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.processors[p.Type()]; ok {
		if existing == p {
			return nil
		}
		return fmt.Errorf("processor type %q already registered", p.Type())
	}
	r.processors[p.Type()] = p
	return nil
}

// Has reports whether a processor is registered for the type. The
// envelope validator uses this as its known-type check.
func (r *Registry) Has(t envelope.ProcessorType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processors[t]
	return ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, string(t))
	}
	sort.Strings(types)
	return types
}

// Get returns the processor for the type.
func (r *Registry) Get(t envelope.ProcessorType) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[t]
	return p, ok
}

// Dispatch runs one normalized envelope through its processor: lookup,
// validate, transform, process, timed and logged. Processor errors that
// carry no AppError kind come back wrapped as ProcessorExecution with trace
// context; errors that are already classified are returned unchanged.
func (r *Registry) Dispatch(ctx context.Context, env *envelope.Envelope) (*notification.Outcome, error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(logrus.Fields{
		"trace_id":        env.TraceID,
		"user_id":         env.Request.UserID,
		"subscription_id": env.Request.SubscriptionID,
		"processor_type":  env.ProcessorType,
	})
	logger.Info("dispatching envelope")

	p, ok := r.Get(env.ProcessorType)
	if !ok {
		return nil, apperrors.NewUnknownProcessorError(string(env.ProcessorType)).
			WithTraceID(env.TraceID).
			WithMetadata("registered_types", r.Types())
	}

	if err := p.Validate(env); err != nil {
		return nil, apperrors.NewProcessorValidationError(string(p.Type()), err.Error()).
			WithTraceID(env.TraceID)
	}

	start := time.Now()
	outcome, err := p.Process(ctx, p.Transform(env))
	elapsed := time.Since(start)

	if err != nil {
		logger.WithError(err).WithField("duration_ms", elapsed.Milliseconds()).
			Error("processor failed")
		if _, ok := apperrors.KindOf(err); ok {
			return nil, err
		}
		return nil, apperrors.NewProcessorExecutionError(string(p.Type()), err).
			WithTraceID(env.TraceID)
	}

	logger.WithFields(logrus.Fields{
		"duration_ms": elapsed.Milliseconds(),
		"created":     outcome.Created,
		"errors":      outcome.Errors,
		"duplicates":  outcome.Duplicates,
	}).Info("envelope processed")

	return outcome, nil
}
