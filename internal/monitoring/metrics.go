// Package monitoring exposes the worker's health HTTP surface and the
// process-wide pipeline counters it reports.
package monitoring

import (
	"sync/atomic"
)

// PipelineMetrics counts terminal dispositions across the pipeline.
// All fields are updated atomically; readers get a consistent-enough
// snapshot for diagnostics (counters are independent).
type PipelineMetrics struct {
	Processed              uint64
	Created                uint64
	Duplicates             uint64
	EmailsPublished        uint64
	ParseErrors            uint64
	ValidationErrors       uint64
	UnknownProcessorErrors uint64
	ProcessorErrors        uint64
	DLQRouted              uint64
	Nacked                 uint64
}

// NewPipelineMetrics returns zeroed counters.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{}
}

// Inc atomically increments a counter field.
func Inc(field *uint64) {
	atomic.AddUint64(field, 1)
}

// Add atomically adds n to a counter field.
func Add(field *uint64, n uint64) {
	atomic.AddUint64(field, n)
}

// Snapshot returns a point-in-time copy of all counters, keyed by the
// names the /diagnostics route reports.
func (m *PipelineMetrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"messages_processed":       atomic.LoadUint64(&m.Processed),
		"notifications_created":    atomic.LoadUint64(&m.Created),
		"duplicates_skipped":       atomic.LoadUint64(&m.Duplicates),
		"emails_published":         atomic.LoadUint64(&m.EmailsPublished),
		"parse_errors":             atomic.LoadUint64(&m.ParseErrors),
		"validation_errors":        atomic.LoadUint64(&m.ValidationErrors),
		"unknown_processor_errors": atomic.LoadUint64(&m.UnknownProcessorErrors),
		"processor_errors":         atomic.LoadUint64(&m.ProcessorErrors),
		"dlq_routed":               atomic.LoadUint64(&m.DLQRouted),
		"nacked":                   atomic.LoadUint64(&m.Nacked),
	}
}

// DLQDelta reports DLQ growth since the given previous reading, for the
// periodic DLQ health check.
func (m *PipelineMetrics) DLQDelta(prev uint64) (current, delta uint64) {
	current = atomic.LoadUint64(&m.DLQRouted)
	return current, current - prev
}
