package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parsely-labs/docalert-fanout/internal/apperrors"
	"github.com/parsely-labs/docalert-fanout/internal/telemetry"
)

const (
	// MaxSummaryLength is the cap applied to document summaries; longer
	// summaries are truncated to 197 chars plus an ellipsis.
	MaxSummaryLength = 200

	// SentinelURL fills links.html when upstream omitted it entirely.
	SentinelURL = "https://notifications.invalid/missing-link"

	// DefaultPrompt fills the placeholder match when an envelope carries
	// no prompts at all.
	DefaultPrompt = "Default prompt"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Validator turns raw subscription bytes into normalized envelopes. It
// repairs every salvageable shape drift and fails only on the conditions
// the pipeline cannot proceed without: unparseable JSON, missing
// user/subscription identity, user/subscription ids that are not UUIDs,
// and unregistered processor types.
type Validator struct {
	knownType func(ProcessorType) bool
}

// NewValidator constructs a Validator. knownType reports whether a
// processor is registered for the given type; the registry's Has method
// is the usual value.
func NewValidator(knownType func(ProcessorType) bool) *Validator {
	return &Validator{knownType: knownType}
}

// Normalize parses, repairs, and validates one inbound message. The
// returned envelope satisfies every invariant in the data model: non-empty
// IDs, a registered processor type, at least one match, and per-document
// defaults applied.
func (v *Validator) Normalize(ctx context.Context, data []byte) (*Envelope, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.NewParseError("inbound message is not valid JSON", err)
	}

	env := &Envelope{
		Version:       asString(raw["version"]),
		ProcessorType: ProcessorType(asString(raw["processor_type"])),
		Timestamp:     asString(raw["timestamp"]),
		TraceID:       asString(raw["trace_id"]),
	}

	if env.TraceID == "" {
		env.TraceID = uuid.New().String()
	}
	ctx = telemetry.WithTraceID(ctx, env.TraceID)
	logger := telemetry.GetContextualLogger(ctx)

	req, _ := raw["request"].(map[string]interface{})
	env.Request = Request{
		SubscriptionID: extractID(raw, req, "subscription_id"),
		UserID:         extractID(raw, req, "user_id"),
		ProcessingID:   asString(index(req, "processing_id")),
		Prompts:        asStringSlice(index(req, "prompts")),
	}

	if env.Request.UserID == "" {
		return nil, apperrors.NewValidationError("user_id",
			"user_id is empty after normalization").WithTraceID(env.TraceID)
	}
	if env.Request.SubscriptionID == "" {
		return nil, apperrors.NewValidationError("subscription_id",
			"subscription_id is empty after normalization").WithTraceID(env.TraceID)
	}
	if !uuidPattern.MatchString(env.Request.UserID) {
		return nil, apperrors.NewValidationError("user_id",
			fmt.Sprintf("user_id %q is not a UUID", env.Request.UserID)).WithTraceID(env.TraceID)
	}
	if !uuidPattern.MatchString(env.Request.SubscriptionID) {
		return nil, apperrors.NewValidationError("subscription_id",
			fmt.Sprintf("subscription_id %q is not a UUID", env.Request.SubscriptionID)).WithTraceID(env.TraceID)
	}

	if env.ProcessorType == "" || v.knownType == nil || !v.knownType(env.ProcessorType) {
		return nil, apperrors.NewUnknownProcessorError(string(env.ProcessorType)).WithTraceID(env.TraceID)
	}

	results, _ := raw["results"].(map[string]interface{})
	env.Results.QueryDate = asString(index(results, "query_date"))
	env.Results.Matches = v.recoverMatches(results, env, logger)

	meta, _ := raw["metadata"].(map[string]interface{})
	env.Metadata = Metadata{
		ProcessingTimeMs: int64(asFloat(index(meta, "processing_time_ms"))),
		TotalMatches:     int(asFloat(index(meta, "total_matches"))),
		Status:           Status(asString(index(meta, "status"))),
		Error:            asString(index(meta, "error")),
	}

	if len(env.Results.Matches) == 0 {
		env.Results.Matches = []Match{{
			Prompt:    env.FirstPrompt(DefaultPrompt),
			Documents: []Document{},
		}}
	}

	for i := range env.Results.Matches {
		normalizeMatch(&env.Results.Matches[i], env)
	}

	return env, nil
}

// recoverMatches locates the matches sequence, trying the documented
// legacy-shape recovery strategies in order when results.matches is not
// already a well-formed array.
func (v *Validator) recoverMatches(results map[string]interface{}, env *Envelope, logger *telemetry.ContextualLogger) []Match {
	if results == nil {
		return nil
	}

	if matches, ok := results["matches"].([]interface{}); ok {
		return decodeMatches(matches)
	}

	nested, ok := results["results"].([]interface{})
	if !ok {
		return nil
	}

	// (a) results.results[0].matches
	if first, ok := indexSlice(nested, 0); ok {
		if matches, ok := first["matches"].([]interface{}); ok {
			logger.WithFields(logrus.Fields{
				"recovery_strategy": "results.results[0].matches",
				"trace_id":          env.TraceID,
			}).Info("recovered matches from legacy nested shape")
			return decodeMatches(matches)
		}
	}

	// (b) flatten matches across all results.results[i], inheriting the
	// parent prompt when a nested match lacks one.
	var flattened []Match
	for _, item := range nested {
		parent, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		inner, ok := parent["matches"].([]interface{})
		if !ok {
			continue
		}
		parentPrompt := asString(parent["prompt"])
		for _, m := range decodeMatches(inner) {
			if m.Prompt == "" {
				m.Prompt = parentPrompt
			}
			flattened = append(flattened, m)
		}
	}
	if len(flattened) > 0 {
		logger.WithFields(logrus.Fields{
			"recovery_strategy": "flatten_all",
			"trace_id":          env.TraceID,
			"recovered":         len(flattened),
		}).Info("recovered matches by flattening nested results")
		return flattened
	}

	// (c) results.results itself is the matches array.
	if looksLikeMatches(nested) {
		logger.WithFields(logrus.Fields{
			"recovery_strategy": "results_as_matches",
			"trace_id":          env.TraceID,
		}).Info("recovered matches from results.results directly")
		return decodeMatches(nested)
	}

	// (d) substitute an empty sequence; the placeholder-match pass fills it.
	logger.WithFields(logrus.Fields{
		"recovery_strategy": "empty_fallback",
		"trace_id":          env.TraceID,
	}).Info("no recoverable matches shape, substituting empty sequence")
	return nil
}

// normalizeMatch applies the per-match and per-document invariants:
// prompt inheritance, title defaulting, summary truncation, link
// sentinel, publication-date defaulting.
func normalizeMatch(m *Match, env *Envelope) {
	if m.Prompt == "" {
		m.Prompt = env.FirstPrompt(DefaultPrompt)
	}
	if m.Documents == nil {
		m.Documents = []Document{}
	}
	for i := range m.Documents {
		normalizeDocument(&m.Documents[i])
	}
}

func normalizeDocument(d *Document) {
	if strings.TrimSpace(d.Title) == "" {
		d.Title = "Documento sin título"
	}
	if len(d.Summary) > MaxSummaryLength {
		d.Summary = d.Summary[:MaxSummaryLength-3] + "..."
	}
	if d.Links.HTML == "" {
		d.Links.HTML = SentinelURL
	}
	if d.PublicationDate == "" {
		d.PublicationDate = nowFunc().UTC().Format(time.RFC3339)
	}
}

// decodeMatches round-trips a raw []interface{} through JSON into the
// typed Match slice. Entries that fail to decode are dropped rather than
// failing the whole envelope.
func decodeMatches(raw []interface{}) []Match {
	out := make([]Match, 0, len(raw))
	for _, item := range raw {
		b, err := json.Marshal(item)
		if err != nil {
			continue
		}
		var m Match
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// looksLikeMatches reports whether a raw slice plausibly is a matches
// array already: its first object entry carries a documents or prompt key.
func looksLikeMatches(raw []interface{}) bool {
	for _, item := range raw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return false
		}
		_, hasDocs := obj["documents"]
		_, hasPrompt := obj["prompt"]
		return hasDocs || hasPrompt
	}
	return false
}

// extractID pulls an identifier from its primary location in request,
// falling back to a top-level alias and then a nested context object.
// Numeric JSON values are coerced to strings and surrounding whitespace
// is trimmed before the empty check.
func extractID(raw, req map[string]interface{}, key string) string {
	if id := coerceID(index(req, key)); id != "" {
		return id
	}
	if id := coerceID(raw[key]); id != "" {
		return id
	}
	if ctx, ok := raw["context"].(map[string]interface{}); ok {
		if id := coerceID(ctx[key]); id != "" {
			return id
		}
	}
	if req != nil {
		if ctx, ok := req["context"].(map[string]interface{}); ok {
			if id := coerceID(ctx[key]); id != "" {
				return id
			}
		}
	}
	return ""
}

func coerceID(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func index(m map[string]interface{}, key string) interface{} {
	if m == nil {
		return nil
	}
	return m[key]
}

func indexSlice(s []interface{}, i int) (map[string]interface{}, bool) {
	if i >= len(s) {
		return nil, false
	}
	m, ok := s[i].(map[string]interface{})
	return m, ok
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func asStringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
