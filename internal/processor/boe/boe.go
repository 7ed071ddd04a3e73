// Package boe maps BOE bulletin documents to notification drafts.
package boe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parsely-labs/docalert-fanout/internal/apperrors"
	"github.com/parsely-labs/docalert-fanout/internal/envelope"
	"github.com/parsely-labs/docalert-fanout/internal/notification"
	"github.com/parsely-labs/docalert-fanout/internal/processor"
	"github.com/parsely-labs/docalert-fanout/internal/retry"
)

const (
	maxTitleLength      = 80
	promptExcerptLength = 30
	fallbackTitle       = "Alerta BOE"
)

// persistRetryConfig: up to 2 retries after the first attempt, 1 second
// initial delay, only connection-class errors considered retryable.
var persistRetryConfig = retry.Config{
	MaxAttempts: 3,
	Base:        1 * time.Second,
	Multiplier:  2,
	Max:         4 * time.Second,
}

// Processor handles processor_type "boe".
type Processor struct {
	persister processor.Persister
}

// New constructs the BOE processor around the notification service.
func New(persister processor.Persister) *Processor {
	return &Processor{persister: persister}
}

func (p *Processor) Type() envelope.ProcessorType { return envelope.ProcessorBOE }

func (p *Processor) RequiresDatabase() bool { return true }

// Validate accepts any envelope the shared validator already normalized;
// the family-level check is only that the type matches.
func (p *Processor) Validate(env *envelope.Envelope) error {
	if env.ProcessorType != envelope.ProcessorBOE {
		return fmt.Errorf("envelope type %q is not %q", env.ProcessorType, envelope.ProcessorBOE)
	}
	return nil
}

// Transform applies BOE-specific defaults on top of the shared
// normalization: a bulletin type and section fallback.
func (p *Processor) Transform(env *envelope.Envelope) *envelope.Envelope {
	for i := range env.Results.Matches {
		docs := env.Results.Matches[i].Documents
		for j := range docs {
			if docs[j].BulletinType == "" {
				docs[j].BulletinType = "BOE"
			}
			if docs[j].Section == "" {
				docs[j].Section = "General"
			}
		}
	}
	return env
}

// Process emits one draft per (match, document) pair and persists the
// batch through the notification service, retrying connection-class
// failures.
func (p *Processor) Process(ctx context.Context, env *envelope.Envelope) (*notification.Outcome, error) {
	drafts := p.buildDrafts(env)

	var outcome *notification.Outcome
	err := retry.Do(ctx, persistRetryConfig, connectionClass, func(ctx context.Context) error {
		var err error
		outcome, err = p.persister.PersistAndPublish(ctx, env, drafts)
		return err
	})
	return outcome, err
}

func (p *Processor) buildDrafts(env *envelope.Envelope) []notification.Draft {
	var drafts []notification.Draft
	for _, match := range env.Results.Matches {
		for _, doc := range match.Documents {
			drafts = append(drafts, notification.Draft{
				UserID:         env.Request.UserID,
				SubscriptionID: env.Request.SubscriptionID,
				Title:          selectTitle(&doc, match.Prompt),
				Content:        doc.Summary,
				SourceURL:      doc.Links.HTML,
				EntityType:     classifyEntityType(&doc),
				Metadata: map[string]interface{}{
					"prompt":           match.Prompt,
					"relevance_score":  doc.RelevanceScore,
					"publication_date": doc.PublicationDate,
					"issuing_body":     doc.IssuingBody,
					"section":          doc.Section,
					"department":       doc.Department,
					"original_title":   doc.Title,
					"processor_type":   string(env.ProcessorType),
					"trace_id":         env.TraceID,
				},
			})
		}
	}
	return drafts
}

// selectTitle picks the notification title by the documented tie-break:
// usable notification_title, then usable title (truncated), then a
// synthesized descriptor, then the prompt-excerpt fallback.
func selectTitle(doc *envelope.Document, prompt string) string {
	if usableTitle(doc.NotificationTitle) {
		return doc.NotificationTitle
	}
	if usableTitle(doc.Title) {
		return truncate(doc.Title, maxTitleLength)
	}
	if synthesized := synthesizeTitle(doc); synthesized != "" {
		return synthesized
	}
	excerpt := truncate(strings.TrimSpace(prompt), promptExcerptLength)
	if excerpt == "" {
		return fallbackTitle
	}
	return fallbackTitle + ": " + excerpt
}

// usableTitle filters out placeholder values upstream parsers are known
// to emit: too-short strings, the literal "string", and anything carrying
// the word "notification".
func usableTitle(title string) bool {
	trimmed := strings.TrimSpace(title)
	if len(trimmed) <= 3 {
		return false
	}
	lower := strings.ToLower(trimmed)
	if lower == "string" {
		return false
	}
	if strings.Contains(lower, "notification") {
		return false
	}
	return true
}

// synthesizeTitle builds "<document_type> - <issuer> (<date>)" from
// whatever descriptor fields the document carries.
func synthesizeTitle(doc *envelope.Document) string {
	docType := strings.TrimSpace(doc.DocumentType)
	issuer := strings.TrimSpace(doc.IssuingBody)
	if issuer == "" {
		issuer = strings.TrimSpace(doc.Department)
	}
	if docType == "" && issuer == "" {
		return ""
	}

	var b strings.Builder
	if docType != "" {
		b.WriteString(docType)
	}
	if issuer != "" {
		if b.Len() > 0 {
			b.WriteString(" - ")
		}
		b.WriteString(issuer)
	}
	if date := localizedDate(doc.PublicationDate); date != "" {
		b.WriteString(" (")
		b.WriteString(date)
		b.WriteString(")")
	}
	return b.String()
}

// localizedDate renders the publication date in the es-ES day/month/year
// convention the BOE audience expects.
func localizedDate(value string) string {
	if value == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("02/01/2006")
		}
	}
	return value
}

// classifyEntityType keyword-matches the document's descriptor fields.
func classifyEntityType(doc *envelope.Document) string {
	haystack := strings.ToLower(doc.DocumentType + " " + doc.Title + " " + doc.Summary)
	switch {
	case strings.Contains(haystack, "resolución"), strings.Contains(haystack, "resolucion"):
		return "boe:resolution"
	case strings.Contains(haystack, "anuncio"), strings.Contains(haystack, "convocatoria"):
		return "boe:announcement"
	default:
		return "boe:document"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// connectionClass limits persistence retries to connection-class
// failures; query and permission errors go straight to the caller.
func connectionClass(err error) bool {
	kind, ok := apperrors.KindOf(err)
	if !ok {
		return false
	}
	return kind == apperrors.KindDbConnection || kind == apperrors.KindTimeout
}
