// Package realestate maps property-listing documents to notification
// drafts.
package realestate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/parsely-labs/docalert-fanout/internal/apperrors"
	"github.com/parsely-labs/docalert-fanout/internal/envelope"
	"github.com/parsely-labs/docalert-fanout/internal/notification"
	"github.com/parsely-labs/docalert-fanout/internal/processor"
	"github.com/parsely-labs/docalert-fanout/internal/retry"
)

var persistRetryConfig = retry.Config{
	MaxAttempts: 3,
	Base:        1 * time.Second,
	Multiplier:  2,
	Max:         4 * time.Second,
}

// Processor handles processor_type "real-estate".
type Processor struct {
	persister processor.Persister
}

// New constructs the real-estate processor around the notification
// service.
func New(persister processor.Persister) *Processor {
	return &Processor{persister: persister}
}

func (p *Processor) Type() envelope.ProcessorType { return envelope.ProcessorRealEstate }

func (p *Processor) RequiresDatabase() bool { return true }

func (p *Processor) Validate(env *envelope.Envelope) error {
	if env.ProcessorType != envelope.ProcessorRealEstate {
		return fmt.Errorf("envelope type %q is not %q", env.ProcessorType, envelope.ProcessorRealEstate)
	}
	return nil
}

// Transform fills listing-specific defaults: an unknown property type and
// an empty location so title formatting never dereferences nil.
func (p *Processor) Transform(env *envelope.Envelope) *envelope.Envelope {
	for i := range env.Results.Matches {
		docs := env.Results.Matches[i].Documents
		for j := range docs {
			if docs[j].PropertyType == "" {
				docs[j].PropertyType = "Inmueble"
			}
			if docs[j].Location == nil {
				docs[j].Location = &envelope.Location{}
			}
		}
	}
	return env
}

// Process emits one draft per (match, document) pair and persists the
// batch, retrying connection-class failures.
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
			metadata := map[string]interface{}{
				"prompt":          match.Prompt,
				"relevance_score": doc.RelevanceScore,
				"price":           doc.Price,
				"property_type":   doc.PropertyType,
				"processor_type":  string(env.ProcessorType),
				"trace_id":        env.TraceID,
			}
			if doc.Location != nil {
				metadata["location"] = map[string]interface{}{
					"city":   doc.Location.City,
					"region": doc.Location.Region,
				}
			}
			if doc.SizeSqm != nil {
				metadata["size_sqm"] = *doc.SizeSqm
			}
			if doc.Rooms != nil {
				metadata["rooms"] = *doc.Rooms
			}

			drafts = append(drafts, notification.Draft{
				UserID:         env.Request.UserID,
				SubscriptionID: env.Request.SubscriptionID,
				Title:          listingTitle(&doc),
				Content:        listingContent(&doc),
				SourceURL:      doc.Links.HTML,
				EntityType:     "real-estate:listing",
				Metadata:       metadata,
			})
		}
	}
	return drafts
}

// listingTitle renders "<price> - <property type> en <city>".
func listingTitle(doc *envelope.Document) string {
	city := ""
	if doc.Location != nil {
		city = doc.Location.City
	}
	if city == "" {
		city = "ubicación desconocida"
	}
	return fmt.Sprintf("%s - %s en %s", FormatPrice(doc.Price), doc.PropertyType, city)
}

// listingContent appends surface and room counts to the summary when the
// listing carries them.
func listingContent(doc *envelope.Document) string {
	var b strings.Builder
	b.WriteString(doc.Summary)
	if doc.SizeSqm != nil {
		b.WriteString(fmt.Sprintf(" Superficie: %s m².", formatNumber(*doc.SizeSqm)))
	}
	if doc.Rooms != nil {
		b.WriteString(fmt.Sprintf(" Habitaciones: %d.", *doc.Rooms))
	}
	return b.String()
}

// FormatPrice renders a price in Euros with no fraction digits, using the
// es-ES dot-grouped thousands convention: 250000 → "250.000 €".
func FormatPrice(price float64) string {
	return groupThousands(int64(price+0.5)) + " €"
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func groupThousands(n int64) string {
	negative := n < 0
	if negative {
		n = -n
	}
	digits := strconv.FormatInt(n, 10)

	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteString(".")
		}
		b.WriteString(digits[i : i+3])
	}
	out := b.String()
	if negative {
		return "-" + out
	}
	return out
}

func connectionClass(err error) bool {
	kind, ok := apperrors.KindOf(err)
	if !ok {
		return false
	}
	return kind == apperrors.KindDbConnection || kind == apperrors.KindTimeout
}
