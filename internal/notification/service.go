package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/parsely-labs/docalert-fanout/internal/apperrors"
	"github.com/parsely-labs/docalert-fanout/internal/envelope"
	"github.com/parsely-labs/docalert-fanout/internal/messaging"
	"github.com/parsely-labs/docalert-fanout/internal/telemetry"
)

// Publisher is the slice of the messaging gateway the service uses for
// side channels.
type Publisher interface {
	PublishEmail(ctx context.Context, kind messaging.EmailKind, payload messaging.EmailPayload) (string, error)
	PublishRealtime(ctx context.Context, payload messaging.RealtimePayload) (string, error)
}

// Deduper is the Redis fast path in front of the database dedupe check.
// Satisfied by *cache.DedupeGuard. May be nil; the database check alone
// then enforces the window.
type Deduper interface {
	MarkIfNew(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Config tunes the service.
type Config struct {
	DedupeWindow time.Duration
}

// Service implements the persistence/dedupe/side-channel/outcome
// contract. It exclusively owns writes to the notifications table.
type Service struct {
	repo      Repo
	publisher Publisher
	dedupe    Deduper
	cfg       Config
}

// NewService wires the service. dedupe may be nil.
func NewService(repo Repo, publisher Publisher, dedupe Deduper, cfg Config) *Service {
	if cfg.DedupeWindow == 0 {
		cfg.DedupeWindow = 60 * time.Minute
	}
	return &Service{repo: repo, publisher: publisher, dedupe: dedupe, cfg: cfg}
}

// PersistAndPublish persists a batch of drafts and fans out the side
// channels. Same-user batches run in one RLS transaction; mixed-user
// batches are grouped and processed per user. The returned error is
// non-nil only for batch-level failures (connection-class); per-row
// failures are reported through the outcome.
func (s *Service) PersistAndPublish(ctx context.Context, env *envelope.Envelope, drafts []Draft) (*Outcome, error) {
	start := time.Now()
	outcome := &Outcome{Details: []Detail{}}

	if len(drafts) == 0 {
		outcome.ProcessingTime = time.Since(start)
		return outcome, nil
	}

	for _, group := range groupByUser(drafts) {
		userOutcome, created, err := s.persistForUser(ctx, group.userID, group.drafts)
		if err != nil {
			return nil, err
		}
		outcome.merge(userOutcome)
		s.publishSideChannels(ctx, env, group.userID, created, outcome)
	}

	outcome.ProcessingTime = time.Since(start)

	telemetry.GetContextualLogger(ctx).WithFields(logrus.Fields{
		"trace_id":         env.TraceID,
		"created":          outcome.Created,
		"errors":           outcome.Errors,
		"duplicates":       outcome.Duplicates,
		"emails_published": outcome.EmailsPublished,
		"success_rate":     fmt.Sprintf("%.1f%%", outcome.SuccessRate()),
		"duration_ms":      outcome.ProcessingTime.Milliseconds(),
	}).Info("notification batch processed")

	return outcome, nil
}

type userGroup struct {
	userID string
	drafts []Draft
}

// groupByUser splits a batch by user id, preserving first-appearance
// order of users and draft order within each group.
func groupByUser(drafts []Draft) []userGroup {
	var groups []userGroup
	index := make(map[string]int)
	for _, d := range drafts {
		i, ok := index[d.UserID]
		if !ok {
			i = len(groups)
			index[d.UserID] = i
			groups = append(groups, userGroup{userID: d.UserID})
		}
		groups[i].drafts = append(groups[i].drafts, d)
	}
	return groups
}

// persistForUser runs the Redis fast path and the RLS batch insert for
// one user's drafts.
func (s *Service) persistForUser(ctx context.Context, userID string, drafts []Draft) (*Outcome, []Notification, error) {
	outcome := &Outcome{Details: []Detail{}}
	logger := telemetry.GetContextualLogger(ctx)

	// Redis fast path: drafts whose marker already exists are duplicates
	// without a database roundtrip. Marker errors fall through to the
	// database check.
	toInsert := make([]Draft, 0, len(drafts))
	marked := make([]string, 0, len(drafts))
	for _, draft := range drafts {
		if s.dedupe == nil {
			toInsert = append(toInsert, draft)
			continue
		}
		key := dedupeKey(draft)
		fresh, err := s.dedupe.MarkIfNew(ctx, key, s.cfg.DedupeWindow)
		if err != nil {
			logger.WithError(err).Debug("dedupe cache unavailable, deferring to database check")
			toInsert = append(toInsert, draft)
			continue
		}
		if !fresh {
			outcome.Duplicates++
			outcome.Details = append(outcome.Details, Detail{Success: false, Duplicate: true})
			continue
		}
		marked = append(marked, key)
		toInsert = append(toInsert, draft)
	}

	if len(toInsert) == 0 {
		return outcome, nil, nil
	}

	created, details, err := s.repo.CreateBatch(ctx, userID, toInsert, s.cfg.DedupeWindow)
	if err != nil {
		// The batch never landed; re-open the window for the markers we
		// claimed so a redelivery is not suppressed rowlessly.
		for _, key := range marked {
			_ = s.dedupe.Forget(ctx, key)
		}
		if apperrors.Is(err, apperrors.KindDbPermission) {
			s.captureRLSDenial(userID, err)
		}
		return nil, nil, err
	}

	for i, detail := range details {
		switch {
		case detail.Success:
			outcome.Created++
		case detail.Duplicate:
			outcome.Duplicates++
		default:
			outcome.Errors++
			// Insert failed after the marker was set; forget it so the
			// next attempt is not treated as a duplicate.
			if s.dedupe != nil && i < len(toInsert) {
				_ = s.dedupe.Forget(ctx, dedupeKey(toInsert[i]))
			}
		}
	}
	outcome.Details = append(outcome.Details, details...)

	return outcome, created, nil
}

// dedupeKey derives the logical-uniqueness key from the fields the
// window is defined over.
func dedupeKey(d Draft) string {
	return fmt.Sprintf("dedupe:%s:%s:%s:%s", d.UserID, d.Title, d.SourceURL, d.EntityType)
}

// publishSideChannels emits realtime events for every created
// notification and routes email per the user's preferences. Side-channel
// failures never fail the task: the rows are already durable.
func (s *Service) publishSideChannels(ctx context.Context, env *envelope.Envelope, userID string, created []Notification, outcome *Outcome) {
	if len(created) == 0 {
		return
	}
	logger := telemetry.GetContextualLogger(ctx).WithFields(logrus.Fields{
		"trace_id": env.TraceID,
		"user_id":  userID,
	})

	for _, n := range created {
		payload := messaging.NewRealtimePayload(userID, messaging.RealtimeNotification{
			ID:         n.ID,
			Title:      n.Title,
			Content:    n.Content,
			SourceURL:  n.SourceURL,
			EntityType: n.EntityType,
			CreatedAt:  n.CreatedAt.UTC().Format(time.RFC3339),
		})
		if _, err := s.publisher.PublishRealtime(ctx, payload); err != nil {
			logger.WithError(err).Warn("realtime publish failed, continuing")
		}
	}

	prefs, err := s.repo.Preferences(ctx, userID)
	if err != nil {
		logger.WithError(err).Warn("preferences lookup failed, skipping email channels")
		return
	}

	subscriptionName := s.subscriptionName(ctx, created[0].SubscriptionID)

	switch {
	case prefs.InstantNotifications || prefs.TestUser:
		for _, n := range created {
			if s.publishEmail(ctx, messaging.EmailImmediate, userID, prefs, n, subscriptionName) {
				outcome.EmailsPublished++
			}
		}
	case prefs.EmailNotifications:
		// Daily digest carries one entry per batch: the first success.
		if s.publishEmail(ctx, messaging.EmailDaily, userID, prefs, created[0], subscriptionName) {
			outcome.EmailsPublished++
		}
	}
}

func (s *Service) subscriptionName(ctx context.Context, subscriptionID string) string {
	name, err := s.repo.SubscriptionName(ctx, subscriptionID)
	if err != nil {
		telemetry.GetContextualLogger(ctx).WithFields(logrus.Fields{
			"subscription_id": subscriptionID,
		}).WithError(err).Warn("subscription name lookup failed, using fallback")
		return UnknownSubscriptionName
	}
	return name
}

func (s *Service) publishEmail(ctx context.Context, kind messaging.EmailKind, userID string, prefs UserPreferences, n Notification, subscriptionName string) bool {
	payload := messaging.EmailPayload{
		UserID: userID,
		Email:  prefs.RecipientEmail(),
		Notification: messaging.EmailNotification{
			ID:               n.ID,
			Title:            n.Title,
			Content:          n.Content,
			SourceURL:        n.SourceURL,
			SubscriptionName: subscriptionName,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.publisher.PublishEmail(ctx, kind, payload); err != nil {
		telemetry.GetContextualLogger(ctx).WithFields(logrus.Fields{
			"user_id": userID,
			"kind":    kind,
		}).WithError(err).Warn("email publish failed, continuing")
		return false
	}
	return true
}

// captureRLSDenial raises the configuration alert for DbPermission
// failures: an RLS denial means the worker's session-variable plumbing
// and the store's policies disagree, which no retry will fix.
func (s *Service) captureRLSDenial(userID string, err error) {
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()

	scope.SetTag("service", "notification")
	scope.SetTag("alert_type", "rls_denial")
	scope.SetLevel(sentry.LevelError)
	scope.SetUser(sentry.User{ID: userID})
	scope.SetExtra("error", err.Error())

	hub.CaptureMessage(fmt.Sprintf("RLS denial persisting notifications for user %s", userID))
}
