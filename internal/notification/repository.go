package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parsely-labs/docalert-fanout/internal/apperrors"
	"github.com/parsely-labs/docalert-fanout/internal/database"
	"github.com/parsely-labs/docalert-fanout/internal/telemetry"
)

// Gateway is the slice of the database gateway the repository uses.
type Gateway interface {
	WithRLSContext(ctx context.Context, userID string, fn func(tx *sql.Tx) error) error
	Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Repo abstracts the repository so the service can be tested with fakes.
type Repo interface {
	// CreateBatch persists drafts for one user under a single RLS
	// transaction, checking the dedupe window before each insert.
	// Individual failures are recorded and do not abort the batch; only
	// connection-class errors fail the call as a whole.
	CreateBatch(ctx context.Context, userID string, drafts []Draft, window time.Duration) ([]Notification, []Detail, error)

	// Preferences reads the user's notification settings.
	Preferences(ctx context.Context, userID string) (UserPreferences, error)

	// SubscriptionName resolves a subscription's display name.
	SubscriptionName(ctx context.Context, subscriptionID string) (string, error)
}

// PostgresRepository is the production Repo over the database gateway.
type PostgresRepository struct {
	gw Gateway
}

// NewPostgresRepository wraps the gateway.
func NewPostgresRepository(gw Gateway) *PostgresRepository {
	return &PostgresRepository{gw: gw}
}

const insertNotificationSQL = `
	INSERT INTO notifications (user_id, subscription_id, title, content, source_url, metadata, entity_type, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, 'unread', NOW(), NOW())
	RETURNING id, created_at, updated_at`

const duplicateCheckSQL = `
	SELECT EXISTS (
		SELECT 1 FROM notifications
		WHERE user_id = $1
		  AND title = $2
		  AND ($3 = '' OR source_url = $3)
		  AND ($4 = '' OR entity_type = $4)
		  AND created_at > NOW() - ($5 * INTERVAL '1 minute')
	)`

// CreateBatch runs the whole batch inside one RLS transaction. Each row
// gets its own savepoint so a failed insert is rolled back alone and the
// rest of the batch commits.
func (r *PostgresRepository) CreateBatch(ctx context.Context, userID string, drafts []Draft, window time.Duration) ([]Notification, []Detail, error) {
	var created []Notification
	details := make([]Detail, 0, len(drafts))

	err := r.gw.WithRLSContext(ctx, userID, func(tx *sql.Tx) error {
		for i, draft := range drafts {
			// The savepoint brackets both the dedupe check and the
			// insert so a failed statement leaves the transaction usable
			// for the rest of the batch.
			savepoint := fmt.Sprintf("sp_%d", i)
			if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
				return apperrors.NewDbQueryError("savepoint", err)
			}

			duplicate, err := r.isDuplicate(ctx, tx, userID, draft, window)
			if err != nil {
				if connectionClass(err) {
					return err
				}
				// Prefer delivery over silent loss: treat an errored
				// check as "not duplicate".
				telemetry.GetContextualLogger(ctx).WithError(err).
					Warn("duplicate check failed, assuming not duplicate")
				if _, spErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); spErr != nil {
					return apperrors.NewDbQueryError("rollback_to_savepoint", spErr)
				}
			}
			if duplicate {
				details = append(details, Detail{Success: false, Duplicate: true})
				continue
			}

			metadata, err := json.Marshal(draft.Metadata)
			if err != nil {
				details = append(details, Detail{Success: false, Error: err.Error()})
				continue
			}

			var n Notification
			row := tx.QueryRowContext(ctx, insertNotificationSQL,
				userID, draft.SubscriptionID, draft.Title, draft.Content,
				draft.SourceURL, metadata, draft.EntityType)
			if err := row.Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt); err != nil {
				if connectionClass(err) {
					return apperrors.NewDbConnectionError(err)
				}
				if _, spErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); spErr != nil {
					return apperrors.NewDbQueryError("rollback_to_savepoint", spErr)
				}
				if database.IsUniqueViolation(err) {
					// Lost a dedupe race to a concurrent worker.
					details = append(details, Detail{Success: false, Duplicate: true})
					continue
				}
				details = append(details, Detail{Success: false, Error: err.Error()})
				continue
			}

			n.UserID = userID
			n.SubscriptionID = draft.SubscriptionID
			n.Title = draft.Title
			n.Content = draft.Content
			n.SourceURL = draft.SourceURL
			n.Metadata = draft.Metadata
			n.EntityType = draft.EntityType
			n.Status = "unread"

			created = append(created, n)
			details = append(details, Detail{Success: true, ID: n.ID})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return created, details, nil
}

func (r *PostgresRepository) isDuplicate(ctx context.Context, tx *sql.Tx, userID string, draft Draft, window time.Duration) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, duplicateCheckSQL,
		userID, draft.Title, draft.SourceURL, draft.EntityType,
		int(window.Minutes())).Scan(&exists)
	if err != nil {
		return false, apperrors.NewDbQueryError("duplicate_check", err)
	}
	return exists, nil
}

// Preferences reads users.notification_settings plus the test-user flag.
func (r *PostgresRepository) Preferences(ctx context.Context, userID string) (UserPreferences, error) {
	rows, err := r.gw.Query(ctx, `
		SELECT email, COALESCE(notification_settings, '{}'), COALESCE(is_test_user, false)
		FROM users WHERE id = $1`, userID)
	if err != nil {
		return UserPreferences{}, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return UserPreferences{}, apperrors.NewDbQueryError("user_preferences", err)
		}
		return UserPreferences{}, apperrors.NewDbQueryError("user_preferences",
			fmt.Errorf("user %s not found", userID))
	}

	var email string
	var settingsRaw []byte
	var testUser bool
	if err := rows.Scan(&email, &settingsRaw, &testUser); err != nil {
		return UserPreferences{}, apperrors.NewDbQueryError("user_preferences", err)
	}

	var settings struct {
		EmailNotifications   bool   `json:"emailNotifications"`
		NotificationEmail    string `json:"notificationEmail"`
		InstantNotifications bool   `json:"instantNotifications"`
	}
	if err := json.Unmarshal(settingsRaw, &settings); err != nil {
		telemetry.GetContextualLogger(ctx).WithFields(logrus.Fields{
			"user_id": userID,
		}).WithError(err).Warn("unparseable notification_settings, using defaults")
	}

	return UserPreferences{
		Email:                email,
		NotificationEmail:    settings.NotificationEmail,
		InstantNotifications: settings.InstantNotifications,
		EmailNotifications:   settings.EmailNotifications,
		TestUser:             testUser,
	}, nil
}

// SubscriptionName resolves subscriptions.name, falling back to the
// sentinel so email payloads always carry a label.
func (r *PostgresRepository) SubscriptionName(ctx context.Context, subscriptionID string) (string, error) {
	rows, err := r.gw.Query(ctx, `SELECT name FROM subscriptions WHERE id = $1`, subscriptionID)
	if err != nil {
		return UnknownSubscriptionName, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return UnknownSubscriptionName, rows.Err()
	}
	var name string
	if err := rows.Scan(&name); err != nil {
		return UnknownSubscriptionName, err
	}
	if name == "" {
		return UnknownSubscriptionName, nil
	}
	return name, nil
}

// connectionClass reports whether err is an *AppError of kind DbConnection
// or Timeout, the errors that must abort the whole transaction. Errors that
// carry no AppError kind (e.g. raw driver errors) are not connection-class.
func connectionClass(err error) bool {
	kind, ok := apperrors.KindOf(err)
	if !ok {
		return false
	}
	return kind == apperrors.KindDbConnection || kind == apperrors.KindTimeout
}
