package notification

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/parsely-labs/docalert-fanout/internal/database"
)

const testSchema = `
	CREATE TABLE users (
		id uuid PRIMARY KEY,
		email text NOT NULL,
		notification_settings jsonb,
		is_test_user boolean DEFAULT false
	);
	CREATE TABLE subscriptions (
		id uuid PRIMARY KEY,
		name text NOT NULL
	);
	CREATE TABLE notifications (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id uuid NOT NULL,
		subscription_id uuid NOT NULL,
		title text NOT NULL,
		content text,
		source_url text,
		metadata jsonb,
		entity_type text,
		status text NOT NULL DEFAULT 'unread',
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	);
`

func startPostgres(ctx context.Context, t *testing.T) *database.Gateway {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "fanout",
			"POSTGRES_PASSWORD": "fanout",
			"POSTGRES_DB":       "fanout_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	gw := database.New(database.Config{
		DSN: fmt.Sprintf("postgres://fanout:fanout@%s:%s/fanout_test?sslmode=disable", host, port.Port()),
	})
	t.Cleanup(func() { _ = gw.Close() })

	_, err = gw.Exec(ctx, testSchema)
	require.NoError(t, err)
	return gw
}

func seedUser(ctx context.Context, t *testing.T, gw *database.Gateway, id, email, settings string) {
	t.Helper()
	_, err := gw.Exec(ctx,
		`INSERT INTO users (id, email, notification_settings) VALUES ($1, $2, $3::jsonb)`,
		id, email, settings)
	require.NoError(t, err)
}

func TestPostgresRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	gw := startPostgres(ctx, t)
	repo := NewPostgresRepository(gw)

	seedUser(ctx, t, gw, userA, "a@example.com",
		`{"emailNotifications": true, "instantNotifications": false, "notificationEmail": "alerts@example.com"}`)
	_, err := gw.Exec(ctx, `INSERT INTO subscriptions (id, name) VALUES ($1, $2)`, subID, "Subvenciones BOE")
	require.NoError(t, err)

	t.Run("create batch and dedupe window", func(t *testing.T) {
		drafts := []Draft{
			draft(userA, "Resolución sobre ayudas"),
			draft(userA, "Anuncio de convocatoria"),
		}
		created, details, err := repo.CreateBatch(ctx, userA, drafts, time.Hour)
		require.NoError(t, err)
		assert.Len(t, created, 2)
		assert.Len(t, details, 2)
		for _, d := range details {
			assert.True(t, d.Success)
			assert.NotEmpty(t, d.ID)
		}

		// Second pass inside the window: both are duplicates.
		created, details, err = repo.CreateBatch(ctx, userA, drafts, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, created)
		for _, d := range details {
			assert.False(t, d.Success)
			assert.True(t, d.Duplicate)
		}
	})

	t.Run("failed row does not abort the batch", func(t *testing.T) {
		good1 := draft(userA, "Válida primera")
		var bad Draft
		bad.UserID = userA
		bad.SubscriptionID = "not-a-uuid" // uuid column rejects this
		bad.Title = "Corrupta"
		good2 := draft(userA, "Válida segunda")

		created, details, err := repo.CreateBatch(ctx, userA, []Draft{good1, bad, good2}, time.Hour)
		require.NoError(t, err)
		assert.Len(t, created, 2)
		require.Len(t, details, 3)
		assert.True(t, details[0].Success)
		assert.False(t, details[1].Success)
		assert.NotEmpty(t, details[1].Error)
		assert.True(t, details[2].Success)
	})

	t.Run("preferences", func(t *testing.T) {
		prefs, err := repo.Preferences(ctx, userA)
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", prefs.Email)
		assert.Equal(t, "alerts@example.com", prefs.NotificationEmail)
		assert.True(t, prefs.EmailNotifications)
		assert.False(t, prefs.InstantNotifications)
		assert.Equal(t, "alerts@example.com", prefs.RecipientEmail())

		_, err = repo.Preferences(ctx, userB)
		require.Error(t, err)
	})

	t.Run("subscription name", func(t *testing.T) {
		name, err := repo.SubscriptionName(ctx, subID)
		require.NoError(t, err)
		assert.Equal(t, "Subvenciones BOE", name)

		name, err = repo.SubscriptionName(ctx, userB)
		require.NoError(t, err)
		assert.Equal(t, UnknownSubscriptionName, name)
	})
}
