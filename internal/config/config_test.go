package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PROJECT_ID", "SUBSCRIPTION_NAME", "DATABASE_URL", "DEDUPE_WINDOW_MINUTES",
		"WORKER_CONCURRENCY", "MAX_RETRY_ATTEMPTS",
	} {
		os.Unsetenv(key)
	}
}

func TestLoad_RequiresProjectID(t *testing.T) {
	clearEnv(t)
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	defer os.Unsetenv("DATABASE_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROJECT_ID")
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("PROJECT_ID", "docalert-prod")
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	defer os.Unsetenv("PROJECT_ID")
	defer os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "docalert-prod", cfg.ProjectID)
	assert.Equal(t, "document-notifications", cfg.SubscriptionName)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, 60, cfg.DedupeWindowMinutes)
}

func TestLoad_RejectsNonPositiveDedupeWindow(t *testing.T) {
	clearEnv(t)
	os.Setenv("PROJECT_ID", "docalert-prod")
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("DEDUPE_WINDOW_MINUTES", "0")
	defer os.Unsetenv("PROJECT_ID")
	defer os.Unsetenv("DATABASE_URL")
	defer os.Unsetenv("DEDUPE_WINDOW_MINUTES")

	_, err := Load()
	require.Error(t, err)
}
