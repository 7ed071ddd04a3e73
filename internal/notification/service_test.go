package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsely-labs/docalert-fanout/internal/apperrors"
	"github.com/parsely-labs/docalert-fanout/internal/envelope"
	"github.com/parsely-labs/docalert-fanout/internal/messaging"
)

const (
	userA = "11111111-1111-4111-8111-111111111111"
	userB = "33333333-3333-4333-8333-333333333333"
	subID = "22222222-2222-4222-8222-222222222222"
)

type fakeRepo struct {
	batches    [][]Draft
	batchUsers []string
	createErr  error
	failTitles map[string]string // title -> error message
	dupTitles  map[string]bool
	prefs      map[string]UserPreferences
	prefsErr   error
	subName    string
	subNameErr error
	nextID     int
}

func (f *fakeRepo) CreateBatch(ctx context.Context, userID string, drafts []Draft, window time.Duration) ([]Notification, []Detail, error) {
	f.batches = append(f.batches, drafts)
	f.batchUsers = append(f.batchUsers, userID)
	if f.createErr != nil {
		return nil, nil, f.createErr
	}

	var created []Notification
	var details []Detail
	for _, d := range drafts {
		if msg, ok := f.failTitles[d.Title]; ok {
			details = append(details, Detail{Success: false, Error: msg})
			continue
		}
		if f.dupTitles[d.Title] {
			details = append(details, Detail{Success: false, Duplicate: true})
			continue
		}
		f.nextID++
		n := Notification{
			ID:             string(rune('a' + f.nextID)),
			UserID:         userID,
			SubscriptionID: d.SubscriptionID,
			Title:          d.Title,
			Content:        d.Content,
			SourceURL:      d.SourceURL,
			EntityType:     d.EntityType,
			Status:         "unread",
			CreatedAt:      time.Now(),
		}
		created = append(created, n)
		details = append(details, Detail{Success: true, ID: n.ID})
	}
	return created, details, nil
}

func (f *fakeRepo) Preferences(ctx context.Context, userID string) (UserPreferences, error) {
	if f.prefsErr != nil {
		return UserPreferences{}, f.prefsErr
	}
	return f.prefs[userID], nil
}

func (f *fakeRepo) SubscriptionName(ctx context.Context, subscriptionID string) (string, error) {
	if f.subNameErr != nil {
		return UnknownSubscriptionName, f.subNameErr
	}
	if f.subName == "" {
		return UnknownSubscriptionName, nil
	}
	return f.subName, nil
}

type fakePublisher struct {
	emails      []messaging.EmailPayload
	emailKinds  []messaging.EmailKind
	realtime    []messaging.RealtimePayload
	emailErr    error
	realtimeErr error
}

func (f *fakePublisher) PublishEmail(ctx context.Context, kind messaging.EmailKind, payload messaging.EmailPayload) (string, error) {
	if f.emailErr != nil {
		return "", f.emailErr
	}
	f.emails = append(f.emails, payload)
	f.emailKinds = append(f.emailKinds, kind)
	return "msg-1", nil
}

func (f *fakePublisher) PublishRealtime(ctx context.Context, payload messaging.RealtimePayload) (string, error) {
	if f.realtimeErr != nil {
		return "", f.realtimeErr
	}
	f.realtime = append(f.realtime, payload)
	return "msg-2", nil
}

type fakeDeduper struct {
	seen      map[string]bool
	markErr   error
	forgotten []string
}

func (f *fakeDeduper) MarkIfNew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if f.markErr != nil {
		return false, f.markErr
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeDeduper) Forget(ctx context.Context, key string) error {
	f.forgotten = append(f.forgotten, key)
	delete(f.seen, key)
	return nil
}

func testEnv() *envelope.Envelope {
	return &envelope.Envelope{
		ProcessorType: envelope.ProcessorBOE,
		TraceID:       "trace-svc",
		Request:       envelope.Request{UserID: userA, SubscriptionID: subID},
	}
}

func draft(user, title string) Draft {
	return Draft{
		UserID:         user,
		SubscriptionID: subID,
		Title:          title,
		Content:        "contenido",
		SourceURL:      "https://boe.es/doc",
		EntityType:     "boe:resolution",
	}
}

func TestPersistAndPublish_EmptyBatch(t *testing.T) {
	svc := NewService(&fakeRepo{}, &fakePublisher{}, nil, Config{})

	outcome, err := svc.PersistAndPublish(context.Background(), testEnv(), nil)
	require.NoError(t, err)
	assert.Zero(t, outcome.Created)
	assert.Zero(t, outcome.Errors)
	assert.Equal(t, 100.0, outcome.SuccessRate())
}

func TestPersistAndPublish_SingleUserBatch(t *testing.T) {
	repo := &fakeRepo{prefs: map[string]UserPreferences{
		userA: {Email: "a@example.com", InstantNotifications: true},
	}}
	pub := &fakePublisher{}
	svc := NewService(repo, pub, nil, Config{})

	outcome, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{
		draft(userA, "Primera"), draft(userA, "Segunda"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Created)
	require.Len(t, repo.batches, 1, "same-user batch must persist in one call")
	assert.Len(t, repo.batches[0], 2)

	// One realtime event per created notification.
	assert.Len(t, pub.realtime, 2)
	// Instant notifications: one immediate email per created notification.
	require.Len(t, pub.emails, 2)
	assert.Equal(t, messaging.EmailImmediate, pub.emailKinds[0])
	assert.Equal(t, "a@example.com", pub.emails[0].Email)
	assert.Equal(t, 2, outcome.EmailsPublished)
}

func TestPersistAndPublish_MixedUsersProcessedPerUser(t *testing.T) {
	repo := &fakeRepo{prefs: map[string]UserPreferences{}}
	svc := NewService(repo, &fakePublisher{}, nil, Config{})

	outcome, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{
		draft(userA, "Una"), draft(userB, "Otra"), draft(userA, "Tercera"),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.Created)
	require.Len(t, repo.batches, 2)
	assert.Equal(t, []string{userA, userB}, repo.batchUsers)
	assert.Len(t, repo.batches[0], 2)
	assert.Len(t, repo.batches[1], 1)
}

func TestPersistAndPublish_DailyDigestGetsFirstSuccess(t *testing.T) {
	repo := &fakeRepo{prefs: map[string]UserPreferences{
		userA: {Email: "a@example.com", EmailNotifications: true},
	}}
	pub := &fakePublisher{}
	svc := NewService(repo, pub, nil, Config{})

	outcome, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{
		draft(userA, "Primera"), draft(userA, "Segunda"),
	})
	require.NoError(t, err)

	require.Len(t, pub.emails, 1)
	assert.Equal(t, messaging.EmailDaily, pub.emailKinds[0])
	assert.Equal(t, "Primera", pub.emails[0].Notification.Title)
	assert.Equal(t, 1, outcome.EmailsPublished)
}

func TestPersistAndPublish_NoEmailWithoutOptIn(t *testing.T) {
	repo := &fakeRepo{prefs: map[string]UserPreferences{
		userA: {Email: "a@example.com"},
	}}
	pub := &fakePublisher{}
	svc := NewService(repo, pub, nil, Config{})

	_, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{draft(userA, "Una")})
	require.NoError(t, err)

	assert.Empty(t, pub.emails)
	assert.Len(t, pub.realtime, 1, "realtime publishes regardless of email preferences")
}

func TestPersistAndPublish_TestUserGetsInstantEmail(t *testing.T) {
	repo := &fakeRepo{prefs: map[string]UserPreferences{
		userA: {Email: "a@example.com", TestUser: true},
	}}
	pub := &fakePublisher{}
	svc := NewService(repo, pub, nil, Config{})

	_, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{draft(userA, "Una")})
	require.NoError(t, err)
	require.Len(t, pub.emailKinds, 1)
	assert.Equal(t, messaging.EmailImmediate, pub.emailKinds[0])
}

func TestPersistAndPublish_NotificationEmailPreferred(t *testing.T) {
	repo := &fakeRepo{prefs: map[string]UserPreferences{
		userA: {Email: "a@example.com", NotificationEmail: "alerts@example.com", InstantNotifications: true},
	}}
	pub := &fakePublisher{}
	svc := NewService(repo, pub, nil, Config{})

	_, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{draft(userA, "Una")})
	require.NoError(t, err)
	require.Len(t, pub.emails, 1)
	assert.Equal(t, "alerts@example.com", pub.emails[0].Email)
}

func TestPersistAndPublish_RedisDuplicateSkipsInsert(t *testing.T) {
	repo := &fakeRepo{prefs: map[string]UserPreferences{}}
	dedupe := &fakeDeduper{}
	svc := NewService(repo, &fakePublisher{}, dedupe, Config{DedupeWindow: time.Hour})

	first, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{draft(userA, "Una")})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	second, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{draft(userA, "Una")})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Duplicates)
	require.Len(t, repo.batches, 1, "duplicate must not reach the repository")
}

func TestPersistAndPublish_RedisErrorFallsThroughToDB(t *testing.T) {
	repo := &fakeRepo{prefs: map[string]UserPreferences{}}
	dedupe := &fakeDeduper{markErr: errors.New("redis down")}
	svc := NewService(repo, &fakePublisher{}, dedupe, Config{})

	outcome, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{draft(userA, "Una")})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Created)
	require.Len(t, repo.batches, 1)
}

func TestPersistAndPublish_DBDuplicateCounted(t *testing.T) {
	repo := &fakeRepo{
		prefs:     map[string]UserPreferences{},
		dupTitles: map[string]bool{"Vieja": true},
	}
	pub := &fakePublisher{}
	svc := NewService(repo, pub, nil, Config{})

	outcome, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{
		draft(userA, "Vieja"), draft(userA, "Nueva"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Created)
	assert.Equal(t, 1, outcome.Duplicates)
	assert.Len(t, pub.realtime, 1, "no realtime for the duplicate")
}

func TestPersistAndPublish_ConnectionErrorPropagatesAndForgetsMarkers(t *testing.T) {
	repo := &fakeRepo{createErr: apperrors.NewDbConnectionError(errors.New("refused"))}
	dedupe := &fakeDeduper{}
	svc := NewService(repo, &fakePublisher{}, dedupe, Config{})

	_, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{draft(userA, "Una")})
	require.Error(t, err)
	kind, _ := apperrors.KindOf(err)
	assert.Equal(t, apperrors.KindDbConnection, kind)
	assert.Len(t, dedupe.forgotten, 1, "failed batch must release its dedupe markers")
}

func TestPersistAndPublish_InsertFailureForgetsMarker(t *testing.T) {
	repo := &fakeRepo{
		prefs:      map[string]UserPreferences{},
		failTitles: map[string]string{"Mala": "insert failed"},
	}
	dedupe := &fakeDeduper{}
	svc := NewService(repo, &fakePublisher{}, dedupe, Config{})

	outcome, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{
		draft(userA, "Mala"), draft(userA, "Buena"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Created)
	assert.Equal(t, 1, outcome.Errors)
	require.Len(t, dedupe.forgotten, 1)
	assert.Contains(t, dedupe.forgotten[0], "Mala")
	assert.InDelta(t, 50.0, outcome.SuccessRate(), 0.01)
}

func TestPersistAndPublish_RealtimeFailureNonBlocking(t *testing.T) {
	repo := &fakeRepo{prefs: map[string]UserPreferences{
		userA: {Email: "a@example.com", InstantNotifications: true},
	}}
	pub := &fakePublisher{realtimeErr: errors.New("realtime down")}
	svc := NewService(repo, pub, nil, Config{})

	outcome, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{draft(userA, "Una")})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Created)
	assert.Len(t, pub.emails, 1, "email still publishes when realtime fails")
}

func TestPersistAndPublish_SubscriptionNameFallback(t *testing.T) {
	repo := &fakeRepo{
		prefs:      map[string]UserPreferences{userA: {Email: "a@example.com", InstantNotifications: true}},
		subNameErr: errors.New("no such table"),
	}
	pub := &fakePublisher{}
	svc := NewService(repo, pub, nil, Config{})

	_, err := svc.PersistAndPublish(context.Background(), testEnv(), []Draft{draft(userA, "Una")})
	require.NoError(t, err)
	require.Len(t, pub.emails, 1)
	assert.Equal(t, UnknownSubscriptionName, pub.emails[0].Notification.SubscriptionName)
}
