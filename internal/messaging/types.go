package messaging

import (
	"time"

	"github.com/parsely-labs/docalert-fanout/internal/apperrors"
)

// EmailNotification is the notification block inside an email payload.
type EmailNotification struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	SourceURL        string `json:"sourceUrl"`
	SubscriptionName string `json:"subscriptionName"`
}

// EmailPayload is the wire shape for both email topics.
type EmailPayload struct {
	UserID       string            `json:"userId"`
	Email        string            `json:"email"`
	Notification EmailNotification `json:"notification"`
	Timestamp    string            `json:"timestamp"`
}

// RealtimeNotification is the notification block inside a realtime event.
type RealtimeNotification struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	SourceURL  string `json:"sourceUrl"`
	EntityType string `json:"entityType"`
	CreatedAt  string `json:"createdAt"`
}

// RealtimePayload is the wire shape for the realtime push topic.
type RealtimePayload struct {
	UserID       string               `json:"userId"`
	Notification RealtimeNotification `json:"notification"`
	Type         string               `json:"type"`
}

// NewRealtimePayload fills the fixed event type.
func NewRealtimePayload(userID string, n RealtimeNotification) RealtimePayload {
	return RealtimePayload{UserID: userID, Notification: n, Type: "notification"}
}

// DLQError describes the failure that routed a message to the DLQ.
type DLQError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// DLQPayload is the wire shape for the dead-letter topic. Exactly one of
// OriginalMessage (decoded) or RawMessage (undecodable bytes) is set.
type DLQPayload struct {
	OriginalMessage interface{} `json:"original_message,omitempty"`
	RawMessage      string      `json:"raw_message,omitempty"`
	Error           DLQError    `json:"error"`
	Timestamp       string      `json:"timestamp"`
}

// NewDLQPayload builds a DLQ record from whichever representation of the
// failed message is available.
func NewDLQPayload(original interface{}, raw []byte, cause error) DLQPayload {
	p := DLQPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if original != nil {
		p.OriginalMessage = original
	} else if raw != nil {
		p.RawMessage = string(raw)
	}
	if cause != nil {
		p.Error = DLQError{
			Name:    errorName(cause),
			Message: cause.Error(),
		}
	}
	return p
}

func errorName(err error) string {
	if kind, ok := apperrors.KindOf(err); ok {
		return string(kind)
	}
	return "error"
}
