// Package notification owns every write to the notifications table:
// batch persistence under row-level security, deduplication, side-channel
// publication, and outcome accounting. Processors produce drafts;
// only this package persists them.
package notification

import (
	"time"
)

// Draft is a notification as emitted by a domain processor, before
// persistence assigns an id and timestamps.
type Draft struct {
	UserID         string
	SubscriptionID string
	Title          string
	Content        string
	SourceURL      string
	EntityType     string
	Metadata       map[string]interface{}
}

// Notification is a persisted row. Status is the only field mutated after
// creation, and never by this worker beyond its initial "unread".
type Notification struct {
	ID             string
	UserID         string
	SubscriptionID string
	Title          string
	Content        string
	SourceURL      string
	Metadata       map[string]interface{}
	EntityType     string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Detail records the fate of one draft in a batch.
type Detail struct {
	Success   bool   `json:"success"`
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Outcome aggregates a batch's counters for logging and the dispatch
// result.
type Outcome struct {
	Created         int           `json:"created"`
	Errors          int           `json:"errors"`
	Duplicates      int           `json:"duplicates"`
	EmailsPublished int           `json:"emails_published"`
	Details         []Detail      `json:"details"`
	ProcessingTime  time.Duration `json:"processing_time"`
}

// SuccessRate is created/(created+errors) as a percentage; 100 when the
// batch had nothing to do.
func (o *Outcome) SuccessRate() float64 {
	total := o.Created + o.Errors
	if total == 0 {
		return 100
	}
	return float64(o.Created) / float64(total) * 100
}

// merge folds another outcome into o, used when a mixed-user batch is
// processed per-user.
func (o *Outcome) merge(other *Outcome) {
	o.Created += other.Created
	o.Errors += other.Errors
	o.Duplicates += other.Duplicates
	o.EmailsPublished += other.EmailsPublished
	o.Details = append(o.Details, other.Details...)
}

// UserPreferences mirrors the users.notification_settings columns the
// worker reads to route email side channels.
type UserPreferences struct {
	Email                string
	NotificationEmail    string
	InstantNotifications bool
	EmailNotifications   bool
	TestUser             bool
}

// RecipientEmail prefers the dedicated notification address.
func (p UserPreferences) RecipientEmail() string {
	if p.NotificationEmail != "" {
		return p.NotificationEmail
	}
	return p.Email
}

// UnknownSubscriptionName fills in when the subscriptions.name lookup
// fails; delivery is preferred over a missing label.
const UnknownSubscriptionName = "tu suscripción"
