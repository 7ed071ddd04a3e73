// Package envelope defines the inbound message shape and the
// parse/recover/normalize pipeline that turns raw subscription bytes
// into a uniform envelope the processors can consume.
package envelope

import "time"

// ProcessorType identifies the document family an envelope belongs to.
type ProcessorType string

const (
	ProcessorBOE        ProcessorType = "boe"
	ProcessorRealEstate ProcessorType = "real-estate"
)

// Status reflects what the upstream parser reported about its own run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// Envelope is one inbound message: the result of an upstream parse for
// one user/subscription. Immutable after normalization.
type Envelope struct {
	Version       string        `json:"version"`
	ProcessorType ProcessorType `json:"processor_type"`
	Timestamp     string        `json:"timestamp"`
	TraceID       string        `json:"trace_id"`
	Request       Request       `json:"request"`
	Results       Results       `json:"results"`
	Metadata      Metadata      `json:"metadata"`
}

// Request carries the identity of the subscription run that produced the
// envelope.
type Request struct {
	SubscriptionID string   `json:"subscription_id"`
	UserID         string   `json:"user_id"`
	ProcessingID   string   `json:"processing_id"`
	Prompts        []string `json:"prompts"`
}

// Results holds the matches found for the run.
type Results struct {
	QueryDate string  `json:"query_date"`
	Matches   []Match `json:"matches"`
}

// Metadata is the upstream parser's own run accounting.
type Metadata struct {
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	TotalMatches     int    `json:"total_matches"`
	Status           Status `json:"status"`
	Error            string `json:"error,omitempty"`
}

// Match pairs a prompt with the documents it surfaced.
type Match struct {
	Prompt    string     `json:"prompt"`
	Documents []Document `json:"documents"`
}

// Links holds a document's outbound URLs.
type Links struct {
	HTML string `json:"html"`
	PDF  string `json:"pdf,omitempty"`
}

// Location is the real-estate variant's place descriptor.
type Location struct {
	City   string `json:"city"`
	Region string `json:"region"`
}

// Document is one upstream-identified item. It is polymorphic over a
// core capability set plus variant-specific fields; unused variant
// fields stay at their zero values.
type Document struct {
	Title             string  `json:"title"`
	NotificationTitle string  `json:"notification_title,omitempty"`
	Summary           string  `json:"summary"`
	Links             Links   `json:"links"`
	RelevanceScore    float64 `json:"relevance_score"`
	PublicationDate   string  `json:"publication_date,omitempty"`
	DocumentType      string  `json:"document_type,omitempty"`

	// BOE variant
	IssuingBody  string `json:"issuing_body,omitempty"`
	Section      string `json:"section,omitempty"`
	Department   string `json:"department,omitempty"`
	BulletinType string `json:"bulletin_type,omitempty"`

	// Real-estate variant
	Price        float64   `json:"price,omitempty"`
	Location     *Location `json:"location,omitempty"`
	PropertyType string    `json:"property_type,omitempty"`
	SizeSqm      *float64  `json:"size_sqm,omitempty"`
	Rooms        *int      `json:"rooms,omitempty"`
}

// FirstPrompt returns the first request prompt or the given fallback.
func (e *Envelope) FirstPrompt(fallback string) string {
	if len(e.Request.Prompts) > 0 && e.Request.Prompts[0] != "" {
		return e.Request.Prompts[0]
	}
	return fallback
}

// nowFunc is swapped in tests to pin publication-date defaulting.
var nowFunc = time.Now
