// Package media defines the core types shared by the scrape worker subsystems.
package media

import (
	"net/http"
	"time"
)

// Kind classifies an extracted media reference.
type Kind string

// Media kinds recognised by the extractor.
const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindImage || k == KindVideo
}

// Reference is a single media URL discovered on a page.
type Reference struct {
	Kind    Kind   `json:"type"`
	URL     string `json:"url"`
	AltText string `json:"alt_text,omitempty"`
}

// Record is a Reference tagged with the page it came from, ready for persistence.
type Record struct {
	Kind      Kind      `json:"type"`
	URL       string    `json:"url"`
	SourceURL string    `json:"source_url"`
	AltText   string    `json:"alt_text,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is one unit of queued work: scrape a single URL.
type Job struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	// Receipt identifies this particular delivery to the queue that handed it out.
	Receipt string `json:"-"`
}

// LastAttempt reports whether a failure on this claim exhausts the attempt budget.
func (j Job) LastAttempt() bool {
	return j.MaxAttempts > 0 && j.Attempt >= j.MaxAttempts
}

// Summary is reported to the queue when a job completes.
type Summary struct {
	Found int `json:"found"`
}

// Page is the raw result of fetching a URL.
type Page struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	RequestedAt time.Time
}
