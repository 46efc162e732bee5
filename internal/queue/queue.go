// Package queue holds the pieces shared by the job queue backends: the wire
// format used by the broker-backed queues and job construction for Enqueue.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/mediascrape/internal/media"
)

// ErrNoURLs is returned when Enqueue is called without any usable URL.
var ErrNoURLs = errors.New("at least one url is required")

// Message is the JSON body carried by broker messages.
type Message struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Attempt    int       `json:"attempt,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Encode serializes job for a broker.
func Encode(job media.Job) ([]byte, error) {
	body, err := json.Marshal(Message{
		ID:         job.ID,
		URL:        job.URL,
		Attempt:    job.Attempt,
		EnqueuedAt: job.EnqueuedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return body, nil
}

// Decode parses a broker message body.
func Decode(body []byte) (media.Job, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return media.Job{}, fmt.Errorf("decode job: %w", err)
	}
	if msg.ID == "" || msg.URL == "" {
		return media.Job{}, errors.New("decode job: id and url are required")
	}
	return media.Job{
		ID:         msg.ID,
		URL:        msg.URL,
		Attempt:    msg.Attempt,
		EnqueuedAt: msg.EnqueuedAt,
	}, nil
}

// NewJobs builds one pending job per non-blank URL.
func NewJobs(ids media.IDGenerator, clock media.Clock, maxAttempts int, urls []string) ([]media.Job, error) {
	now := clock.Now()
	jobs := make([]media.Job, 0, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("job id: %w", err)
		}
		jobs = append(jobs, media.Job{
			ID:          id,
			URL:         raw,
			Attempt:     1,
			MaxAttempts: maxAttempts,
			EnqueuedAt:  now,
		})
	}
	if len(jobs) == 0 {
		return nil, ErrNoURLs
	}
	return jobs, nil
}
