// Package gcs provides a media store that writes each batch to Google Cloud
// Storage as one newline-delimited JSON object.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/mediascrape/internal/media"
)

const defaultPrefix = "media"

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Hasher derives a stable object name from a batch's encoded bytes.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Store writes batches to a configured GCS bucket. An object only becomes
// visible once its upload completes, so a batch is stored whole or not at all.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	hasher Hasher
	clock  media.Clock
}

// New creates a GCS-backed media store.
func New(client *storage.Client, cfg Config, hasher Hasher, clock media.Clock) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if hasher == nil || clock == nil {
		return nil, fmt.Errorf("hasher and clock are required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		hasher: hasher,
		clock:  clock,
	}, nil
}

// BulkInsert uploads the batch as <prefix>/YYYY/MM/DD/<digest>.ndjson. The
// name is derived from the content, so retrying an identical batch overwrites
// the earlier upload instead of duplicating it.
func (s *Store) BulkInsert(ctx context.Context, records []media.Record) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	digest, err := s.hasher.Hash(buf.Bytes())
	if err != nil {
		return fmt.Errorf("hash batch: %w", err)
	}
	name := path.Join(s.prefix, s.clock.Now().UTC().Format("2006/01/02"), digest+".ndjson")
	if _, err := s.putObject(ctx, name, "application/x-ndjson", &buf); err != nil {
		return err
	}
	return nil
}

func (s *Store) putObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// Close releases the storage client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
