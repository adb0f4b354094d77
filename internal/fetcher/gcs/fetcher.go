// Package gcsfetcher implements harvest.Fetcher for documents stored in a
// Google Cloud Storage bucket addressed as gs://bucket/prefix.
package gcsfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
)

// Scheme is the URL scheme served by this fetcher.
const Scheme = "gs"

const defaultMaxBodyBytes = 10 * 1024 * 1024

// Config controls object reads.
type Config struct {
	MaxBodyBytes int64
}

// Fetcher reads objects through a GCS client.
type Fetcher struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed fetcher.
func New(client *storage.Client, cfg Config) (*Fetcher, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Fetcher{client: client, cfg: cfg}, nil
}

// Fetch reads the object named by u. Missing objects are reported as 404 and
// API errors by their HTTP code; anything else is a transport error.
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL) (harvest.FetchResponse, error) {
	if u.Scheme != Scheme || u.Host == "" {
		return harvest.FetchResponse{}, harvest.Permanent(fmt.Errorf("unsupported location %s", u.Redacted()))
	}
	start := time.Now()
	key := harvest.ObjectKey(u)

	// Retries are owned by the caller's policy.
	obj := f.client.Bucket(u.Host).Retryer(storage.WithPolicy(storage.RetryNever)).Object(key)
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if status, ok := statusFromError(err); ok {
			return harvest.FetchResponse{URL: u.String(), StatusCode: status, Duration: time.Since(start)}, nil
		}
		return harvest.FetchResponse{}, fmt.Errorf("open gs://%s/%s: %w", u.Host, key, err)
	}
	defer func() {
		_ = reader.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(reader, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("read gs://%s/%s: %w", u.Host, key, err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return harvest.FetchResponse{}, harvest.Permanent(
			fmt.Errorf("object gs://%s/%s exceeds %d bytes", u.Host, key, f.cfg.MaxBodyBytes))
	}
	return harvest.FetchResponse{
		URL:        u.String(),
		StatusCode: http.StatusOK,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

func statusFromError(err error) (int, bool) {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return http.StatusNotFound, true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		return apiErr.Code, true
	}
	return 0, false
}
