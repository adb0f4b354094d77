// Package s3fetcher implements harvest.Fetcher for documents mirrored into an
// S3-compatible bucket addressed as s3://bucket/prefix.
package s3fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
)

// Scheme is the URL scheme served by this fetcher.
const Scheme = "s3"

const (
	defaultRegion       = "us-east-1"
	defaultMaxBodyBytes = 10 * 1024 * 1024
)

// Config captures the parameters required to reach the object store.
type Config struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Region       string
	UseSSL       bool
	MaxBodyBytes int64
}

// Fetcher reads objects through a MinIO client.
type Fetcher struct {
	client       *minio.Client
	maxBodyBytes int64
}

// New creates an S3-backed fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		// Retries are owned by the caller's policy.
		MaxRetries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &Fetcher{client: client, maxBodyBytes: cfg.MaxBodyBytes}, nil
}

// Fetch reads the object named by u. S3 error responses are reported by
// their HTTP status; anything else is a transport error.
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL) (harvest.FetchResponse, error) {
	if u.Scheme != Scheme || u.Host == "" {
		return harvest.FetchResponse{}, harvest.Permanent(fmt.Errorf("unsupported location %s", u.Redacted()))
	}
	start := time.Now()
	bucket, key := u.Host, harvest.ObjectKey(u)

	obj, err := f.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return f.errorResponse(u, start, err)
	}
	defer func() {
		_ = obj.Close()
	}()

	// Stat issues the request, so a missing key surfaces here.
	if _, err := obj.Stat(); err != nil {
		return f.errorResponse(u, start, err)
	}
	body, err := io.ReadAll(io.LimitReader(obj, f.maxBodyBytes+1))
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return harvest.FetchResponse{}, harvest.Permanent(
			fmt.Errorf("object s3://%s/%s exceeds %d bytes", bucket, key, f.maxBodyBytes))
	}
	return harvest.FetchResponse{
		URL:        u.String(),
		StatusCode: http.StatusOK,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) errorResponse(u *url.URL, start time.Time, err error) (harvest.FetchResponse, error) {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == minio.NoSuchKey || resp.Code == minio.NoSuchBucket:
		return harvest.FetchResponse{URL: u.String(), StatusCode: http.StatusNotFound, Duration: time.Since(start)}, nil
	case resp.StatusCode > 0:
		return harvest.FetchResponse{URL: u.String(), StatusCode: resp.StatusCode, Duration: time.Since(start)}, nil
	default:
		return harvest.FetchResponse{}, fmt.Errorf("get %s: %w", u.Redacted(), err)
	}
}
