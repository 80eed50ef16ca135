// Package data downloads guide source documents and keeps them fresh.
package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultFetchTimeout bounds a single guide source request.
	DefaultFetchTimeout = 60 * time.Second

	maxBodySize = 500 * 1024 * 1024 // 500MB for large EPG files

	// CountryPlaceholder is replaced by the upper-cased country code.
	CountryPlaceholder = "{COUNTRY}"
	compressedSuffix   = ".gz"
)

var (
	// ErrUnexpectedStatus is returned for non-200 responses.
	ErrUnexpectedStatus = errors.New("unexpected status code")
	// ErrNoResolver is returned by FetchSource on a fetcher built without a
	// Resolver.
	ErrNoResolver = errors.New("no guide URL resolver configured")
)

// Resolver maps a country code to its guide document URL.
type Resolver interface {
	GuideURL(country string) string
}

// TemplateResolver resolves URLs by substituting CountryPlaceholder.
type TemplateResolver string

// GuideURL implements Resolver.
func (t TemplateResolver) GuideURL(country string) string {
	return strings.ReplaceAll(string(t), CountryPlaceholder, strings.ToUpper(strings.TrimSpace(country)))
}

// CompressedURL returns the gzip variant of a guide document URL.
func CompressedURL(url string) string {
	return url + compressedSuffix
}

// Fetcher downloads guide documents over HTTP. Bodies are returned exactly
// as served, so transport and file gzip layers are both left to the
// decompression stage.
type Fetcher struct {
	log        logrus.FieldLogger
	httpClient *http.Client
	resolver   Resolver
	timeout    time.Duration
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.httpClient = c
	}
}

// WithTimeout overrides DefaultFetchTimeout.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// NewFetcher creates a new guide source fetcher. resolver may be nil when
// only Fetch is used.
func NewFetcher(log logrus.FieldLogger, resolver Resolver, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		log:        log.WithField("component", "fetcher"),
		httpClient: &http.Client{},
		resolver:   resolver,
		timeout:    DefaultFetchTimeout,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// FetchSource downloads the compressed guide document for country. The
// request is cancelled after the fetch timeout.
func (f *Fetcher) FetchSource(ctx context.Context, country string) ([]byte, error) {
	if f.resolver == nil {
		return nil, fmt.Errorf("fetch %s guide: %w", country, ErrNoResolver)
	}

	url := CompressedURL(f.resolver.GuideURL(country))

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	f.log.WithFields(logrus.Fields{
		"country": country,
		"url":     url,
	}).Debug("Fetching guide source")

	data, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s guide: %w", country, err)
	}

	return data, nil
}

// Fetch downloads url and returns the raw body.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Asking explicitly stops net/http from decoding gzip transparently.
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	f.log.WithFields(logrus.Fields{
		"url":  url,
		"size": len(data),
	}).Debug("Fetched data")

	return data, nil
}
