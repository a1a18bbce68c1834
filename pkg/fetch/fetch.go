// Package fetch retrieves raw list bodies for host sources.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"hostguard/pkg/hosterr"
	"hostguard/pkg/sources"
)

const (
	defaultTimeout   = 20 * time.Second
	defaultUserAgent = "hostguard"
	defaultMaxBody   = 64 << 20
)

var errTooLarge = errors.New("list exceeds size limit")

// Result is the outcome of one successful retrieval.
type Result struct {
	Body        []byte
	NotModified bool
	// Token is the caching token to store as the source's lastModifiedRemote.
	// Empty when the remote sent no validator.
	Token     string
	FetchedAt time.Time
}

// Options configures a Fetcher.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
	Logger    *slog.Logger

	// MaxBodySize caps a list in bytes. Larger lists fail instead of being
	// cut short. Defaults to 64 MiB.
	MaxBodySize int64
}

// Fetcher downloads lists over HTTP(S) or reads them from local paths.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Fetcher{client: client, userAgent: ua, maxBody: maxBody, log: log, now: time.Now}
}

// Fetch retrieves the list body for src. When src carries a caching token the
// request is conditional and an unchanged list yields NotModified with no body.
// Failures are *hosterr.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, src sources.HostsSource) (Result, error) {
	if !isURL(src.URL) {
		return f.readFile(src)
	}

	req, err := f.newRequest(ctx, http.MethodGet, src)
	if err != nil {
		return Result{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, hosterr.NewFetchError(src.URL, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.log.Warn("failed to close list response body", "source", src.Label, "error", err)
		}
	}()

	now := f.now()
	if resp.StatusCode == http.StatusNotModified {
		return Result{NotModified: true, Token: src.LastModifiedRemote, FetchedAt: now}, nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Result{}, hosterr.StatusError(src.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return Result{}, hosterr.NewFetchError(src.URL, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.maxBody {
		return Result{}, hosterr.NewFetchError(src.URL, errTooLarge)
	}
	return Result{Body: body, Token: tokenFrom(resp.Header), FetchedAt: now}, nil
}

// Probe reports whether the remote list changed since src was last fetched,
// without downloading the body. A remote that sends no validator is treated
// as changed.
func (f *Fetcher) Probe(ctx context.Context, src sources.HostsSource) (bool, error) {
	if !isURL(src.URL) {
		info, err := os.Stat(localPath(src.URL))
		if err != nil {
			return false, hosterr.NewFetchError(src.URL, err)
		}
		return fileToken(info) != src.LastModifiedRemote, nil
	}

	req, err := f.newRequest(ctx, http.MethodHead, src)
	if err != nil {
		return false, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false, hosterr.NewFetchError(src.URL, err)
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return false, nil
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return false, hosterr.StatusError(src.URL, resp.StatusCode)
	}
	token := tokenFrom(resp.Header)
	if token == "" || src.LastModifiedRemote == "" {
		return true, nil
	}
	return token != src.LastModifiedRemote, nil
}

func (f *Fetcher) newRequest(ctx context.Context, method string, src sources.HostsSource) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, src.URL, nil)
	if err != nil {
		return nil, hosterr.NewFetchError(src.URL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	applyAuth(req, src.Auth)
	applyConditional(req, src.LastModifiedRemote)
	return req, nil
}

func (f *Fetcher) readFile(src sources.HostsSource) (Result, error) {
	path := localPath(src.URL)
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, hosterr.NewFetchError(src.URL, err)
	}
	if info.Size() > f.maxBody {
		return Result{}, hosterr.NewFetchError(src.URL, errTooLarge)
	}
	token := fileToken(info)
	now := f.now()
	if src.LastModifiedRemote != "" && token == src.LastModifiedRemote {
		return Result{NotModified: true, Token: token, FetchedAt: now}, nil
	}
	// #nosec G304 -- path comes from a configured source.
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, hosterr.NewFetchError(src.URL, fmt.Errorf("read file: %w", err))
	}
	return Result{Body: data, Token: token, FetchedAt: now}, nil
}

func applyAuth(req *http.Request, auth sources.AuthConfig) {
	if auth.Username != "" || auth.Password != "" {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
	if auth.Token != "" {
		header := auth.Header
		if header == "" {
			header = "Authorization"
		}
		scheme := auth.Scheme
		if scheme == "" {
			scheme = "Bearer"
		}
		req.Header.Set(header, strings.TrimSpace(scheme+" "+auth.Token))
	}
}

// applyConditional sends the stored token back as If-Modified-Since when it
// is an HTTP date and as If-None-Match otherwise.
func applyConditional(req *http.Request, token string) {
	if token == "" {
		return
	}
	if _, err := http.ParseTime(token); err == nil {
		req.Header.Set("If-Modified-Since", token)
		return
	}
	req.Header.Set("If-None-Match", token)
}

// tokenFrom prefers the entity tag over the modification date.
func tokenFrom(h http.Header) string {
	if etag := strings.TrimSpace(h.Get("ETag")); etag != "" {
		return etag
	}
	return strings.TrimSpace(h.Get("Last-Modified"))
}

func fileToken(info os.FileInfo) string {
	return info.ModTime().UTC().Format(http.TimeFormat)
}

func localPath(location string) string {
	return strings.TrimPrefix(location, "file://")
}

func isURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}
