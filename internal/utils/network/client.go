package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultUserAgent = "apk-fetcher"

	// metadata responses larger than this are treated as protocol errors
	maxMetadataSize = 256 << 20
)

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %s", e.URL, e.Status)
}

// Client is the transport shared by all source adapters.
type Client struct {
	meta      *http.Client
	download  *http.Client
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds metadata requests. Streaming downloads are bounded by
// the caller's context only.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.meta.Timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent used when a request carries none.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithHTTPClient replaces both underlying clients, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.meta = hc
		c.download = hc
	}
}

// NewClient returns a Client built on NewSecureHTTPClient.
func NewClient(opts ...Option) *Client {
	c := &Client{
		meta:      NewSecureHTTPClient(DefaultTimeout),
		download:  NewSecureHTTPClient(0),
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req and classifies the result. 2xx and 304 responses are returned
// to the caller; 404 and 410 become NotFound and everything else, including
// transport errors, becomes SourceUnavailable.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.do(c.meta, req)
}

func (c *Client) do(hc *http.Client, req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, apkpackage.Wrap(apkpackage.Cancelled, ctxErr, "%s %s", req.Method, redact(req.URL))
		}
		return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "%s %s", req.Method, redact(req.URL))
	}
	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusNotModified {
		return resp, nil
	}
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	serr := &StatusError{URL: redact(req.URL), Code: resp.StatusCode, Status: resp.Status}
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return nil, apkpackage.Wrap(apkpackage.NotFound, serr, "resource not found")
	}
	return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, serr, "upstream error")
}

// GetBytes fetches a small metadata document.
func (c *Client) GetBytes(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.InvalidRequest, err, "building request")
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readLimited(resp.Body, rawURL)
}

// GetJSON fetches rawURL and decodes the JSON body into v. A body that is not
// valid JSON is a SourceUnavailable error.
func (c *Client) GetJSON(ctx context.Context, rawURL string, header http.Header, v any) error {
	body, err := c.GetBytes(ctx, rawURL, header)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apkpackage.Wrap(apkpackage.SourceUnavailable, err, "decoding response from %s", rawURL)
	}
	return nil
}

// PostForm sends an urlencoded form and returns the response body.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.InvalidRequest, err, "building request")
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readLimited(resp.Body, rawURL)
}

// Fetch streams rawURL into w. progress, when non-nil, receives the number of
// bytes written by each chunk. It returns the total bytes written.
func (c *Client) Fetch(ctx context.Context, rawURL string, w io.Writer, progress func(int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, apkpackage.Wrap(apkpackage.InvalidRequest, err, "building request")
	}
	resp, err := c.do(c.download, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(&progressWriter{w: w, fn: progress}, resp.Body)
	if err != nil {
		var werr *writeError
		if errors.As(err, &werr) {
			return n, apkpackage.Wrap(apkpackage.IOFailure, werr.err, "writing %s", redact(req.URL))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, apkpackage.Wrap(apkpackage.Cancelled, ctxErr, "downloading %s", redact(req.URL))
		}
		return n, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "downloading %s", redact(req.URL))
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, apkpackage.Errorf(apkpackage.SourceUnavailable, "downloading %s: short body (%d of %d bytes)", redact(req.URL), n, resp.ContentLength)
	}
	return n, nil
}

type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }

type progressWriter struct {
	w  io.Writer
	fn func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 && p.fn != nil {
		p.fn(int64(n))
	}
	if err != nil {
		return n, &writeError{err: err}
	}
	return n, nil
}

func readLimited(r io.Reader, rawURL string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxMetadataSize+1))
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "reading response from %s", rawURL)
	}
	if len(body) > maxMetadataSize {
		return nil, apkpackage.Errorf(apkpackage.SourceUnavailable, "response from %s exceeds %d bytes", rawURL, maxMetadataSize)
	}
	return body, nil
}

// redact strips credentials and query strings from URLs placed in errors.
func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}
