// Package httpkit builds the outbound HTTP client Study Buddy uses to
// reach its model server. A local Ollama is often restarting or busy
// loading a model, so the client can retry requests that never reached
// it and requests it turned away with 503.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/studybuddy/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConnsPerHost = 4
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*transport, *http.Client)

// WithTimeout sets the overall request timeout. Zero disables it, which
// streaming callers need.
func WithTimeout(d time.Duration) ClientOption {
	return func(_ *transport, c *http.Client) { c.Timeout = d }
}

// WithResponseHeaderTimeout bounds the wait for response headers once
// the request is written. Zero waits indefinitely; a model that is
// still loading may take minutes to answer.
func WithResponseHeaderTimeout(d time.Duration) ClientOption {
	return func(t *transport, _ *http.Client) { t.base.ResponseHeaderTimeout = d }
}

// WithUserAgent overrides the build's User-Agent.
func WithUserAgent(ua string) ClientOption {
	return func(t *transport, _ *http.Client) { t.userAgent = ua }
}

// WithRetry allows up to attempts extra tries, waiting backoff before
// the first and doubling the wait each time. Only requests whose body
// can be rewound are retried.
func WithRetry(attempts int, backoff time.Duration) ClientOption {
	return func(t *transport, _ *http.Client) {
		t.attempts = attempts
		t.backoff = backoff
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(t *transport, _ *http.Client) { t.logger = l }
}

// NewClient builds an *http.Client from opts. The default client times
// out after 30 seconds, does not retry, and identifies itself with
// [buildinfo.UserAgent].
func NewClient(opts ...ClientOption) *http.Client {
	t := &transport{
		base:      baseTransport(),
		userAgent: buildinfo.UserAgent(),
		logger:    slog.Default(),
	}
	c := &http.Client{Timeout: 30 * time.Second, Transport: t}
	for _, o := range opts {
		o(t, c)
	}
	return c
}

func baseTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: DefaultDialTimeout}).DialContext,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}
}

// transport stamps the User-Agent and retries transient failures.
type transport struct {
	base      *http.Transport
	userAgent string
	attempts  int
	backoff   time.Duration
	logger    *slog.Logger

	// next is the RoundTripper used for each try; base when nil.
	next http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	next := t.next
	if next == nil {
		next = t.base
	}

	resp, err := next.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	wait := t.backoff
	for try := 1; try <= t.attempts && rewindable && transient(resp, err); try++ {
		t.logger.Debug("model server unavailable, retrying",
			"url", req.URL.String(),
			"try", try,
			"wait", wait,
			"status", statusOf(resp),
			"error", err,
		)
		if resp != nil {
			DrainAndClose(resp.Body, 4096)
		}

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
		wait *= 2

		again := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("rewind request body: %w", bodyErr)
			}
			again.Body = body
		}
		resp, err = next.RoundTrip(again)
	}
	return resp, err
}

// transient reports whether a try failed in a way worth repeating: the
// server refused the connection or was unreachable before any bytes
// were sent, or it answered 503. ECONNRESET is excluded because the
// request may already have been processed.
func transient(resp *http.Response, err error) bool {
	if err == nil {
		return resp != nil && resp.StatusCode == http.StatusServiceUnavailable
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// DrainAndClose discards up to limit bytes from rc and closes it so
// the connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body
// with surrounding whitespace removed, then drains and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 4096)
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(unreadable error body: %v)", err)
	}
	return strings.TrimSpace(string(body))
}
