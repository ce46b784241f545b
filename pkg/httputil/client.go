// Package httputil carries the gateway's outbound HTTP plumbing: a pooled
// transport shared by geocoding lookups, bounded body readers and a slot
// semaphore that caps concurrently processed turns.
package httputil

import (
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MaxResponseSize bounds reads of lookup response bodies. Geocoder replies
// are small; anything larger is truncated rather than buffered.
const MaxResponseSize = 4 << 20 // 4MB

// LookupTimeout is the default deadline for outbound lookups. It stays well
// under the gateway's turn handling so a slow geocoder cannot hold a turn
// slot open indefinitely.
const LookupTimeout = 15 * time.Second

// One transport for all outbound lookups so connections to the geocoder are
// reused across turns.
var lookupTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          32,
	MaxIdleConnsPerHost:   8,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

var (
	lookupClient *http.Client
	lookupOnce   sync.Once
)

// LookupClient returns the shared client for outbound lookups. Callers use
// this instead of building http.Client instances per request.
func LookupClient() *http.Client {
	lookupOnce.Do(func() {
		lookupClient = &http.Client{
			Timeout:   LookupTimeout,
			Transport: lookupTransport,
		}
	})
	return lookupClient
}

// ClientWithTimeout builds a client over the shared transport for callers
// that need a different deadline. Non-positive timeouts fall back to
// LookupTimeout.
func ClientWithTimeout(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = LookupTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: lookupTransport,
	}
}

// ReadResponseBody reads an HTTP response body with a hard size cap.
func ReadResponseBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// ErrorSnippet reads a short single-line fragment of an error response body
// for log messages. Whitespace runs collapse so multi-line bodies stay on
// one log line.
func ErrorSnippet(r io.Reader) string {
	const maxSnippet = 512
	b, err := io.ReadAll(io.LimitReader(r, maxSnippet))
	if err != nil || len(b) == 0 {
		return ""
	}
	return strings.Join(strings.Fields(string(b)), " ")
}

// DrainAndClose drains and closes a response body so the underlying
// connection returns to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}
