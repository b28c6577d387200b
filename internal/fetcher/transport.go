package fetcher

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"
)

// Sentinel errors surfaced by the guarded response body.
var (
	ErrBodyTooLarge = errors.New("fetcher: response body exceeds size limit")
	ErrSlowTransfer = errors.New("fetcher: transfer rate below minimum")
)

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Scrape targets routinely serve self-signed or expired
		// certificates. Responses are treated as untrusted input.
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// guardTransport wraps response bodies so that oversized and stalled
// transfers abort mid-read instead of holding a worker slot open.
type guardTransport struct {
	base           http.RoundTripper
	maxBytes       int64
	minBytesPerSec int64
	grace          time.Duration
}

func newGuardTransport(base http.RoundTripper, maxBytes, minBytesPerSec int64, grace time.Duration) *guardTransport {
	return &guardTransport{
		base:           base,
		maxBytes:       maxBytes,
		minBytesPerSec: minBytesPerSec,
		grace:          grace,
	}
}

func (t *guardTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &guardedBody{
		rc:       resp.Body,
		start:    time.Now(),
		maxBytes: t.maxBytes,
		minRate:  t.minBytesPerSec,
		grace:    t.grace,
	}
	return resp, nil
}

type guardedBody struct {
	rc       io.ReadCloser
	start    time.Time
	read     int64
	maxBytes int64
	minRate  int64
	grace    time.Duration
}

func (b *guardedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.read += int64(n)
	if b.maxBytes > 0 && b.read > b.maxBytes {
		return n, ErrBodyTooLarge
	}
	// The grace period lets slow-starting servers ramp up before the
	// average throughput floor is enforced.
	if b.minRate > 0 {
		if elapsed := time.Since(b.start); elapsed > b.grace {
			if float64(b.read)/elapsed.Seconds() < float64(b.minRate) {
				return n, ErrSlowTransfer
			}
		}
	}
	return n, err
}

func (b *guardedBody) Close() error {
	return b.rc.Close()
}
