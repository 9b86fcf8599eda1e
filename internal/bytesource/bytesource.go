// Package bytesource implements the byte-stream source contract spec.md
// §1 leaves as "interfaces only, out of scope for the core engine": the
// Producer reads from a Source, never a concrete transport. HTTPByteSource
// is the one concrete implementation this module ships, giving
// demuxprobe and the mpegts producer's tests something real to read from.
package bytesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrCanceled is returned by Read and ReadAt once Cancel has been called,
// letting the reader loop stop mid-FillBuffer instead of blocking on a
// slow or stalled connection (spec.md §5 "Cancellation").
var ErrCanceled = errors.New("bytesource: canceled")

// Source is the minimal byte-stream contract a Producer reads through.
// ReadAt makes backward seeks (e.g. a refresh resumption point before the
// current read position) possible without reopening the connection, for
// sources that support range requests; Seekable reports whether they do.
type Source interface {
	io.Reader
	io.Closer
	ReadAt(p []byte, off int64) (int, error)
	Seekable() bool
	// CancelTest lets the reader loop check a cancellation flag without
	// blocking on the next Read (spec.md §5).
	CancelTest() bool
}

// HTTPByteSource streams from an HTTP(S) URL. Built the way
// relay.IngestConfig configures its *http.Client for long-running
// streaming transports: connection/idle/header timeouts, but no blanket
// request timeout, since that would cut off a stream mid-read exactly
// when spec.md's readahead/cache tuning is trying to keep it full.
type HTTPByteSource struct {
	url       string
	userAgent string
	client    *http.Client

	canceled atomic.Bool

	body   io.ReadCloser
	offset int64

	acceptRanges bool
}

// DefaultHTTPClient returns an *http.Client configured for indefinite
// streaming reads, mirroring relay.DefaultIngestConfig's HTTPClient.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
		},
	}
}

// NewHTTPByteSource opens url for streaming reads. client may be nil, in
// which case DefaultHTTPClient is used.
func NewHTTPByteSource(ctx context.Context, url string, client *http.Client) (*HTTPByteSource, error) {
	if client == nil {
		client = DefaultHTTPClient()
	}
	s := &HTTPByteSource{url: url, userAgent: "demuxcore/1.0", client: client}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bytesource: building request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bytesource: opening %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("bytesource: %s: unexpected status %s", url, resp.Status)
	}

	s.body = resp.Body
	s.acceptRanges = resp.Header.Get("Accept-Ranges") == "bytes"
	return s, nil
}

// Read implements io.Reader. It returns ErrCanceled instead of delegating
// to the underlying body once Cancel has been called.
func (s *HTTPByteSource) Read(p []byte) (int, error) {
	if s.canceled.Load() {
		return 0, ErrCanceled
	}
	n, err := s.body.Read(p)
	s.offset += int64(n)
	return n, err
}

// ReadAt performs a ranged GET starting at off, for sources that
// advertise Accept-Ranges. It does not affect the sequential Read cursor.
func (s *HTTPByteSource) ReadAt(p []byte, off int64) (int, error) {
	if !s.acceptRanges {
		return 0, fmt.Errorf("bytesource: %s does not support range requests", s.url)
	}
	if s.canceled.Load() {
		return 0, ErrCanceled
	}

	req, err := http.NewRequest(http.MethodGet, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("bytesource: building range request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("bytesource: range request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("bytesource: range request: unexpected status %s", resp.Status)
	}

	return io.ReadFull(resp.Body, p)
}

// Seekable reports whether ReadAt is usable for this source.
func (s *HTTPByteSource) Seekable() bool {
	return s.acceptRanges
}

// Cancel trips the cancellation flag CancelTest reports, mirroring
// relay.TSDemuxer's ctx/cancel pair but exposed as a plain flag rather
// than a context, since Source has no context-carrying methods of its
// own — it is read synchronously from the reader thread, which owns its
// own context for the surrounding FillBuffer call.
func (s *HTTPByteSource) Cancel() {
	s.canceled.Store(true)
}

// CancelTest implements Source.
func (s *HTTPByteSource) CancelTest() bool {
	return s.canceled.Load()
}

// Close implements io.Closer.
func (s *HTTPByteSource) Close() error {
	return s.body.Close()
}
