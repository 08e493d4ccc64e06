package offline0

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"offline0/internal/cachestore"
)

// ActiveBucket yields the namespace of the currently active cache version.
type ActiveBucket interface {
	Active() (*cachestore.Bucket, bool)
}

type InterceptorOptions struct {
	// WriteBehindWorkers bounds concurrent cache writes; extra writes are dropped.
	WriteBehindWorkers int
	// HeaderTimeout bounds the wait for response headers. Zero leaves it to
	// the transport. A body that is already streaming is never cut off.
	HeaderTimeout time.Duration
	// MaxBodyBytes caps the bodies captured for the cache. Larger responses
	// are streamed to the caller and not stored. Zero means no cap.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Interceptor is an http.RoundTripper that prefers the network and falls
// back to the active cache version when the network fails.
type Interceptor struct {
	next          http.RoundTripper
	manifest      *Manifest
	active        ActiveBucket
	headerTimeout time.Duration
	maxBody       int64
	log           *slog.Logger

	slots   chan struct{}
	wg      sync.WaitGroup
	dropLog *rateLimitedLogger
}

func NewInterceptor(next http.RoundTripper, m *Manifest, active ActiveBucket, opts InterceptorOptions) *Interceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	if opts.WriteBehindWorkers <= 0 {
		opts.WriteBehindWorkers = 32
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Interceptor{
		next:          next,
		manifest:      m,
		active:        active,
		headerTimeout: opts.HeaderTimeout,
		maxBody:       opts.MaxBodyBytes,
		log:           opts.Logger,
		slots:         make(chan struct{}, opts.WriteBehindWorkers),
		dropLog:       newRateLimitedLogger(opts.Logger, time.Minute),
	}
}

func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || !i.manifest.InScope(req.URL) {
		fetchTotal.WithLabelValues(outcomePassthrough).Inc()
		return i.next.RoundTrip(req)
	}

	id := cachestore.IdentityOf(req)
	resp, err := i.fetch(req)
	if err == nil {
		fetchTotal.WithLabelValues(outcomeNetwork).Inc()
		return resp, nil
	}
	return i.fallback(req, id, err)
}

// fetch performs the network leg and buffers the body so the same bytes can
// go to the caller and to the cache.
func (i *Interceptor) fetch(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	var timer *time.Timer
	if i.headerTimeout > 0 {
		timer = time.AfterFunc(i.headerTimeout, cancel)
	}

	resp, err := i.next.RoundTrip(req.WithContext(ctx))
	if timer != nil && !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("no response headers within %s: %w", i.headerTimeout, context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	body, streamed, err := i.capture(resp, cancel)
	if err != nil {
		return nil, err
	}
	resp.Request = req
	resp.Header.Set(HeaderSource, outcomeNetwork)
	if streamed {
		writeBehindTotal.WithLabelValues("oversized").Inc()
		return resp, nil
	}

	snap := newSnapshot(resp, body)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if storable(resp.StatusCode, resp.Header) {
		i.writeBehind(cachestore.IdentityOf(req), snap)
	}
	return resp, nil
}

// capture reads the body up to the size cap. Past the cap the buffered head
// and the rest of the body are handed back as a stream that releases ctx on
// Close.
func (i *Interceptor) capture(resp *http.Response, cancel context.CancelFunc) ([]byte, bool, error) {
	var r io.Reader = resp.Body
	if i.maxBody > 0 {
		r = io.LimitReader(resp.Body, i.maxBody+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, false, err
	}
	if i.maxBody > 0 && int64(len(body)) > i.maxBody {
		resp.Body = &streamBody{
			Reader: io.MultiReader(bytes.NewReader(body), resp.Body),
			body:   resp.Body,
			cancel: cancel,
		}
		return nil, true, nil
	}
	resp.Body.Close()
	cancel()
	return body, false, nil
}

type streamBody struct {
	io.Reader
	body   io.Closer
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	err := b.body.Close()
	b.cancel()
	return err
}

func (i *Interceptor) fallback(req *http.Request, id cachestore.Identity, netErr error) (*http.Response, error) {
	ctx := req.Context()
	if ctx.Err() != nil {
		// caller went away
		fetchTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, netErr
	}

	bucket, ok := i.active.Active()
	if !ok {
		fetchTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, netErr
	}

	snap, hit, err := bucket.Get(ctx, id)
	if err != nil {
		i.log.Warn("cache lookup failed", "url", id.URL, "version", bucket.Version(), "error", err)
		fetchTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, netErr
	}
	if hit {
		i.log.Debug("serving from cache", "url", id.URL, "version", bucket.Version())
		fetchTotal.WithLabelValues(outcomeCache).Inc()
		return snapshotResponse(req, snap, outcomeCache), nil
	}

	if isNavigation(req) {
		if offline, ok := i.manifest.OfflineIdentity(); ok {
			snap, hit, err := bucket.Get(ctx, offline)
			if err == nil && hit {
				fetchTotal.WithLabelValues(outcomeOffline).Inc()
				return snapshotResponse(req, snap, outcomeOffline), nil
			}
		}
	}

	fetchTotal.WithLabelValues(outcomeFailed).Inc()
	return nil, netErr
}

// writeBehind stores snap in the active version without blocking the caller.
// Failures are logged and otherwise ignored.
func (i *Interceptor) writeBehind(id cachestore.Identity, snap cachestore.Snapshot) {
	bucket, ok := i.active.Active()
	if !ok {
		return
	}
	select {
	case i.slots <- struct{}{}:
	default:
		writeBehindTotal.WithLabelValues("dropped").Inc()
		i.dropLog.Warn("write-behind slots full, dropping cache update", "url", id.URL)
		return
	}

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer func() { <-i.slots }()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if cur, ok, err := bucket.Get(ctx, id); err == nil && ok && sameEntry(cur, snap) {
			writeBehindTotal.WithLabelValues("unchanged").Inc()
			return
		}
		if err := bucket.Put(ctx, id, snap); err != nil {
			writeBehindTotal.WithLabelValues("failed").Inc()
			i.log.Debug("write-behind failed", "url", id.URL, "version", bucket.Version(), "error", err)
			return
		}
		writeBehindTotal.WithLabelValues("stored").Inc()
	}()
}

func sameEntry(cur, fresh cachestore.Snapshot) bool {
	return cur.Hash64 == fresh.Hash64 && cur.Status == fresh.Status && sameHeader(cur.Header, fresh.Header)
}

// Wait blocks until in-flight write-behind updates finish.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

// isNavigation reports whether req asks for a full page rather than a
// sub-resource.
func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
