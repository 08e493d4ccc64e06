package offline0

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"offline0/internal/cachestore"
)

var errUnreachable = errors.New("network unreachable")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type originPage struct {
	status int
	body   string
	header http.Header
}

// testOrigin is an application origin whose pages can be changed, broken or
// taken offline while a test runs.
type testOrigin struct {
	srv  *httptest.Server
	down atomic.Bool

	mu    sync.Mutex
	pages map[string]originPage
	hits  map[string]int
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{pages: map[string]originPage{}, hits: map[string]int{}}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	p, ok := o.pages[r.URL.RequestURI()]
	o.hits[r.Method+" "+r.URL.RequestURI()]++
	o.mu.Unlock()

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	for k, vs := range p.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	status := p.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, p.body)
}

func (o *testOrigin) set(path, body string) {
	o.setPage(path, originPage{body: body})
}

func (o *testOrigin) setPage(path string, p originPage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[path] = p
}

func (o *testOrigin) hitCount(method, path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[method+" "+path]
}

func (o *testOrigin) url(path string) string { return o.srv.URL + path }

// client returns a client that fails every request while the origin is down.
func (o *testOrigin) client() *http.Client {
	return &http.Client{Transport: &switchTransport{next: o.srv.Client().Transport, down: &o.down}}
}

type switchTransport struct {
	next http.RoundTripper
	down *atomic.Bool
}

func (t *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.down.Load() {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, errUnreachable
	}
	return t.next.RoundTrip(req)
}

type fixture struct {
	origin      *testOrigin
	store       *cachestore.Store
	manifest    *Manifest
	lifecycle   *Lifecycle
	interceptor *Interceptor
}

func newFixture(t *testing.T, essential []string, offlinePage string, opts LifecycleOptions) *fixture {
	t.Helper()
	o := newTestOrigin(t)
	m, err := NewManifest(o.srv.URL, essential, nil, offlinePage, nil)
	if err != nil {
		t.Fatal(err)
	}
	store := cachestore.New(cachestore.NewMemory(), 0)
	t.Cleanup(func() { _ = store.Close() })

	opts.Logger = discardLogger()
	client := o.client()
	l := NewLifecycle(store, client, m, opts)
	i := NewInterceptor(client.Transport, m, l, InterceptorOptions{Logger: discardLogger()})
	t.Cleanup(i.Wait)
	return &fixture{origin: o, store: store, manifest: m, lifecycle: l, interceptor: i}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
