package offline0

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"offline0/internal/cachestore"
)

func newTestService(t *testing.T, o *testOrigin, extra string, pages ...string) (*Service, *httptest.Server) {
	t.Helper()
	quoted := make([]string, len(pages))
	for i, p := range pages {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
server:
  origin: %s
storage:
  kind: memory
cache:
  version: v1
  essential: ["/", "/offline/"]
  offlinePage: /offline/
  pages: [%s]
background:
  sync:
    maxAttempts: 5
    endpoints:
      outbox: /api/sync
metrics:
  enabled: true
%s`, o.srv.URL, strings.Join(quoted, ", "), extra)))
	require.NoError(t, err)

	svc, err := newService(cfg, cachestore.NewMemory(), o.client(), discardLogger())
	require.NoError(t, err)
	front := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		front.Close()
		svc.Close()
	})
	return svc, front
}

type result struct {
	status int
	header http.Header
	body   string
}

func do(t *testing.T, method, url, body string, header ...string) result {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return result{status: resp.StatusCode, header: resp.Header, body: string(b)}
}

func startedOrigin(t *testing.T) *testOrigin {
	o := newTestOrigin(t)
	o.set("/", "home")
	o.set("/offline/", "offline page")
	return o
}

func TestServiceProxy(t *testing.T) {
	o := startedOrigin(t)
	svc, front := newTestService(t, o, "")
	require.NoError(t, svc.Start(context.Background()))

	r := do(t, http.MethodGet, front.URL+"/", "")
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "home", r.body)
	assert.Equal(t, "network", r.header.Get(HeaderSource))
	assert.Contains(t, r.header.Get("Access-Control-Expose-Headers"), HeaderSource)

	r = do(t, http.MethodPost, front.URL+"/api/tasks", `{"title":"x"}`)
	assert.Equal(t, http.StatusNoContent, r.status)
	assert.Equal(t, "bypass", r.header.Get(HeaderSource))

	o.down.Store(true)

	r = do(t, http.MethodGet, front.URL+"/", "")
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "cache", r.header.Get(HeaderSource))
	assert.Equal(t, "home", r.body)

	r = do(t, http.MethodGet, front.URL+"/kanban/", "", "Accept", "text/html")
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "offline", r.header.Get(HeaderSource))
	assert.Equal(t, "offline page", r.body)

	r = do(t, http.MethodGet, front.URL+"/static/logo.png", "", "Accept", "image/png")
	assert.Equal(t, http.StatusBadGateway, r.status)
	assert.Equal(t, "bad-gateway", r.header.Get(HeaderSource))
}

func TestServiceStartsWithoutNetwork(t *testing.T) {
	o := startedOrigin(t)
	o.down.Store(true)
	svc, front := newTestService(t, o, "")

	assert.ErrorIs(t, svc.Start(context.Background()), ErrInstallIncomplete)
	assert.Empty(t, svc.Lifecycle().ActiveVersion())

	r := do(t, http.MethodGet, front.URL+"/", "")
	assert.Equal(t, http.StatusBadGateway, r.status)
}

func TestServiceLifecycleAdmin(t *testing.T) {
	o := startedOrigin(t)
	svc, front := newTestService(t, o, "")
	require.NoError(t, svc.Start(context.Background()))
	admin := front.URL + AdminPrefix

	r := do(t, http.MethodGet, admin+"versions", "")
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "v1", gjson.Get(r.body, "active").String())
	assert.Equal(t, "active", gjson.Get(r.body, "versions.0.state").String())
	assert.True(t, gjson.Get(r.body, "versions.0.installed_at").Exists())

	r = do(t, http.MethodPost, admin+"activate", "")
	assert.Equal(t, http.StatusConflict, r.status)

	o.set("/", "home v2")
	r = do(t, http.MethodPost, admin+"install", `{"version":"v2"}`)
	require.Equal(t, http.StatusOK, r.status, r.body)
	r = do(t, http.MethodGet, admin+"versions", "")
	assert.Equal(t, "v2", gjson.Get(r.body, "waiting").String())
	assert.Equal(t, int64(2), gjson.Get(r.body, "versions.#").Int())

	r = do(t, http.MethodPost, admin+"activate", "")
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "v2", gjson.Get(r.body, "active").String())

	r = do(t, http.MethodGet, admin+"versions", "")
	assert.Equal(t, int64(1), gjson.Get(r.body, "versions.#").Int())

	o.down.Store(true)
	r = do(t, http.MethodPost, admin+"install", `{"version":"v3"}`)
	assert.Equal(t, http.StatusServiceUnavailable, r.status)
	assert.Contains(t, gjson.Get(r.body, "error").String(), "install incomplete")

	r = do(t, http.MethodPost, admin+"install", `{not json`)
	assert.Equal(t, http.StatusBadRequest, r.status)

	r = do(t, http.MethodPost, admin+"gc", "")
	assert.Equal(t, http.StatusOK, r.status)
}

func TestServiceSyncAdmin(t *testing.T) {
	o := startedOrigin(t)
	svc, front := newTestService(t, o, "")
	require.NoError(t, svc.Start(context.Background()))
	admin := front.URL + AdminPrefix

	r := do(t, http.MethodPost, admin+"sync/outbox", "")
	require.Equal(t, http.StatusAccepted, r.status)
	assert.Equal(t, "outbox", gjson.Get(r.body, "tag").String())

	o.down.Store(true)
	r = do(t, http.MethodPost, admin+"sync/outbox/wake", "")
	assert.Equal(t, http.StatusServiceUnavailable, r.status)
	r = do(t, http.MethodGet, admin+"sync", "")
	assert.Equal(t, int64(1), gjson.Get(r.body, "0.attempts").Int())

	o.down.Store(false)
	r = do(t, http.MethodPost, admin+"sync/outbox/wake", "")
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, 1, o.hitCount(http.MethodPost, "/api/sync"))

	r = do(t, http.MethodGet, admin+"sync", "")
	assert.Equal(t, "[]", strings.TrimSpace(r.body))

	// replaying the acknowledged wake changes nothing
	r = do(t, http.MethodPost, admin+"sync/outbox/wake", "")
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, 1, o.hitCount(http.MethodPost, "/api/sync"))
}

func TestServicePushAdmin(t *testing.T) {
	o := startedOrigin(t)
	svc, front := newTestService(t, o, "")
	require.NoError(t, svc.Start(context.Background()))
	admin := front.URL + AdminPrefix

	r := do(t, http.MethodPost, admin+"push", `{"title":"Reminder","body":"Standup in 5","url":"/kanban/"}`)
	require.Equal(t, http.StatusOK, r.status)
	tag := gjson.Get(r.body, "notification.tag").String()
	assert.Equal(t, "offline0-notification", tag)
	assert.Equal(t, "Standup in 5", gjson.Get(r.body, "notification.body").String())

	r = do(t, http.MethodGet, admin+"notifications", "")
	assert.Equal(t, int64(1), gjson.Get(r.body, "#").Int())

	r = do(t, http.MethodPost, admin+"notificationclick", fmt.Sprintf(`{"tag":%q}`, tag))
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "/kanban/", gjson.Get(r.body, "open.url").String())

	r = do(t, http.MethodGet, admin+"notifications", "")
	assert.Equal(t, int64(0), gjson.Get(r.body, "#").Int())
}

func TestServiceMetrics(t *testing.T) {
	o := startedOrigin(t)
	svc, front := newTestService(t, o, "")
	require.NoError(t, svc.Start(context.Background()))
	do(t, http.MethodGet, front.URL+"/", "")

	r := do(t, http.MethodGet, front.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, r.status)
	assert.Contains(t, r.body, "offline0_activations_total")
	assert.Contains(t, r.body, `offline0_fetch_total{outcome="network"}`)
}

func TestServicePrewarm(t *testing.T) {
	o := startedOrigin(t)
	o.set("/about/", "about")
	o.set("/blog/", "blog")
	o.set("/docs/", "docs")
	o.set("/sitemap.xml", fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/blog/</loc></url>
  <url><loc>https://elsewhere.example/page</loc></url>
</urlset>`, o.srv.URL))
	o.set("/sitemap-index.xml", `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc> /sitemap.xml </loc></sitemap>
  <sitemap><loc>/sitemap-docs.xml</loc></sitemap>
</sitemapindex>`)
	o.set("/sitemap-docs.xml", `<urlset><url><loc>/docs/</loc></url></urlset>`)

	svc, _ := newTestService(t, o, `
prewarm:
  sitemaps: [/sitemap-index.xml]
`, "/about/")

	require.NoError(t, svc.Start(context.Background()))
	b, ok := svc.Lifecycle().Active()
	require.True(t, ok)

	for _, path := range []string{"/about/", "/blog/", "/docs/"} {
		id := cachestore.NewIdentity(http.MethodGet, o.url(path))
		require.Eventually(t, func() bool {
			_, ok, err := b.Get(context.Background(), id)
			return err == nil && ok
		}, 5*time.Second, 10*time.Millisecond, path)
	}

	stored, skipped, err := svc.prewarmOnce(context.Background(), b)
	require.NoError(t, err)
	assert.Zero(t, stored)
	assert.Equal(t, 3, skipped)
}

func TestOpenBackendLevelDB(t *testing.T) {
	var cfg Config
	cfg.Storage.Kind = "leveldb"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "db")
	b, err := OpenBackend(cfg)
	require.NoError(t, err)
	assert.NoError(t, b.Close())

	cfg.Storage.Kind = "memory"
	b, err = OpenBackend(cfg)
	require.NoError(t, err)
	assert.NoError(t, b.Close())
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, HeaderSource)
	assert.Equal(t, HeaderSource, h.Get("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"ETag, x-offline0"}}
	ensureExposedHeader(h, HeaderSource)
	assert.Equal(t, "ETag, x-offline0", h.Get("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"ETag"}}
	ensureExposedHeader(h, HeaderSource)
	assert.Equal(t, "ETag, X-Offline0", h.Get("Access-Control-Expose-Headers"))
}
