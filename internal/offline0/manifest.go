package offline0

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"offline0/internal/cachestore"
)

// Manifest lists the resources a cache version depends on. Locators are
// resolved to absolute URLs against the origin at construction time.
type Manifest struct {
	origin *url.URL

	essential   []cachestore.Identity
	pages       []cachestore.Identity
	offlinePage cachestore.Identity
	hasOffline  bool

	allowHosts []string
}

// NewManifest resolves essential and page locators against origin.
// Duplicates are dropped, first occurrence wins.
func NewManifest(origin string, essential, pages []string, offlinePage string, allowHosts []string) (*Manifest, error) {
	o, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	if o.Scheme == "" || o.Host == "" {
		return nil, fmt.Errorf("origin %q must be absolute", origin)
	}

	m := &Manifest{origin: o}
	if m.essential, err = m.resolveAll(essential); err != nil {
		return nil, fmt.Errorf("essential: %w", err)
	}
	if m.pages, err = m.resolveAll(pages); err != nil {
		return nil, fmt.Errorf("pages: %w", err)
	}

	if strings.TrimSpace(offlinePage) != "" {
		id, err := m.Resolve(offlinePage)
		if err != nil {
			return nil, fmt.Errorf("offlinePage: %w", err)
		}
		m.offlinePage = id
		for _, e := range m.essential {
			if e == id {
				m.hasOffline = true
				break
			}
		}
	}

	for _, h := range allowHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			m.allowHosts = append(m.allowHosts, h)
		}
	}
	return m, nil
}

// NewManifestFromConfig builds the manifest described by cfg.
func NewManifestFromConfig(cfg Config) (*Manifest, error) {
	return NewManifest(cfg.Server.Origin, cfg.Cache.Essential, cfg.Cache.Pages, cfg.Cache.OfflinePage, cfg.Cache.AllowHosts)
}

func (m *Manifest) resolveAll(locs []string) ([]cachestore.Identity, error) {
	seen := map[cachestore.Identity]struct{}{}
	out := make([]cachestore.Identity, 0, len(locs))
	for _, loc := range locs {
		if strings.TrimSpace(loc) == "" {
			continue
		}
		id, err := m.Resolve(loc)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// Resolve turns a path or URL into a GET identity.
func (m *Manifest) Resolve(loc string) (cachestore.Identity, error) {
	loc = strings.TrimSpace(loc)
	u, err := url.Parse(loc)
	if err != nil {
		return cachestore.Identity{}, fmt.Errorf("locator %q: %w", loc, err)
	}
	u = m.origin.ResolveReference(u)
	if u.Path == "" {
		u.Path = "/"
	}
	return cachestore.NewIdentity(http.MethodGet, u.String()), nil
}

func (m *Manifest) Origin() *url.URL { return m.origin }

// Essential returns the identities that must be cached before a version is ready.
func (m *Manifest) Essential() []cachestore.Identity { return m.essential }

// Pages returns the routable pages to pre-warm after activation.
func (m *Manifest) Pages() []cachestore.Identity { return m.pages }

// OfflineIdentity returns the offline page identity. It is only available
// when the page is part of the essential set.
func (m *Manifest) OfflineIdentity() (cachestore.Identity, bool) {
	return m.offlinePage, m.hasOffline
}

// OfflinePageConfigured reports whether an offline page was named at all.
func (m *Manifest) OfflinePageConfigured() bool {
	return m.offlinePage.URL != ""
}

// InScope reports whether u may be intercepted: same origin as the
// application, or a host on the allow list (the host itself or a subdomain).
func (m *Manifest) InScope(u *url.URL) bool {
	if u == nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Scheme, m.origin.Scheme) && strings.EqualFold(u.Host, m.origin.Host) {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range m.allowHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
