package offline0

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"offline0/internal/cachestore"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// prewarmAsync fills a freshly activated version with the configured pages
// and sitemap URLs in the background.
func (s *Service) prewarmAsync(b *cachestore.Bucket) {
	if len(s.manifest.Pages()) == 0 && len(s.cfg.Prewarm.Sitemaps) == 0 {
		return
	}
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPrewarm(b)
	}()
}

// startPrewarmLoop re-runs pre-warming against the active version every
// prewarm.every after prewarm.initialDelay.
func (s *Service) startPrewarmLoop() {
	period := s.cfg.PrewarmEvery()
	if period <= 0 {
		return
	}
	initDelay := s.cfg.PrewarmInitialDelay()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			if b, ok := s.lifecycle.Active(); ok {
				s.runPrewarm(b)
			}
			select {
			case <-s.stopCh:
				return
			case <-t.C:
			}
		}
	}()
}

func (s *Service) runPrewarm(b *cachestore.Bucket) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	stored, skipped, err := s.prewarmOnce(ctx, b)
	if err != nil {
		s.log.Warn("prewarm incomplete", "version", b.Version(), "stored", stored, "skipped", skipped, "error", err)
		return
	}
	s.log.Info("prewarm done", "version", b.Version(), "stored", stored, "skipped", skipped)
}

// prewarmOnce stores every in-scope page not yet present in b. Pages are
// fetched straight from the network with at most cap(bgSem) in flight.
func (s *Service) prewarmOnce(ctx context.Context, b *cachestore.Bucket) (stored int, skipped int, _ error) {
	ids := append([]cachestore.Identity(nil), s.manifest.Pages()...)
	discovered, err := s.discoverURLs(ctx)
	if err != nil {
		s.log.Warn("sitemap discovery failed", "error", err)
	}
	ids = append(ids, discovered...)

	seen := make(map[string]struct{}, len(ids))
	var (
		results = make(chan bool, len(ids))
		g       errgroup.Group
	)
	for _, id := range ids {
		if _, dup := seen[id.Key()]; dup {
			continue
		}
		seen[id.Key()] = struct{}{}
		if _, ok, _ := b.Get(ctx, id); ok {
			skipped++
			continue
		}

		select {
		case s.bgSem <- struct{}{}:
		case <-ctx.Done():
			_ = g.Wait()
			return stored + drain(results), skipped, ctx.Err()
		case <-s.stopCh:
			_ = g.Wait()
			return stored + drain(results), skipped, nil
		}
		g.Go(func() error {
			defer func() { <-s.bgSem }()
			results <- s.prewarmOne(ctx, b, id)
			return nil
		})
	}
	_ = g.Wait()
	return stored + drain(results), skipped, nil
}

func drain(results chan bool) int {
	n := 0
	for {
		select {
		case ok := <-results:
			if ok {
				n++
			}
		default:
			return n
		}
	}
}

func (s *Service) prewarmOne(ctx context.Context, b *cachestore.Bucket, id cachestore.Identity) bool {
	req, err := http.NewRequestWithContext(ctx, id.Method, id.URL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Debug("prewarm fetch failed", "url", id.URL, "error", err)
		return false
	}
	snap, err := readSnapshot(resp)
	if err != nil || !storable(snap.Status, snap.Header) {
		return false
	}
	if err := b.Put(ctx, id, snap); err != nil {
		s.log.Debug("prewarm store failed", "url", id.URL, "error", err)
		return false
	}
	return true
}

// discoverURLs walks the configured sitemaps, nested ones included, and
// returns the in-scope page locations.
func (s *Service) discoverURLs(ctx context.Context) ([]cachestore.Identity, error) {
	seenSitemaps := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Prewarm.Sitemaps))
	for _, sm := range s.cfg.Prewarm.Sitemaps {
		if loc, ok := s.sitemapLocation(sm); ok {
			queue = append(queue, loc)
		}
	}

	var out []cachestore.Identity
	ignored := 0
	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-s.stopCh:
			return out, nil
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.readSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if loc, ok := s.sitemapLocation(nested); ok {
				queue = append(queue, loc)
			}
		}
		for _, loc := range doc.URLs {
			id, ok := s.pageIdentity(loc)
			if !ok {
				ignored++
				continue
			}
			out = append(out, id)
		}
		s.log.Debug("sitemap read", "sitemap", smURL, "urls", len(doc.URLs), "nested", len(doc.Sitemaps))
	}
	if ignored > 0 {
		s.log.Debug("sitemap urls out of scope", "ignored", ignored)
	}
	return out, nil
}

func (s *Service) pageIdentity(loc string) (cachestore.Identity, bool) {
	if loc == "" {
		return cachestore.Identity{}, false
	}
	id, err := s.manifest.Resolve(loc)
	if err != nil {
		return cachestore.Identity{}, false
	}
	u, err := url.Parse(id.URL)
	if err != nil || !s.manifest.InScope(u) {
		return cachestore.Identity{}, false
	}
	return id, true
}

// sitemapLocation resolves a configured or nested sitemap location against
// the origin. Unparseable locations are dropped.
func (s *Service) sitemapLocation(loc string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(loc))
	if err != nil || (ref.Host == "" && ref.Path == "") {
		return "", false
	}
	if !ref.IsAbs() && !strings.HasPrefix(ref.Path, "/") {
		ref.Path = "/" + ref.Path
	}
	return s.manifest.Origin().ResolveReference(ref).String(), true
}

// readSitemap loads one sitemap or sitemap index. Gzip bodies are detected by
// their magic bytes since transports may already have decoded them.
func (s *Service) readSitemap(ctx context.Context, loc string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sitemapDoc{}, fmt.Errorf("sitemap status %d", resp.StatusCode)
	}

	br := bufio.NewReader(io.LimitReader(resp.Body, maxSitemapBytes))
	var r io.Reader = br
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return sitemapDoc{}, fmt.Errorf("sitemap gzip: %w", err)
		}
		defer gz.Close()
		r = io.LimitReader(gz, maxSitemapBytes)
	}

	var doc sitemapDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return sitemapDoc{}, fmt.Errorf("sitemap xml: %w", err)
	}
	doc.URLs = trimAll(doc.URLs)
	doc.Sitemaps = trimAll(doc.Sitemaps)
	return doc, nil
}

// maxSitemapBytes matches the 50MB ceiling of the sitemap protocol.
const maxSitemapBytes = 50 << 20

func trimAll(in []string) []string {
	out := in[:0]
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
