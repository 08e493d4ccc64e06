package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offline0/internal/cachestore"
)

// AdminPrefix is where wake signals and cache inspection are served.
const AdminPrefix = "/_offline0/"

type Service struct {
	cfg Config
	log *slog.Logger

	httpClient *http.Client

	store       *cachestore.Store
	manifest    *Manifest
	lifecycle   *Lifecycle
	interceptor *Interceptor
	background  *Background
	outbox      *Outbox
	opener      *LogOpener
	dispatcher  *Dispatcher

	bgSem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector
}

// OpenBackend opens the storage medium named by cfg.Storage.Kind.
func OpenBackend(cfg Config) (cachestore.Backend, error) {
	switch cfg.Storage.Kind {
	case "memory":
		return cachestore.NewMemory(), nil
	case "redis":
		r, err := cachestore.NewRedis(cachestore.RedisConfig{
			URL:    cfg.Storage.Redis.URL,
			Prefix: cfg.Storage.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		db, err := cachestore.OpenLevelDB(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

// NewService wires every component over a store opened from cfg.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	s, err := newService(cfg, backend, nil, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}

func newService(cfg Config, backend cachestore.Backend, client *http.Client, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	manifest, err := NewManifestFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if manifest.OfflinePageConfigured() {
		if _, ok := manifest.OfflineIdentity(); !ok {
			logger.Warn("offline page is not in the essential set and will never be served", "offline_page", cfg.Cache.OfflinePage)
		}
	}
	if cfg.Background.Sync.MaxAttempts == 0 {
		logger.Warn("background.sync.maxAttempts is 0, failing sync jobs are retried on every wake without limit")
	}

	s := &Service{
		cfg:        cfg,
		log:        logger,
		httpClient: client,
		store:      cachestore.New(backend, cfg.RAMMaxBytes()),
		manifest:   manifest,
		outbox:     NewOutbox(cfg.Background.Push.Outbox),
		opener:     NewLogOpener(logger),
		bgSem:      make(chan struct{}, max(cfg.Fetch.WriteBehindWorkers, 1)),
		stopCh:     make(chan struct{}),
	}

	s.lifecycle = NewLifecycle(s.store, client, manifest, LifecycleOptions{
		InstallTimeout:     cfg.InstallTimeout(),
		InstallConcurrency: cfg.Lifecycle.InstallConcurrency,
		SkipWaiting:        cfg.Lifecycle.SkipWaiting,
		OnActivate:         s.prewarmAsync,
		Logger:             logger,
	})
	s.interceptor = NewInterceptor(client.Transport, manifest, s.lifecycle, InterceptorOptions{
		WriteBehindWorkers: cfg.Fetch.WriteBehindWorkers,
		HeaderTimeout:      cfg.FetchHeaderTimeout(),
		MaxBodyBytes:       cfg.FetchMaxBodyBytes(),
		Logger:             logger,
	})

	queue := NewSyncQueue(cfg.Background.Sync.MaxAttempts, logger)
	if err := registerSyncEndpoints(queue, manifest, client, cfg.Background.Sync.Endpoints); err != nil {
		return nil, err
	}
	s.background = NewBackground(queue, s.outbox, s.opener, PushDefaultsFromConfig(cfg), logger)
	s.dispatcher = NewDispatcher(s.lifecycle, s.interceptor, s.background, logger)

	if every := cfg.LogStatsEvery(); every > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

// Start brings the configured cache version into service and starts the
// periodic pre-warm loop. An install failure is returned but the service
// keeps running, network-only or on a previous version.
func (s *Service) Start(ctx context.Context) error {
	err := s.lifecycle.Resume(ctx, s.cfg.Cache.Version)
	s.startPrewarmLoop()
	return err
}

func (s *Service) Close() {
	s.dispatcher.Close()
	close(s.stopCh)
	s.wg.Wait()
	s.interceptor.Wait()
	if err := s.store.Close(); err != nil {
		s.log.Warn("closing cache store", "error", err)
	}
}

func (s *Service) Store() *cachestore.Store { return s.store }

func (s *Service) Lifecycle() *Lifecycle { return s.lifecycle }

func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAdmin(mux)
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Endpoint, promhttp.Handler())
	}
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req, err := s.outboundRequest(r)
	if err != nil {
		setSourceHeaders(w.Header(), "bad-request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, err := s.dispatcher.Fetch(r.Context(), req)
	if err != nil {
		s.log.Debug("fetch failed", "url", req.URL.String(), "error", err)
		setSourceHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	source := resp.Header.Get(HeaderSource)
	if source == "" {
		source = "bypass"
	}
	n := writeResponse(w, resp, source)
	if s.stats != nil {
		switch source {
		case outcomeNetwork, outcomeCache, outcomeOffline:
			s.stats.Observe(int(n))
		}
	}
}

// outboundRequest rebuilds r against the origin. Absolute-form requests
// (forward proxy mode) keep their own target.
func (s *Service) outboundRequest(r *http.Request) (*http.Request, error) {
	target := s.cfg.Server.Origin + r.URL.RequestURI()
	if r.URL.IsAbs() {
		target = r.URL.String()
	}
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	if r.Method == http.MethodGet {
		// cached bodies are stored as sent, keep them uncompressed
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

func writeResponse(w http.ResponseWriter, resp *http.Response, source string) int64 {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, HeaderSource) || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), source)
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	return n
}

func setSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(HeaderSource, source)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, HeaderSource)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// ---- admin ----

func (s *Service) registerAdmin(mux *http.ServeMux) {
	p := AdminPrefix
	mux.HandleFunc("POST "+p+"install", s.handleInstall)
	mux.HandleFunc("POST "+p+"activate", s.handleWake(func(*http.Request) (Event, error) { return ActivateEvent{}, nil }))
	mux.HandleFunc("POST "+p+"gc", s.handleWake(func(*http.Request) (Event, error) { return CollectGarbageEvent{}, nil }))
	mux.HandleFunc("GET "+p+"versions", s.handleVersions)
	mux.HandleFunc("POST "+p+"sync/{tag}", s.handleEnqueueSync)
	mux.HandleFunc("GET "+p+"sync", s.handlePendingSync)
	mux.HandleFunc("POST "+p+"sync/{tag}/wake", s.handleWake(func(r *http.Request) (Event, error) {
		return SyncEvent{Tag: r.PathValue("tag")}, nil
	}))
	mux.HandleFunc("POST "+p+"push", s.handleWake(func(r *http.Request) (Event, error) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			return nil, err
		}
		return PushEvent{Payload: payload}, nil
	}))
	mux.HandleFunc("POST "+p+"notificationclick", s.handleWake(func(r *http.Request) (Event, error) {
		var body struct {
			Tag    string `json:"tag"`
			Action string `json:"action"`
		}
		if err := decodeJSONBody(r, &body); err != nil {
			return nil, err
		}
		return NotificationClickEvent{Tag: body.Tag, Action: body.Action}, nil
	}))
	mux.HandleFunc("GET "+p+"notifications", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.outbox.List())
	})
}

func (s *Service) handleInstall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version string `json:"version"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	if body.Version == "" {
		body.Version = s.cfg.Cache.Version
	}
	s.handleWake(func(*http.Request) (Event, error) { return InstallEvent{Version: body.Version}, nil })(w, r)
}

// handleWake dispatches the event built from the request. A failed wake is
// answered with 503 so the sender can deliver it again later.
func (s *Service) handleWake(build func(*http.Request) (Event, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := build(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err))
			return
		}
		res := s.dispatcher.Dispatch(r.Context(), ev)
		if res.Err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(res.Err, ErrNothingWaiting) {
				status = http.StatusConflict
			}
			writeJSON(w, status, errorBody(res.Err))
			return
		}
		out := map[string]any{"ok": true, "active": s.lifecycle.ActiveVersion()}
		if res.Notification != nil {
			out["notification"] = res.Notification
		}
		if res.Open != nil {
			out["open"] = res.Open
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type versionView struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	InstalledAt time.Time `json:"installed_at,omitzero"`
}

func (s *Service) handleVersions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.Versions(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err))
		return
	}
	out := make([]versionView, 0, len(infos))
	for _, info := range infos {
		out = append(out, versionView{
			Name:        info.Name,
			State:       s.lifecycle.State(info.Name),
			CreatedAt:   time.Unix(0, info.CreatedAt).UTC(),
			InstalledAt: info.ReadyTime(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   s.lifecycle.ActiveVersion(),
		"waiting":  s.lifecycle.WaitingVersion(),
		"versions": out,
	})
}

func (s *Service) handleEnqueueSync(w http.ResponseWriter, r *http.Request) {
	job := s.background.Queue().Enqueue(r.PathValue("tag"))
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Service) handlePendingSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.background.Queue().Pending())
}

func decodeJSONBody(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

// ---- stats ----

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			u, err := s.store.Usage(context.Background())
			if err != nil {
				s.log.Warn("reading cache usage", "error", err)
				continue
			}
			attrs := []any{
				"active", s.lifecycle.ActiveVersion(),
				"versions", u.Versions,
				"entries", u.Entries,
				"ram", humanize.IBytes(uint64(u.RAMBytes)),
				"disk", humanize.IBytes(uint64(u.DiskBytes)),
				"resp_min", humanize.IBytes(ss.MinRespBytes),
				"resp_avg", humanize.IBytes(ss.AvgRespBytes),
				"resp_max", humanize.IBytes(ss.MaxRespBytes),
			}
			if rss, ok := processRSSBytes(); ok {
				attrs = append(attrs, "rss", humanize.IBytes(rss))
			}
			s.log.Info("cache stats", attrs...)
		}
	}
}
