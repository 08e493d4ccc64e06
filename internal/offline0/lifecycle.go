package offline0

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"offline0/internal/cachestore"
)

// State is the lifecycle phase of one cache version.
type State int

const (
	StateUnknown State = iota
	StateInstalling
	StateWaiting
	StateActive
	StateSuperseded
	// StateRedundant marks a version whose install failed.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type LifecycleOptions struct {
	InstallTimeout     time.Duration
	InstallConcurrency int
	// SkipWaiting activates a version as soon as its install succeeds.
	SkipWaiting bool
	// OnActivate runs after a version became active and old versions were
	// collected.
	OnActivate func(*cachestore.Bucket)
	Logger     *slog.Logger
}

// Lifecycle moves cache versions through install, activation and garbage
// collection. The active version is the only one the interceptor reads.
type Lifecycle struct {
	store    *cachestore.Store
	client   *http.Client
	manifest *Manifest
	opts     LifecycleOptions
	log      *slog.Logger

	installMu sync.Mutex

	mu      sync.RWMutex
	active  *cachestore.Bucket
	waiting *cachestore.Bucket
	states  map[string]State
}

func NewLifecycle(store *cachestore.Store, client *http.Client, m *Manifest, opts LifecycleOptions) *Lifecycle {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Lifecycle{
		store:    store,
		client:   client,
		manifest: m,
		opts:     opts,
		log:      opts.Logger,
		states:   map[string]State{},
	}
}

// Active returns the active version's handle.
func (l *Lifecycle) Active() (*cachestore.Bucket, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active, l.active != nil
}

func (l *Lifecycle) ActiveVersion() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active == nil {
		return ""
	}
	return l.active.Version()
}

func (l *Lifecycle) WaitingVersion() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.waiting == nil {
		return ""
	}
	return l.waiting.Version()
}

func (l *Lifecycle) State(version string) State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.states[version]
}

// States returns a copy of every version state seen by this process.
func (l *Lifecycle) States() map[string]State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]State, len(l.states))
	for k, v := range l.states {
		out[k] = v
	}
	return out
}

func (l *Lifecycle) setState(version string, s State) {
	l.mu.Lock()
	l.states[version] = s
	l.mu.Unlock()
}

// Install captures every essential resource under version. Either all of
// them are stored and the version waits for activation, or none are and
// ErrInstallIncomplete is returned.
func (l *Lifecycle) Install(ctx context.Context, version string) error {
	l.installMu.Lock()
	defer l.installMu.Unlock()

	if l.ActiveVersion() == version {
		l.log.Info("install skipped, version already active", "version", version)
		return nil
	}

	l.log.Info("installing cache version", "version", version, "essential", len(l.manifest.Essential()))
	l.setState(version, StateInstalling)

	bucket, err := l.store.Open(ctx, version)
	if err != nil {
		l.setState(version, StateRedundant)
		installTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("install %q: %w", version, err)
	}

	if err := l.populate(ctx, bucket); err != nil {
		// no half-populated version may remain behind
		if derr := l.store.DeleteAll(context.WithoutCancel(ctx), version); derr != nil {
			l.log.Error("discarding failed install", "version", version, "error", derr)
		}
		l.mu.Lock()
		if l.waiting != nil && l.waiting.Version() == version {
			// a reinstall of the waiting version took its data with it
			l.waiting = nil
		}
		l.states[version] = StateRedundant
		l.mu.Unlock()
		installTotal.WithLabelValues("failed").Inc()
		l.log.Warn("install failed", "version", version, "error", err)
		return fmt.Errorf("%w: version %q: %v", ErrInstallIncomplete, version, err)
	}

	l.mu.Lock()
	l.waiting = bucket
	l.states[version] = StateWaiting
	l.mu.Unlock()
	installTotal.WithLabelValues("ok").Inc()
	l.log.Info("cache version installed", "version", version)

	if l.opts.SkipWaiting {
		return l.Activate(ctx)
	}
	return nil
}

func (l *Lifecycle) populate(ctx context.Context, bucket *cachestore.Bucket) error {
	ids := l.manifest.Essential()
	snaps := make([]cachestore.Snapshot, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.InstallConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			snap, err := l.fetchEssential(gctx, id)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", id.URL, err)
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, id := range ids {
		if err := bucket.Put(ctx, id, snaps[i]); err != nil {
			return err
		}
	}
	return l.store.MarkReady(ctx, bucket.Version())
}

// fetchEssential always goes to the network; an older version's cache must
// never satisfy a new install.
func (l *Lifecycle) fetchEssential(ctx context.Context, id cachestore.Identity) (cachestore.Snapshot, error) {
	if l.opts.InstallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.InstallTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, id.Method, id.URL, nil)
	if err != nil {
		return cachestore.Snapshot{}, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return cachestore.Snapshot{}, err
	}
	snap, err := readSnapshot(resp)
	if err != nil {
		return cachestore.Snapshot{}, err
	}
	if snap.Status < 200 || snap.Status >= 300 {
		return cachestore.Snapshot{}, fmt.Errorf("unexpected status %d", snap.Status)
	}
	return snap, nil
}

// Activate lets the waiting version take over immediately, without waiting
// for sessions started under the previous version, and removes every other
// version. Collection failures are logged but do not undo the activation.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.mu.Lock()
	next := l.waiting
	if next != nil && next.Dropped() {
		l.waiting = nil
		next = nil
	}
	if next == nil {
		l.mu.Unlock()
		return ErrNothingWaiting
	}
	prev := l.active
	l.active = next
	l.waiting = nil
	l.states[next.Version()] = StateActive
	if prev != nil && prev.Version() != next.Version() {
		l.states[prev.Version()] = StateSuperseded
	}
	l.mu.Unlock()

	activationsTotal.Inc()
	attrs := []any{"version", next.Version()}
	if prev != nil {
		attrs = append(attrs, "superseded", prev.Version())
	}
	l.log.Info("cache version activated", attrs...)

	if err := l.CollectGarbage(ctx); err != nil {
		l.log.Warn("garbage collection incomplete", "error", err)
	}
	if l.opts.OnActivate != nil {
		l.opts.OnActivate(next)
	}
	return nil
}

// CollectGarbage deletes every stored version except the active one, a
// waiting one and one being installed. It returns the joined deletion errors
// so callers can retry until the store converges.
func (l *Lifecycle) CollectGarbage(ctx context.Context) error {
	l.mu.RLock()
	if l.active == nil {
		l.mu.RUnlock()
		return nil
	}
	keep := map[string]struct{}{l.active.Version(): {}}
	if l.waiting != nil {
		keep[l.waiting.Version()] = struct{}{}
	}
	for v, s := range l.states {
		if s == StateInstalling {
			keep[v] = struct{}{}
		}
	}
	l.mu.RUnlock()

	versions, err := l.store.ListVersions(ctx)
	if err != nil {
		gcFailuresTotal.Inc()
		return err
	}

	var errs []error
	for _, v := range versions {
		if _, ok := keep[v]; ok {
			continue
		}
		if err := l.store.DeleteAll(ctx, v); err != nil {
			gcFailuresTotal.Inc()
			l.log.Warn("removing old cache version failed", "version", v, "error", err)
			errs = append(errs, err)
			continue
		}
		l.log.Info("removed old cache version", "version", v)
		l.mu.Lock()
		if _, seen := l.states[v]; seen {
			l.states[v] = StateSuperseded
		}
		l.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Resume brings version into service at startup. A version that already
// finished installing in an earlier run is activated without refetching.
// Otherwise it is installed; if that fails the most recently installed
// version left in the store is activated so offline starts still have a
// cache to fall back on. The install error is returned either way.
func (l *Lifecycle) Resume(ctx context.Context, version string) error {
	info, ok, err := l.store.Info(ctx, version)
	if err != nil {
		return fmt.Errorf("resume %q: %w", version, err)
	}
	if ok && info.Ready() {
		l.log.Info("resuming installed cache version", "version", version, "installed_at", info.ReadyTime())
		return l.adopt(ctx, version)
	}

	installErr := l.Install(ctx, version)
	if installErr == nil {
		if l.WaitingVersion() == version {
			return l.Activate(ctx)
		}
		return nil
	}

	fallback, ok := l.newestReady(ctx, version)
	if !ok {
		return installErr
	}
	l.log.Warn("install failed, falling back to previous cache version", "version", version, "fallback", fallback)
	if err := l.adopt(ctx, fallback); err != nil {
		return errors.Join(installErr, err)
	}
	return installErr
}

func (l *Lifecycle) adopt(ctx context.Context, version string) error {
	bucket, err := l.store.Open(ctx, version)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.waiting = bucket
	l.states[version] = StateWaiting
	l.mu.Unlock()
	return l.Activate(ctx)
}

func (l *Lifecycle) newestReady(ctx context.Context, except string) (string, bool) {
	infos, err := l.store.Versions(ctx)
	if err != nil {
		l.log.Warn("listing cache versions failed", "error", err)
		return "", false
	}
	var best cachestore.VersionInfo
	for _, info := range infos {
		if info.Name == except || !info.Ready() {
			continue
		}
		if info.ReadyAt > best.ReadyAt {
			best = info
		}
	}
	return best.Name, best.Name != ""
}
