package cachestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStorageUnavailable is returned when the backing medium cannot hold a
	// version namespace.
	ErrStorageUnavailable = errors.New("cache storage unavailable")

	// ErrVersionDropped is returned by writes through a handle whose version
	// was deleted.
	ErrVersionDropped = errors.New("cache version dropped")
)

// Backend is the persistent medium behind a Store.
// Implementations must be safe for concurrent use and DeleteVersion must be
// atomic: a concurrent Get sees either the old entry or nothing.
type Backend interface {
	CreateVersion(ctx context.Context, info VersionInfo) error
	Info(ctx context.Context, version string) (VersionInfo, bool, error)
	SetInfo(ctx context.Context, info VersionInfo) error
	Versions(ctx context.Context) ([]VersionInfo, error)

	Put(ctx context.Context, version, key string, snap Snapshot) error
	Get(ctx context.Context, version, key string) (Snapshot, bool, error)
	Delete(ctx context.Context, version, key string) error
	DeleteVersion(ctx context.Context, version string) error

	Usage(ctx context.Context) (Usage, error)
	Close() error
}

// Store maps each cache version to the handle that owns its entries.
type Store struct {
	backend Backend
	ram     *ramCache

	mu      sync.Mutex
	buckets map[string]*Bucket
}

// New wraps backend. ramMax bounds the in-memory front cache; zero disables it.
func New(backend Backend, ramMax int64) *Store {
	s := &Store{
		backend: backend,
		buckets: map[string]*Bucket{},
	}
	if ramMax > 0 {
		s.ram = newRAMCache(ramMax)
	}
	return s
}

func validVersion(version string) error {
	if strings.TrimSpace(version) == "" {
		return fmt.Errorf("empty cache version")
	}
	if strings.ContainsRune(version, 0) {
		return fmt.Errorf("cache version %q contains NUL", version)
	}
	return nil
}

// Open returns the handle for version, creating the namespace if needed.
func (s *Store) Open(ctx context.Context, version string) (*Bucket, error) {
	if err := validVersion(version); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[version]; ok {
		return b, nil
	}
	_, exists, err := s.backend.Info(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrStorageUnavailable, version, err)
	}
	if !exists {
		info := VersionInfo{Name: version, CreatedAt: time.Now().UnixNano()}
		if err := s.backend.CreateVersion(ctx, info); err != nil {
			return nil, fmt.Errorf("%w: create %q: %v", ErrStorageUnavailable, version, err)
		}
	}
	b := &Bucket{store: s, version: version}
	s.buckets[version] = b
	return b, nil
}

// DeleteAll removes version and every entry in it. Handles to the version
// report misses from the moment the deletion starts. Open of the same
// version waits until the backend deletion finished.
func (s *Store) DeleteAll(ctx context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[version]
	delete(s.buckets, version)

	if b != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dropped.Store(true)
	}
	if s.ram != nil {
		s.ram.DropVersion(version)
	}
	if err := s.backend.DeleteVersion(ctx, version); err != nil {
		return fmt.Errorf("delete version %q: %w", version, err)
	}
	return nil
}

// ListVersions returns the names of all versions holding data, sorted.
func (s *Store) ListVersions(ctx context.Context) ([]string, error) {
	infos, err := s.Versions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(infos))
	for _, v := range infos {
		out = append(out, v.Name)
	}
	return out, nil
}

func (s *Store) Versions(ctx context.Context) ([]VersionInfo, error) {
	infos, err := s.backend.Versions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (s *Store) Info(ctx context.Context, version string) (VersionInfo, bool, error) {
	return s.backend.Info(ctx, version)
}

// MarkReady records that version finished installing.
func (s *Store) MarkReady(ctx context.Context, version string) error {
	info, ok, err := s.backend.Info(ctx, version)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mark ready: unknown version %q", version)
	}
	info.ReadyAt = time.Now().UnixNano()
	return s.backend.SetInfo(ctx, info)
}

func (s *Store) Usage(ctx context.Context) (Usage, error) {
	u, err := s.backend.Usage(ctx)
	if err != nil {
		return Usage{}, err
	}
	if s.ram != nil {
		u.RAMBytes = s.ram.TotalSize()
	}
	return u, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Bucket is the handle to one version's namespace.
type Bucket struct {
	store   *Store
	version string

	// mu is held shared by reads and writes and exclusively by DeleteAll.
	mu      sync.RWMutex
	dropped atomic.Bool
}

func (b *Bucket) Version() string { return b.version }

// Dropped reports whether the version was deleted after this handle was opened.
func (b *Bucket) Dropped() bool { return b.dropped.Load() }

// Put stores snap under id, replacing any previous entry.
func (b *Bucket) Put(ctx context.Context, id Identity, snap Snapshot) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.dropped.Load() {
		return ErrVersionDropped
	}

	snap.Version = b.version
	if snap.URL == "" {
		snap.URL = id.URL
	}
	key := id.Key()
	if err := b.store.backend.Put(ctx, b.version, key, snap); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if b.store.ram != nil {
		b.store.ram.Put(b.version, key, snap)
	}
	return nil
}

// Get looks id up without touching the network. A miss is (zero, false, nil).
func (b *Bucket) Get(ctx context.Context, id Identity) (Snapshot, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.dropped.Load() {
		return Snapshot{}, false, nil
	}

	key := id.Key()
	if b.store.ram != nil {
		if snap, ok := b.store.ram.Get(b.version, key); ok {
			return snap, true, nil
		}
	}
	snap, ok, err := b.store.backend.Get(ctx, b.version, key)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	if b.store.ram != nil {
		b.store.ram.Put(b.version, key, snap)
	}
	return snap, true, nil
}

func (b *Bucket) Delete(ctx context.Context, id Identity) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.dropped.Load() {
		return nil
	}
	key := id.Key()
	if b.store.ram != nil {
		b.store.ram.Delete(b.version, key)
	}
	return b.store.backend.Delete(ctx, b.version, key)
}
