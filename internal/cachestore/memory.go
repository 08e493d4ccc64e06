package cachestore

import (
	"context"
	"sync"
)

type memVersion struct {
	info    VersionInfo
	entries map[string]Snapshot
}

// Memory is a Backend that lives only as long as the process.
type Memory struct {
	mu       sync.RWMutex
	versions map[string]*memVersion
}

func NewMemory() *Memory {
	return &Memory{versions: map[string]*memVersion{}}
}

func (m *Memory) CreateVersion(_ context.Context, info VersionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[info.Name]; !ok {
		m.versions[info.Name] = &memVersion{info: info, entries: map[string]Snapshot{}}
	}
	return nil
}

func (m *Memory) SetInfo(_ context.Context, info VersionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[info.Name]
	if !ok {
		v = &memVersion{entries: map[string]Snapshot{}}
		m.versions[info.Name] = v
	}
	v.info = info
	return nil
}

func (m *Memory) Info(_ context.Context, version string) (VersionInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[version]
	if !ok {
		return VersionInfo{}, false, nil
	}
	return v.info, true, nil
}

func (m *Memory) Versions(_ context.Context) ([]VersionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VersionInfo, 0, len(m.versions))
	for _, v := range m.versions {
		out = append(out, v.info)
	}
	return out, nil
}

func (m *Memory) Put(_ context.Context, version, key string, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[version]
	if !ok {
		v = &memVersion{info: VersionInfo{Name: version}, entries: map[string]Snapshot{}}
		m.versions[version] = v
	}
	v.entries[key] = cloneSnapshot(snap)
	return nil
}

func (m *Memory) Get(_ context.Context, version, key string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[version]
	if !ok {
		return Snapshot{}, false, nil
	}
	snap, ok := v.entries[key]
	if !ok {
		return Snapshot{}, false, nil
	}
	return cloneSnapshot(snap), true, nil
}

func (m *Memory) Delete(_ context.Context, version, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.versions[version]; ok {
		delete(v.entries, key)
	}
	return nil
}

func (m *Memory) DeleteVersion(_ context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.versions, version)
	return nil
}

func (m *Memory) Usage(_ context.Context) (Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u := Usage{Versions: len(m.versions)}
	for _, v := range m.versions {
		u.Entries += len(v.entries)
		for _, s := range v.entries {
			u.DiskBytes += s.size()
		}
	}
	return u, nil
}

func (m *Memory) Close() error { return nil }

// cloneSnapshot copies the mutable parts so callers can't reach into the store.
func cloneSnapshot(s Snapshot) Snapshot {
	out := s
	if s.Header != nil {
		out.Header = s.Header.Clone()
	}
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	return out
}
