// Package cachestore keeps versioned snapshots of HTTP responses.
//
// Every cache version owns its own namespace. Entries never move between
// versions; a superseded version is removed wholesale with DeleteAll.
package cachestore

import (
	"net/http"
	"strings"
	"time"
)

// Identity is the cache key of an entry: request method plus absolute URL,
// query string included.
type Identity struct {
	Method string
	URL    string
}

func NewIdentity(method, rawURL string) Identity {
	if method == "" {
		method = http.MethodGet
	}
	return Identity{Method: strings.ToUpper(method), URL: rawURL}
}

// IdentityOf returns the identity of r.
func IdentityOf(r *http.Request) Identity {
	return NewIdentity(r.Method, r.URL.String())
}

func (id Identity) Key() string { return id.Method + " " + id.URL }

func (id Identity) String() string { return id.Key() }

// Snapshot is an immutable capture of a successful response.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash64   uint64

	// Version is the cache version the snapshot was written under.
	Version string
	URL     string
}

func (s Snapshot) size() int64 {
	n := int64(len(s.Body)) + int64(len(s.URL)) + int64(len(s.Version))
	for k, vs := range s.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// VersionInfo is the metadata kept for every cache version.
type VersionInfo struct {
	Name      string
	CreatedAt int64 // unix nanoseconds
	// ReadyAt is set once the install that created the version completed.
	ReadyAt int64
}

func (v VersionInfo) Ready() bool { return v.ReadyAt != 0 }

func (v VersionInfo) ReadyTime() time.Time {
	if v.ReadyAt == 0 {
		return time.Time{}
	}
	return time.Unix(0, v.ReadyAt).UTC()
}

// Usage reports what a store currently holds.
type Usage struct {
	Versions  int
	Entries   int
	DiskBytes int64
	RAMBytes  int64
}
