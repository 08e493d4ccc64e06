package offline0

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"offline0/internal/cachestore"
)

// HeaderSource tells the caller how a response was produced:
// network, cache, offline, bypass or bad-gateway.
const HeaderSource = "X-Offline0"

// readSnapshot drains and closes resp.Body and captures it.
func readSnapshot(resp *http.Response) (cachestore.Snapshot, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Snapshot{}, err
	}
	return newSnapshot(resp, body), nil
}

func newSnapshot(resp *http.Response, body []byte) cachestore.Snapshot {
	snap := cachestore.Snapshot{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash64:   xxhash.Sum64(body),
	}
	snap.Header.Del("Content-Length")
	snap.Header.Del(HeaderSource)
	if resp.Request != nil && resp.Request.URL != nil {
		snap.URL = resp.Request.URL.String()
	}
	return snap
}

// storable reports whether a response may be kept for offline use.
func storable(status int, h http.Header) bool {
	if status < 200 || status >= 300 {
		return false
	}
	cc := strings.ToLower(h.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store")
}

// snapshotResponse replays snap as a response to req.
func snapshotResponse(req *http.Request, snap cachestore.Snapshot, source string) *http.Response {
	h := cloneHeader(snap.Header)
	h.Set(HeaderSource, source)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", snap.Status, http.StatusText(snap.Status)),
		StatusCode:    snap.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(snap.Body)),
		ContentLength: int64(len(snap.Body)),
		Request:       req,
	}
}

// sameHeader compares two stored header sets, ignoring key order.
func sameHeader(a, b http.Header) bool {
	return maps.EqualFunc(a, b, slices.Equal[[]string, string])
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
