package offline0

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPSyncer synchronizes a tag by POSTing to an origin endpoint. Any 2xx
// answer counts as done.
type HTTPSyncer struct {
	Client   *http.Client
	Endpoint string
}

func (s HTTPSyncer) Sync(ctx context.Context, tag string) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("X-Offline0-Sync-Tag", tag)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// registerSyncEndpoints wires one HTTPSyncer per configured tag.
func registerSyncEndpoints(q *SyncQueue, m *Manifest, client *http.Client, endpoints map[string]string) error {
	for tag, loc := range endpoints {
		id, err := m.Resolve(loc)
		if err != nil {
			return fmt.Errorf("background.sync.endpoints[%s]: %w", tag, err)
		}
		q.Register(tag, HTTPSyncer{Client: client, Endpoint: id.URL})
	}
	return nil
}
