package offline0

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
server:
  origin: https://app.example.com/
cache:
  version: v1.0.0
  essential: ["/", "/offline/"]
  offlinePage: /offline/
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://app.example.com", cfg.Server.Origin)
	assert.Equal(t, "leveldb", cfg.Storage.Kind)
	assert.Equal(t, int64(64_000_000), cfg.RAMMaxBytes())
	assert.Equal(t, 30*time.Second, cfg.InstallTimeout())
	assert.Zero(t, cfg.FetchHeaderTimeout(), "only the transport bounds the network leg by default")
	assert.Equal(t, int64(32<<20), cfg.FetchMaxBodyBytes())
	assert.Equal(t, 4, cfg.Lifecycle.InstallConcurrency)
	assert.Equal(t, 32, cfg.Fetch.WriteBehindWorkers)
	assert.Equal(t, "/", cfg.Background.OpenURL)
	assert.Equal(t, []int{200, 100, 200}, cfg.Background.Push.Vibrate)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)
	assert.Zero(t, cfg.LogStatsEvery())
	assert.Zero(t, cfg.PrewarmEvery())
}

func TestParseConfigFull(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  port: 9090
  origin: https://app.example.com
storage:
  kind: memory
  ram:
    max: 1MiB
cache:
  version: v2
  allowHosts: [cdn.jsdelivr.net]
lifecycle:
  skipWaiting: true
  installTimeout: 5s
fetch:
  headerTimeout: 2s
  maxBodyBytes: 0
background:
  sync:
    maxAttempts: 3
    endpoints:
      outbox: /api/sync
  push:
    title: Blockline
    actions:
      - action: open
        title: Open
      - action: dismiss
        title: Dismiss
prewarm:
  sitemaps: [/sitemap.xml]
  initialDelay: 1s
  every: 1h
logging:
  logStatsEvery: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, int64(1<<20), cfg.RAMMaxBytes())
	assert.True(t, cfg.Lifecycle.SkipWaiting)
	assert.Equal(t, 5*time.Second, cfg.InstallTimeout())
	assert.Equal(t, 2*time.Second, cfg.FetchHeaderTimeout())
	assert.Zero(t, cfg.FetchMaxBodyBytes())
	assert.Equal(t, 3, cfg.Background.Sync.MaxAttempts)
	assert.Equal(t, "/api/sync", cfg.Background.Sync.Endpoints["outbox"])
	require.Len(t, cfg.Background.Push.Actions, 2)
	assert.Equal(t, "dismiss", cfg.Background.Push.Actions[1].Action)
	assert.Equal(t, time.Second, cfg.PrewarmInitialDelay())
	assert.Equal(t, time.Hour, cfg.PrewarmEvery())
	assert.Equal(t, time.Minute, cfg.LogStatsEvery())
}

func TestParseConfigEnvOverrides(t *testing.T) {
	t.Setenv("OFFLINE0_CACHE_VERSION", "v9")
	t.Setenv("OFFLINE0_PORT", "7000")
	t.Setenv("OFFLINE0_STORAGE_KIND", "memory")
	t.Setenv("OFFLINE0_ALLOW_HOSTS", "cdn.tailwindcss.com,cdn.jsdelivr.net")

	cfg, err := ParseConfig([]byte(minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "v9", cfg.Cache.Version)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Kind)
	assert.Equal(t, []string{"cdn.tailwindcss.com", "cdn.jsdelivr.net"}, cfg.Cache.AllowHosts)
}

func TestParseConfigRejects(t *testing.T) {
	cases := map[string]string{
		"missing origin":    "cache:\n  version: v1\n",
		"missing version":   "server:\n  origin: https://a.example\n",
		"bad storage kind":  minimalConfig + "storage:\n  kind: s3\n",
		"redis without url": minimalConfig + "storage:\n  kind: redis\n",
		"bad log format":    minimalConfig + "logging:\n  format: xml\n",
		"bad duration":      minimalConfig + "fetch:\n  headerTimeout: soon\n",
		"bad body cap":      minimalConfig + "fetch:\n  maxBodyBytes: huge\n",
		"bad ram size":      minimalConfig + "storage:\n  ram:\n    max: lots\n",
		"negative attempts": minimalConfig + "background:\n  sync:\n    maxAttempts: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}
