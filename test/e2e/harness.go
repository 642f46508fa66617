// Package e2e provides end-to-end test infrastructure for the gatewatch
// pipeline: a full instance booted against fake upstreams, driven over HTTP.
package e2e

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evetactical/gatewatch/pkg/api"
	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/database"
	"github.com/evetactical/gatewatch/pkg/pipeline"
	"github.com/evetactical/gatewatch/pkg/refdata"
)

// TestApp boots a complete gatewatch instance for e2e testing.
type TestApp struct {
	// Core
	Config *config.Config
	Store  *database.Client

	// Pipeline under test
	Orchestrator *pipeline.Orchestrator
	Server       *api.Server

	// Fake upstreams
	Source  *FakeSource
	Webhook *WebhookSink

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	queueID         string
	backfillEnabled bool
	killTimes       map[int64]time.Time
	startPipeline   bool
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithQueueID overrides the default upstream queue identity.
func WithQueueID(id string) TestAppOption {
	return func(c *testAppConfig) { c.queueID = id }
}

// WithBackfillEnabled turns on the startup/manual backfill service.
func WithBackfillEnabled() TestAppOption {
	return func(c *testAppConfig) { c.backfillEnabled = true }
}

// WithKillmails sets the killmails the fake game API and the fake history
// archive can serve, keyed by killmail ID.
func WithKillmails(kills map[int64]time.Time) TestAppOption {
	return func(c *testAppConfig) { c.killTimes = kills }
}

// WithStoppedPipeline boots the instance without starting the pipeline,
// leaving the first start to the control API.
func WithStoppedPipeline() TestAppOption {
	return func(c *testAppConfig) { c.startPipeline = false }
}

// NewTestApp creates and starts a full gatewatch test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	// Apply options.
	tc := &testAppConfig{
		queueID:       "e2e-test",
		startPipeline: true,
	}
	for _, opt := range opts {
		opt(tc)
	}

	// 1. Fake upstreams: long-poll source, game API, history archive, and the
	// webhook endpoint alerts land on.
	source := NewFakeSource()
	sourceSrv := httptest.NewServer(source.Handler())
	t.Cleanup(sourceSrv.Close)

	esiSrv := httptest.NewServer(killmailDetailHandler(tc.killTimes))
	t.Cleanup(esiSrv.Close)

	historySrv := httptest.NewServer(historyHandler(tc.killTimes))
	t.Cleanup(historySrv.Close)

	sink := NewWebhookSink()
	webhookSrv := httptest.NewServer(sink.Handler())
	t.Cleanup(webhookSrv.Close)

	// 2. Instance root: project marker plus one profile bound to the sink.
	root := t.TempDir()
	instance := instanceYAML(tc.queueID, sourceSrv.URL, esiSrv.URL, historySrv.URL, tc.backfillEnabled)
	require.NoError(t, os.WriteFile(filepath.Join(root, config.MarkerFile), []byte(instance), 0o644))

	profilesDir := filepath.Join(root, "profiles")
	require.NoError(t, os.MkdirAll(profilesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(profilesDir, "hunters.yaml"),
		[]byte(ProfileYAML("hunters", webhookSrv.URL)), 0o644))

	// 3. Configuration.
	ctx := context.Background()
	cfg, err := config.Initialize(ctx, root)
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDataDir())

	// 4. Event store at the instance's real data path.
	store, err := database.NewClient(ctx, database.Options{
		Path:             cfg.StorePath(),
		KillRetention:    cfg.Retention.Kills,
		FindingRetention: cfg.Retention.Findings,
		AlertRetention:   cfg.Retention.Alerts,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// 5. Lookup tables.
	tables, err := refdata.Load()
	require.NoError(t, err)

	// 6. Orchestrator.
	orch := pipeline.New(pipeline.Options{
		Config: cfg,
		Store:  store,
		Tables: tables,
		Logger: slog.Default(),
	})
	if tc.startPipeline {
		require.NoError(t, orch.Start(ctx))
	}

	// 7. Control/health API on a random port.
	server := api.NewServer(api.Options{
		Addr:     "127.0.0.1:0",
		Pipeline: orch,
		Logger:   slog.Default(),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.StartWithListener(ln)
	}()

	app := &TestApp{
		Config:       cfg,
		Store:        store,
		Orchestrator: orch,
		Server:       server,
		Source:       source,
		Webhook:      sink,
		BaseURL:      fmt.Sprintf("http://%s", ln.Addr().String()),
		t:            t,
	}

	// Register cleanup in reverse-creation order: drain the pipeline first,
	// then stop the HTTP server. The store closes via its own cleanup.
	t.Cleanup(func() {
		if orch.State() != pipeline.StateStopped {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = orch.Stop(stopCtx)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	return app
}

// instanceYAML renders the project marker for a test instance. Timings are
// compressed so polls, retries, and drains settle within test deadlines.
func instanceYAML(queueID, sourceURL, esiURL, historyURL string, backfillEnabled bool) string {
	return fmt.Sprintf(`
queue_id: %s
source:
  base_url: %s
  ttw: 1
  backoff_initial: 10ms
  backoff_max: 50ms
  request_timeout: 2s
enrichment:
  base_url: %s
  workers: 2
  requests_per_second: 1000
  queue_capacity: 100
  request_timeout: 2s
history:
  base_url: %s
  requests_per_second: 1000
  request_timeout: 2s
backfill:
  enabled: %v
dispatcher:
  requests_per_second: 1000
  retry_delay: 10ms
  drain_timeout: 2s
`, queueID, sourceURL, esiURL, historyURL, backfillEnabled)
}

// ProfileYAML renders a minimal notification profile that alerts on any kill
// in The Forge worth more than a million ISK.
func ProfileYAML(name, webhookURL string) string {
	return fmt.Sprintf(`
schema_version: 2
name: %s
enabled: true
webhook_url: %s
triggers:
  high_value_threshold: 1000000
location_scope: [10000002]
`, name, webhookURL)
}

// killmailDetailHandler serves GET /latest/killmails/:id/:hash for every
// killmail in kills, placing each in The Forge with a fixed crew.
func killmailDetailHandler(kills map[int64]time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var id int64
		var hash string
		if _, err := fmt.Sscanf(r.URL.Path, "/latest/killmails/%d/%s", &id, &hash); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		at, ok := kills[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(KillmailJSON(id, at)))
	}
}

// historyHandler serves the day-one page of the archive listing for The
// Forge with every killmail in kills; all other pages are empty.
func historyHandler(kills map[int64]time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/regionID/10000002/page/1/" && len(kills) > 0 {
			rows := ""
			for id := range kills {
				if rows != "" {
					rows += ","
				}
				rows += fmt.Sprintf(`{"killmail_id": %d, "zkb": {"hash": "h%d", "totalValue": 2500000000}}`, id, id)
			}
			_, _ = w.Write([]byte("[" + rows + "]"))
			return
		}
		_, _ = w.Write([]byte("[]"))
	}
}
