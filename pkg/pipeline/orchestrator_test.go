package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/database"
	"github.com/evetactical/gatewatch/pkg/refdata"
)

// fakeSource is a long-poll stand-in: each poll pops one queued payload and
// everything after that is an empty package.
type fakeSource struct {
	mu       sync.Mutex
	payloads []string
	polls    atomic.Int32
}

func (s *fakeSource) push(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
}

func (s *fakeSource) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.polls.Add(1)
		s.mu.Lock()
		var payload string
		if len(s.payloads) > 0 {
			payload = s.payloads[0]
			s.payloads = s.payloads[1:]
		}
		s.mu.Unlock()
		if payload == "" {
			payload = `{"package":null}`
		}
		_, _ = w.Write([]byte(payload))
	}
}

func killPackage(id int64, hash string, value float64) string {
	return fmt.Sprintf(`{"package":{"killID":%d,"zkb":{"hash":%q,"totalValue":%g}}}`, id, hash, value)
}

func killmailJSON(id int64, at time.Time) string {
	return fmt.Sprintf(`{
		"killmail_id": %d,
		"killmail_time": %q,
		"solar_system_id": 30000142,
		"victim": {"corporation_id": 98000001, "ship_type_id": 602},
		"attackers": [{"corporation_id": 98000002, "ship_type_id": 11999, "final_blow": true}]
	}`, id, at.UTC().Format(time.RFC3339))
}

// webhookSink records delivered alert payloads.
type webhookSink struct {
	mu     sync.Mutex
	bodies []string
}

func (ws *webhookSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ws.mu.Lock()
		ws.bodies = append(ws.bodies, string(body))
		ws.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (ws *webhookSink) count() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.bodies)
}

func (ws *webhookSink) last() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.bodies) == 0 {
		return ""
	}
	return ws.bodies[len(ws.bodies)-1]
}

type harness struct {
	orch    *Orchestrator
	store   *database.Client
	cfg     *config.Config
	source  *fakeSource
	webhook *webhookSink
	root    string
}

func profileYAML(name, webhookURL string) string {
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

// newHarness stands up the full pipeline against httptest fakes. ESI serves
// any killmail id at the given time in The Forge.
func newHarness(t *testing.T, backfillEnabled bool, killTimes map[int64]time.Time) *harness {
	t.Helper()

	source := &fakeSource{}
	sourceSrv := httptest.NewServer(source.handler())
	t.Cleanup(sourceSrv.Close)

	esiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id int64
		var hash string
		_, err := fmt.Sscanf(r.URL.Path, "/latest/killmails/%d/%s", &id, &hash)
		require.NoError(t, err)
		at, ok := killTimes[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(killmailJSON(id, at)))
	}))
	t.Cleanup(esiSrv.Close)

	historySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/regionID/10000002/page/1/" && len(killTimes) > 0 {
			rows := ""
			for id := range killTimes {
				if rows != "" {
					rows += ","
				}
				rows += fmt.Sprintf(`{"killmail_id": %d, "zkb": {"hash": "h%d", "totalValue": 2500000000}}`, id, id)
			}
			_, _ = w.Write([]byte("[" + rows + "]"))
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))
	t.Cleanup(historySrv.Close)

	sink := &webhookSink{}
	webhookSrv := httptest.NewServer(sink.handler())
	t.Cleanup(webhookSrv.Close)

	root := t.TempDir()
	instance := fmt.Sprintf(`
queue_id: pipe-test
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
`, sourceSrv.URL, esiSrv.URL, historySrv.URL, backfillEnabled)
	require.NoError(t, os.WriteFile(filepath.Join(root, config.MarkerFile), []byte(instance), 0o644))

	profilesDir := filepath.Join(root, "profiles")
	require.NoError(t, os.MkdirAll(profilesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(profilesDir, "hunters.yaml"),
		[]byte(profileYAML("hunters", webhookSrv.URL)), 0o644))

	cfg, err := config.Initialize(context.Background(), root)
	require.NoError(t, err)

	store, err := database.NewClient(context.Background(), database.Options{
		Path:             filepath.Join(t.TempDir(), "gatewatch.db"),
		KillRetention:    cfg.Retention.Kills,
		FindingRetention: cfg.Retention.Findings,
		AlertRetention:   cfg.Retention.Alerts,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tables, err := refdata.Load()
	require.NoError(t, err)

	orch := New(Options{
		Config: cfg,
		Store:  store,
		Tables: tables,
		Logger: slog.Default(),
	})
	t.Cleanup(func() {
		if orch.State() == StateRunning {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = orch.Stop(ctx)
		}
	})

	return &harness{
		orch:    orch,
		store:   store,
		cfg:     cfg,
		source:  source,
		webhook: sink,
		root:    root,
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	require.NoError(t, h.orch.Start(ctx))
	assert.Equal(t, StateRunning, h.orch.State())
	assert.ErrorIs(t, h.orch.Start(ctx), ErrAlreadyRunning)

	// Healthy once the first poll lands.
	require.Eventually(t, func() bool {
		ok, _ := h.orch.Healthy(ctx)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.orch.Stop(ctx))
	assert.Equal(t, StateStopped, h.orch.State())
	assert.ErrorIs(t, h.orch.Stop(ctx), ErrNotRunning)

	// A stopped pipeline starts cleanly again.
	require.NoError(t, h.orch.Start(ctx))
	assert.Equal(t, StateRunning, h.orch.State())
	require.NoError(t, h.orch.Stop(ctx))
}

func TestKillFlowsThroughToWebhook(t *testing.T) {
	killTime := time.Now().UTC().Add(-time.Minute)
	h := newHarness(t, false, map[int64]time.Time{301: killTime})
	ctx := context.Background()

	h.source.push(killPackage(301, "abc", 2_500_000_000))
	require.NoError(t, h.orch.Start(ctx))

	require.Eventually(t, func() bool {
		return h.webhook.count() == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.webhook.last(), "zkillboard.com/kill/301/")

	n, err := h.store.CountKills(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st := h.orch.Status(ctx)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1, st.ProfilesLoaded)
	require.NotNil(t, st.Source)
	assert.NotZero(t, st.Source.Polls)
	require.NotNil(t, st.Ingest)
	assert.Equal(t, uint64(1), st.Ingest.Processed)
	require.NotNil(t, st.Store)
	assert.Equal(t, int64(1), st.Store.Kills)
}

func TestStatusWhileStopped(t *testing.T) {
	h := newHarness(t, false, nil)

	st := h.orch.Status(context.Background())
	assert.Equal(t, StateStopped, st.State)
	assert.Nil(t, st.Source)
	assert.Nil(t, st.Ingest)
	assert.False(t, st.DataStale)
	require.NotNil(t, st.Store)
	assert.Equal(t, "healthy", st.Store.Status)
}

func TestControlsRequireRunningPipeline(t *testing.T) {
	h := newHarness(t, false, nil)

	_, err := h.orch.ReloadProfiles()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, h.orch.BackfillNow(), ErrNotRunning)
	assert.ErrorIs(t, h.orch.Stop(context.Background()), ErrNotRunning)

	ok, reasons := h.orch.Healthy(context.Background())
	assert.False(t, ok)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "stopped")
}

func TestReloadProfilesPicksUpNewFiles(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	require.NoError(t, h.orch.Start(ctx))

	res, err := h.orch.ReloadProfiles()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Loaded)

	second := profileYAML("scouts", "https://hooks.example.test/wh/scouts")
	require.NoError(t, os.WriteFile(
		filepath.Join(h.cfg.ProfilesDir(), "scouts.yaml"), []byte(second), 0o644))

	res, err = h.orch.ReloadProfiles()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Loaded)
	assert.Equal(t, 2, res.Enabled)
	assert.Empty(t, res.Failed)

	require.NoError(t, h.orch.Stop(ctx))
}

func TestStartupBackfillRecoversGap(t *testing.T) {
	killTime := time.Now().UTC().Add(-30 * time.Minute)
	h := newHarness(t, true, map[int64]time.Time{401: killTime})
	ctx := context.Background()

	// A cursor four hours behind trips the gate.
	require.NoError(t, h.store.AdvanceCursor(ctx, "pipe-test",
		time.Now().UTC().Add(-4*time.Hour), time.Now().UTC().Add(-4*time.Hour)))

	require.NoError(t, h.orch.Start(ctx))

	require.Eventually(t, func() bool {
		st := h.orch.Status(ctx)
		return st.Backfill != nil && st.Backfill.Ran
	}, 10*time.Second, 10*time.Millisecond)

	st := h.orch.Status(ctx)
	assert.Equal(t, 1, st.Backfill.Inserted)
	assert.Equal(t, []int64{10000002}, st.Backfill.Regions)

	// Recovered kills re-enter through the store only; no alert fires.
	assert.Zero(t, h.webhook.count())
}

func TestBackfillNowHonorsDisabledConfig(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	require.NoError(t, h.orch.Start(ctx))
	require.NoError(t, h.orch.BackfillNow())

	// The enabled flag is a kill switch for manual runs too; the run still
	// records why it did nothing.
	require.Eventually(t, func() bool {
		st := h.orch.Status(ctx)
		return st.Backfill != nil && st.Backfill.Reason == "disabled"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBackfillNowRunsOnDemand(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	require.NoError(t, h.orch.Start(ctx))

	// The startup run has nothing to anchor on in a fresh store.
	require.Eventually(t, func() bool {
		st := h.orch.Status(ctx)
		return st.Backfill != nil && !st.Backfill.Ran
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.store.AdvanceCursor(ctx, "pipe-test",
		time.Now().UTC().Add(-4*time.Hour), time.Now().UTC().Add(-4*time.Hour)))
	require.NoError(t, h.orch.BackfillNow())

	require.Eventually(t, func() bool {
		st := h.orch.Status(ctx)
		return st.Backfill != nil && st.Backfill.Ran
	}, 5*time.Second, 10*time.Millisecond)
}
