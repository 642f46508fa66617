package e2e

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// ────────────────────────────────────────────────────────────
// Kill flow — poll → enrich → store → evaluate → deliver.
// ────────────────────────────────────────────────────────────

func TestE2E_KillAlertFlow(t *testing.T) {
	killTime := time.Now().UTC().Add(-time.Minute)
	app := NewTestApp(t, WithKillmails(map[int64]time.Time{9001: killTime}))

	// Feed one high-value kill through the long-poll source.
	app.Source.Push(KillPackage(9001, "abc", 2_500_000_000))

	// It comes out the other end as a webhook delivery.
	app.WaitForDeliveries(t, 1)
	assert.Contains(t, app.Webhook.Last(), "zkillboard.com/kill/9001/")
	assert.Contains(t, app.Webhook.Last(), "High-value kill")

	app.WaitForKills(t, 1)
	app.WaitForHealthy(t)

	// The status snapshot over HTTP reflects every hop. Counters trail the
	// delivery by a beat, so wait for both before pinning the snapshot.
	app.WaitForStatus(t, func(st map[string]interface{}) bool {
		ingest, _ := st["ingest"].(map[string]interface{})
		webhooks, _ := st["webhooks"].(map[string]interface{})
		hunters, _ := webhooks["hunters"].(map[string]interface{})
		return ingest != nil && toInt(ingest["processed"]) == 1 &&
			hunters != nil && toInt(hunters["sent"]) == 1
	}, "enrichment and delivery counters never settled")

	st := app.GetStatus(t)
	assert.Equal(t, "running", st["state"])
	assert.Equal(t, "e2e-test", st["queue_id"])
	assert.Equal(t, 1, toInt(st["profiles_loaded"]))
	assert.False(t, st["data_stale"].(bool))

	source := subMap(t, st, "source")
	assert.Positive(t, toInt(source["polls"]))
	assert.Equal(t, 1, toInt(source["kills"]))

	store := subMap(t, st, "store")
	assert.Equal(t, "healthy", store["status"])
	assert.Equal(t, 1, toInt(store["kills"]))

	webhooks := subMap(t, st, "webhooks")
	hunters := subMap(t, webhooks, "hunters")
	assert.Equal(t, 1, toInt(hunters["sent"]))
	assert.Equal(t, 0, toInt(hunters["failed"]))
}

func TestE2E_SurvivesRestartWithoutReplay(t *testing.T) {
	killTime := time.Now().UTC().Add(-time.Minute)
	app := NewTestApp(t, WithKillmails(map[int64]time.Time{9002: killTime}))

	app.Source.Push(KillPackage(9002, "def", 2_500_000_000))
	app.WaitForDeliveries(t, 1)
	app.WaitForKills(t, 1)

	// Bounce the pipeline through the control API.
	app.Control(t, "stop", http.StatusOK)
	app.Control(t, "start", http.StatusOK)
	app.WaitForHealthy(t)

	// The same ref arriving again is a duplicate: stored once, alerted once.
	app.Source.Push(KillPackage(9002, "def", 2_500_000_000))
	app.WaitForStatus(t, func(st map[string]interface{}) bool {
		ingest, _ := st["ingest"].(map[string]interface{})
		if ingest == nil {
			return false
		}
		return toInt(ingest["processed"])+toInt(ingest["duplicates"]) >= 1
	}, "restarted pipeline never ingested the replayed ref")

	app.WaitForKills(t, 1)
	assert.Equal(t, 1, app.Webhook.Count())
}
