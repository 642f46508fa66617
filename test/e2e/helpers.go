package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// Control posts a command to /api/v1/control/:command and returns the parsed
// response body.
func (app *TestApp) Control(t *testing.T, command string, expectedStatus int) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/api/v1/control/"+command, expectedStatus)
}

// GetStatus calls GET /api/v1/status and returns the snapshot.
func (app *TestApp) GetStatus(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/api/v1/status", http.StatusOK)
}

// GetHealthz calls GET /healthz expecting the given status code.
func (app *TestApp) GetHealthz(t *testing.T, expectedStatus int) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/healthz", expectedStatus)
}

func (app *TestApp) postJSON(t *testing.T, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// ────────────────────────────────────────────────────────────
// Polling Helpers
// ────────────────────────────────────────────────────────────

// WaitForStatus polls GET /api/v1/status until the predicate holds.
func (app *TestApp) WaitForStatus(t *testing.T, predicate func(map[string]interface{}) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+"/api/v1/status", nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var st map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false
		}
		return predicate(st)
	}, 10*time.Second, 25*time.Millisecond, msg)
}

// WaitForHealthy polls GET /healthz until the instance reports 200.
func (app *TestApp) WaitForHealthy(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(app.BaseURL + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 25*time.Millisecond, "instance never became healthy")
}

// WaitForDeliveries blocks until the webhook sink has received n payloads.
func (app *TestApp) WaitForDeliveries(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return app.Webhook.Count() >= n
	}, 10*time.Second, 10*time.Millisecond,
		"expected %d webhook deliveries, last saw %d", n, app.Webhook.Count())
}

// WaitForKills polls the store until it holds n enriched kills.
func (app *TestApp) WaitForKills(t *testing.T, n int64) {
	t.Helper()
	var last int64
	require.Eventually(t, func() bool {
		count, err := app.Store.CountKills(context.Background())
		if err != nil {
			return false // transient store error, let Eventually retry
		}
		last = count
		return count >= n
	}, 10*time.Second, 25*time.Millisecond,
		"expected %d stored kills, last saw %d", n, last)
}

// ────────────────────────────────────────────────────────────
// JSON Field Helpers
// ────────────────────────────────────────────────────────────

// subMap extracts a nested JSON object field, failing the test if it is
// missing or the wrong shape.
func subMap(t *testing.T, m map[string]interface{}, key string) map[string]interface{} {
	t.Helper()
	sub, ok := m[key].(map[string]interface{})
	require.True(t, ok, "field %q missing or not an object (got %T)", key, m[key])
	return sub
}

// toInt converts a JSON-decoded numeric value (typically float64) to int.
// Returns 0 if the value is nil or not a recognized numeric type.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case float32:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// containsString reports whether a JSON-decoded string array holds want.
func containsString(list interface{}, want string) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, it := range items {
		if s, ok := it.(string); ok && s == want {
			return true
		}
	}
	return false
}

// stringList formats a JSON-decoded array for failure messages.
func stringList(list interface{}) string {
	return fmt.Sprintf("%v", list)
}
