package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evetactical/gatewatch/pkg/pipeline"
)

func decodeControl(t *testing.T, body []byte) ControlResponse {
	t.Helper()
	var resp ControlResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestStartCommand(t *testing.T) {
	t.Run("starts a stopped pipeline", func(t *testing.T) {
		fake := &fakePipeline{state: pipeline.StateStopped}
		s := newTestServer(fake)

		rec := doRequest(s, http.MethodPost, "/api/v1/control/start")
		assert.Equal(t, http.StatusOK, rec.Code)

		resp := decodeControl(t, rec.Body.Bytes())
		assert.Equal(t, "start", resp.Command)
		assert.Equal(t, outcomeStarted, resp.Outcome)
		assert.Equal(t, pipeline.StateRunning, resp.State)
	})

	t.Run("repeat start is no_change", func(t *testing.T) {
		fake := &fakePipeline{state: pipeline.StateRunning, startErr: pipeline.ErrAlreadyRunning}
		s := newTestServer(fake)

		rec := doRequest(s, http.MethodPost, "/api/v1/control/start")
		assert.Equal(t, http.StatusOK, rec.Code)

		resp := decodeControl(t, rec.Body.Bytes())
		assert.Equal(t, outcomeNoChange, resp.Outcome)
		assert.Equal(t, pipeline.StateRunning, resp.State)
	})

	t.Run("start failure is a generic 500", func(t *testing.T) {
		fake := &fakePipeline{state: pipeline.StateStopped, startErr: errors.New("sweep failed: disk full")}
		s := newTestServer(fake)

		rec := doRequest(s, http.MethodPost, "/api/v1/control/start")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "internal server error")
		assert.NotContains(t, rec.Body.String(), "disk full")
	})
}

func TestStopCommand(t *testing.T) {
	t.Run("stops a running pipeline", func(t *testing.T) {
		fake := &fakePipeline{state: pipeline.StateRunning}
		s := newTestServer(fake)

		rec := doRequest(s, http.MethodPost, "/api/v1/control/stop")
		assert.Equal(t, http.StatusOK, rec.Code)

		resp := decodeControl(t, rec.Body.Bytes())
		assert.Equal(t, "stop", resp.Command)
		assert.Equal(t, outcomeStopped, resp.Outcome)
		assert.Equal(t, pipeline.StateStopped, resp.State)
	})

	t.Run("repeat stop is no_change", func(t *testing.T) {
		fake := &fakePipeline{state: pipeline.StateStopped, stopErr: pipeline.ErrNotRunning}
		s := newTestServer(fake)

		rec := doRequest(s, http.MethodPost, "/api/v1/control/stop")
		assert.Equal(t, http.StatusOK, rec.Code)

		resp := decodeControl(t, rec.Body.Bytes())
		assert.Equal(t, outcomeNoChange, resp.Outcome)
	})
}

func TestReloadProfilesCommand(t *testing.T) {
	t.Run("returns the reload summary", func(t *testing.T) {
		fake := &fakePipeline{
			state: pipeline.StateRunning,
			reloadRes: &pipeline.ReloadResult{
				Loaded:  3,
				Enabled: 2,
				Failed:  map[string]string{"bad.yaml": "schema_version missing"},
			},
		}
		s := newTestServer(fake)

		rec := doRequest(s, http.MethodPost, "/api/v1/control/reload-profiles")
		assert.Equal(t, http.StatusOK, rec.Code)

		resp := decodeControl(t, rec.Body.Bytes())
		assert.Equal(t, "reload_profiles", resp.Command)
		assert.Equal(t, outcomeReloaded, resp.Outcome)
		require.NotNil(t, resp.Reload)
		assert.Equal(t, 3, resp.Reload.Loaded)
		assert.Equal(t, 2, resp.Reload.Enabled)
		assert.Equal(t, "schema_version missing", resp.Reload.Failed["bad.yaml"])
	})

	t.Run("conflicts while stopped", func(t *testing.T) {
		fake := &fakePipeline{state: pipeline.StateStopped, reloadErr: pipeline.ErrNotRunning}
		s := newTestServer(fake)

		rec := doRequest(s, http.MethodPost, "/api/v1/control/reload-profiles")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "not running")
	})
}

func TestBackfillCommand(t *testing.T) {
	t.Run("schedules a run", func(t *testing.T) {
		fake := &fakePipeline{state: pipeline.StateRunning}
		s := newTestServer(fake)

		rec := doRequest(s, http.MethodPost, "/api/v1/control/backfill")
		assert.Equal(t, http.StatusAccepted, rec.Code)

		resp := decodeControl(t, rec.Body.Bytes())
		assert.Equal(t, "backfill", resp.Command)
		assert.Equal(t, outcomeScheduled, resp.Outcome)
		assert.Equal(t, 1, fake.backfillCalls)
	})

	t.Run("run already in flight is no_change", func(t *testing.T) {
		fake := &fakePipeline{state: pipeline.StateRunning, backfillErr: pipeline.ErrBackfillBusy}
		s := newTestServer(fake)

		rec := doRequest(s, http.MethodPost, "/api/v1/control/backfill")
		assert.Equal(t, http.StatusOK, rec.Code)

		resp := decodeControl(t, rec.Body.Bytes())
		assert.Equal(t, outcomeNoChange, resp.Outcome)
	})

	t.Run("conflicts while stopped", func(t *testing.T) {
		fake := &fakePipeline{state: pipeline.StateStopped, backfillErr: pipeline.ErrNotRunning}
		s := newTestServer(fake)

		rec := doRequest(s, http.MethodPost, "/api/v1/control/backfill")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}
