package e2e

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ────────────────────────────────────────────────────────────
// Fake long-poll source
// ────────────────────────────────────────────────────────────

// FakeSource is a long-poll stand-in: each poll pops one queued payload and
// everything after that is an empty package.
type FakeSource struct {
	mu       sync.Mutex
	payloads []string
	polls    atomic.Int64
}

// NewFakeSource creates an empty source.
func NewFakeSource() *FakeSource {
	return &FakeSource{}
}

// Push queues a raw payload for the next poll.
func (s *FakeSource) Push(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
}

// Polls returns how many times the endpoint has been hit.
func (s *FakeSource) Polls() int64 {
	return s.polls.Load()
}

// Handler returns the HTTP handler the listener polls.
func (s *FakeSource) Handler() http.HandlerFunc {
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

// ────────────────────────────────────────────────────────────
// Webhook sink
// ────────────────────────────────────────────────────────────

// WebhookSink records delivered alert payloads.
type WebhookSink struct {
	mu     sync.Mutex
	bodies []string
}

// NewWebhookSink creates an empty sink.
func NewWebhookSink() *WebhookSink {
	return &WebhookSink{}
}

// Handler returns the HTTP handler the dispatcher posts to.
func (ws *WebhookSink) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ws.mu.Lock()
		ws.bodies = append(ws.bodies, string(body))
		ws.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

// Count returns the number of deliveries received so far.
func (ws *WebhookSink) Count() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.bodies)
}

// Last returns the most recent delivery body, or "" if none arrived.
func (ws *WebhookSink) Last() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.bodies) == 0 {
		return ""
	}
	return ws.bodies[len(ws.bodies)-1]
}

// ────────────────────────────────────────────────────────────
// Payload builders
// ────────────────────────────────────────────────────────────

// KillPackage renders a modern id+hash long-poll payload.
func KillPackage(id int64, hash string, value float64) string {
	return fmt.Sprintf(`{"package":{"killID":%d,"zkb":{"hash":%q,"totalValue":%g}}}`, id, hash, value)
}

// KillmailJSON renders a full killmail detail document: one victim in The
// Forge, one attacker with the final blow.
func KillmailJSON(id int64, at time.Time) string {
	return fmt.Sprintf(`{
		"killmail_id": %d,
		"killmail_time": %q,
		"solar_system_id": 30000142,
		"victim": {"corporation_id": 98000001, "ship_type_id": 602},
		"attackers": [{"corporation_id": 98000002, "ship_type_id": 11999, "final_blow": true}]
	}`, id, at.UTC().Format(time.RFC3339))
}
