package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
	ws "github.com/kandev/crewhub/pkg/websocket"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testHub(t *testing.T, cfg config.HubConfig) *Hub {
	t.Helper()
	h := New(cfg, testLogger(t))
	t.Cleanup(h.Close)
	return h
}

// recv reads the next queued frame off the session buffer, bypassing the
// write pump.
func recv(t *testing.T, s *Session, timeout time.Duration) *ws.Frame {
	t.Helper()
	select {
	case data := <-s.send:
		var f ws.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return &f
	case <-time.After(timeout):
		t.Fatal("no frame within timeout")
		return nil
	}
}

func TestBroadcastCriticalDeliversImmediately(t *testing.T) {
	h := testHub(t, config.HubConfig{BatchIntervalMs: 50, BatchMaxSize: 10})
	a := h.NewSession("a", nil)
	b := h.NewSession("b", nil)

	h.Broadcast(ws.EventMessageNew, map[string]any{
		"message_id": "m1",
		"content":    "hello",
	})

	for _, s := range []*Session{a, b} {
		f := recv(t, s, 100*time.Millisecond)
		assert.Equal(t, ws.EventMessageNew, f.Event)
		assert.Equal(t, ws.CodecVersion, f.Version)

		var wire map[string]any
		require.NoError(t, json.Unmarshal(f.Data, &wire))
		assert.Equal(t, "m1", wire["mid"])
		assert.Equal(t, "hello", wire["c"])
	}

	st := h.Stats()
	assert.Equal(t, uint64(2), st.EventsSent)
	assert.Equal(t, 2, st.ActiveSessions)
}

func TestBroadcastVerbatimPayloadCarriesNoVersion(t *testing.T) {
	h := testHub(t, config.HubConfig{BatchIntervalMs: 50, BatchMaxSize: 10})
	s := h.NewSession("a", nil)

	// The metadata key "c" collides with the abbreviation for "content", so
	// the codec ships the payload verbatim and the frame carries no marker.
	h.Broadcast(ws.EventMessageNew, map[string]any{
		"message_id": "m1",
		"metadata":   map[string]any{"c": "literal"},
	})

	f := recv(t, s, 100*time.Millisecond)
	assert.Equal(t, 0, f.Version)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &wire))
	assert.Equal(t, "m1", wire["message_id"])
	meta, ok := wire["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "literal", meta["c"])
}

func TestBroadcastNonCriticalBatchesOnWindow(t *testing.T) {
	h := testHub(t, config.HubConfig{BatchIntervalMs: 20, BatchMaxSize: 10})
	s := h.NewSession("a", nil)

	for i := 0; i < 3; i++ {
		h.Broadcast(ws.EventAgentStatus, map[string]any{"status": "thinking"})
	}

	f := recv(t, s, time.Second)
	assert.Equal(t, ws.EventBatch, f.Event)

	var payload batchPayload
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.True(t, payload.Batch)
	require.Len(t, payload.Messages, 3)
	for _, m := range payload.Messages {
		assert.Equal(t, ws.EventAgentStatus, m.Event)
	}
}

func TestBatchFlushesAtCap(t *testing.T) {
	h := testHub(t, config.HubConfig{BatchIntervalMs: 10_000, BatchMaxSize: 2})
	s := h.NewSession("a", nil)

	h.Broadcast(ws.EventUserTyping, map[string]any{"channel_id": "c1"})
	h.Broadcast(ws.EventUserTyping, map[string]any{"channel_id": "c1"})

	// Cap reached: the batch must flush without waiting for the window.
	f := recv(t, s, 100*time.Millisecond)
	assert.Equal(t, ws.EventBatch, f.Event)

	var payload batchPayload
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.Len(t, payload.Messages, 2)
	assert.Equal(t, uint64(2), h.Stats().EventsSent)
}

func TestSlowSessionDropsNonCritical(t *testing.T) {
	h := testHub(t, config.HubConfig{BatchIntervalMs: 50, BatchMaxSize: 1})
	s := h.NewSession("a", nil)

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, s.trySend([]byte(`{}`)))
	}

	h.Broadcast(ws.EventAgentStatus, map[string]any{"status": "busy"})

	st := h.Stats()
	assert.Equal(t, uint64(1), st.EventsDropped)
	assert.Equal(t, 1, st.ActiveSessions)
}

func TestSlowSessionDisconnectedOnCritical(t *testing.T) {
	h := testHub(t, config.HubConfig{BatchIntervalMs: 50, BatchMaxSize: 10, CriticalSendTimeout: 1})
	s := h.NewSession("a", nil)

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, s.trySend([]byte(`{}`)))
	}

	start := time.Now()
	h.Broadcast(ws.EventMessageNew, map[string]any{"content": "x"})

	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	st := h.Stats()
	assert.Equal(t, uint64(1), st.SlowDisconnects)
	assert.Equal(t, 0, st.ActiveSessions)
}

func TestUnicast(t *testing.T) {
	h := testHub(t, config.HubConfig{BatchIntervalMs: 50, BatchMaxSize: 10})
	a := h.NewSession("a", nil)
	h.NewSession("b", nil)

	require.NoError(t, h.Unicast("a", ws.EventConnectionEstablished, map[string]any{"session_id": "a"}))

	f := recv(t, a, 100*time.Millisecond)
	assert.Equal(t, ws.EventConnectionEstablished, f.Event)

	b := h.Session("b")
	assert.Empty(t, b.send)

	assert.Error(t, h.Unicast("missing", ws.EventError, nil))
}

func TestStatsTracksReduction(t *testing.T) {
	h := testHub(t, config.HubConfig{BatchIntervalMs: 50, BatchMaxSize: 10})
	h.NewSession("a", nil)

	h.Broadcast(ws.EventMessageNew, map[string]any{
		"message_id": "m1",
		"channel_id": "c1",
		"content":    "short",
		"created_at": "2026-08-24T12:00:00.000Z",
	})

	st := h.Stats()
	assert.Greater(t, st.OriginalBytes, st.OptimizedBytes)
	assert.Greater(t, st.ReductionPercent, float64(0))
}

func TestUnregisterClosesSession(t *testing.T) {
	h := testHub(t, config.HubConfig{BatchIntervalMs: 50, BatchMaxSize: 10})
	s := h.NewSession("a", nil)

	h.Unregister("a")
	assert.Equal(t, 0, h.SessionCount())

	select {
	case <-s.closed:
	default:
		t.Fatal("session not closed")
	}
	assert.False(t, s.trySend([]byte(`{}`)))
}

func TestCriticalEventClassification(t *testing.T) {
	assert.True(t, IsCritical(ws.EventMessageNew))
	assert.True(t, IsCritical(ws.EventMessageStream))
	assert.True(t, IsCritical(ws.EventWorkflowFailed))
	assert.True(t, IsCritical(ws.EventError))
	assert.False(t, IsCritical(ws.EventAgentStatus))
	assert.False(t, IsCritical(ws.EventUserTyping))
	assert.False(t, IsCritical(ws.EventWorkflowProgress))
}
