// Package hub fans server events out to connected WebSocket sessions. Every
// outbound payload passes through the codec once per broadcast; non-critical
// events coalesce into per-session batch frames, critical events go out
// immediately and are never dropped while the session is healthy.
package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/hub/codec"
	ws "github.com/kandev/crewhub/pkg/websocket"
)

var errSessionStalled = errors.New("hub: session send buffer stalled")

// criticalEvents must reach the client intact and in order: chat content,
// lifecycle transitions, and errors. Everything else may be batched and, under
// backpressure, dropped.
var criticalEvents = map[string]bool{
	ws.EventConnectionEstablished: true,
	ws.EventMessageNew:            true,
	ws.EventMessageStream:         true,
	ws.EventMessageUpdate:         true,
	ws.EventContextCleared:        true,
	ws.EventError:                 true,
	ws.EventWorkflowCreated:       true,
	ws.EventWorkflowPlanReady:     true,
	ws.EventWorkflowStarted:       true,
	ws.EventWorkflowCompleted:     true,
	ws.EventWorkflowFailed:        true,
	ws.EventWorkflowCancelled:     true,
	ws.EventWorkflowTaskFailed:    true,
}

// IsCritical reports whether the event bypasses batching and backpressure
// drops.
func IsCritical(event string) bool {
	return criticalEvents[event]
}

// Stats is a point-in-time snapshot of hub traffic counters.
type Stats struct {
	ActiveSessions   int     `json:"active_sessions"`
	EventsSent       uint64  `json:"events_sent"`
	EventsDropped    uint64  `json:"events_dropped"`
	OriginalBytes    uint64  `json:"original_bytes"`
	OptimizedBytes   uint64  `json:"optimized_bytes"`
	CompressedCount  uint64  `json:"compressed_count"`
	SlowDisconnects  uint64  `json:"slow_disconnects"`
	ReductionPercent float64 `json:"reduction_percent"`
}

// Hub tracks connected sessions and fans events out to them.
type Hub struct {
	cfg    config.HubConfig
	codec  *codec.Codec
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	eventsSent      atomic.Uint64
	eventsDropped   atomic.Uint64
	originalBytes   atomic.Uint64
	optimizedBytes  atomic.Uint64
	compressedCount atomic.Uint64
	slowDisconnects atomic.Uint64
}

// New creates a hub with the given configuration.
func New(cfg config.HubConfig, log *logger.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		codec:    codec.New(cfg.CompressionThreshold),
		logger:   log,
		sessions: make(map[string]*Session),
	}
}

// NewSession registers a new session for the connection and returns it. The
// caller starts the pumps.
func (h *Hub) NewSession(id string, conn *websocket.Conn) *Session {
	s := &Session{
		ID:     id,
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, sendBufferSize),
		logger: h.logger.WithFields(zap.String("session_id", id)),
		closed: make(chan struct{}),
	}
	s.batcher = newBatcher(h.cfg.BatchInterval(), h.cfg.BatchMaxSize, func(entries []BatchEntry) {
		h.flushBatch(s, entries)
	})

	h.mu.Lock()
	h.sessions[id] = s
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Debug("Session registered",
		zap.String("session_id", id),
		zap.Int("active_sessions", count))
	return s
}

// Unregister removes a session from the registry and closes it.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	count := len(h.sessions)
	h.mu.Unlock()

	if ok {
		s.Close()
		h.logger.Debug("Session unregistered",
			zap.String("session_id", id),
			zap.Int("active_sessions", count))
	}
}

// Session returns the registered session with the given id, or nil.
func (h *Hub) Session(id string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast encodes the payload once and delivers the event to every session.
// Critical events are sent immediately; a session that cannot absorb one
// within the grace period is disconnected. Non-critical events join the
// per-session batch window and are dropped when a session's buffer is full.
func (h *Hub) Broadcast(event string, payload any) {
	res, err := h.codec.Encode(payload)
	if err != nil {
		h.logger.Error("Broadcast encode failed",
			zap.String("event", event),
			zap.Error(err))
		return
	}
	h.originalBytes.Add(uint64(res.OriginalSize))
	h.optimizedBytes.Add(uint64(res.OptimizedSize))
	if res.Compressed {
		h.compressedCount.Add(1)
	}

	targets := h.snapshot()
	if len(targets) == 0 {
		return
	}

	if !IsCritical(event) {
		for _, s := range targets {
			s.batcher.Add(event, res.Data, res.Compressed, frameVersion(res))
		}
		return
	}

	frame := &ws.Frame{Event: event, Data: res.Data, Version: frameVersion(res), Compressed: res.Compressed}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Broadcast marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	timeout := h.cfg.CriticalSendTimeoutDuration()
	for _, s := range targets {
		if s.sendCritical(data, timeout) {
			h.eventsSent.Add(1)
		} else {
			h.disconnectSlow(s)
		}
	}
}

// Unicast encodes the payload and delivers the event to one session on the
// critical path.
func (h *Hub) Unicast(sessionID, event string, payload any) error {
	s := h.Session(sessionID)
	if s == nil {
		return errors.New("hub: unknown session " + sessionID)
	}
	res, err := h.codec.Encode(payload)
	if err != nil {
		return err
	}
	h.originalBytes.Add(uint64(res.OriginalSize))
	h.optimizedBytes.Add(uint64(res.OptimizedSize))
	if res.Compressed {
		h.compressedCount.Add(1)
	}
	if err := s.SendFrame(&ws.Frame{Event: event, Data: res.Data, Version: frameVersion(res), Compressed: res.Compressed}); err != nil {
		return err
	}
	h.eventsSent.Add(1)
	return nil
}

// Stats returns a snapshot of traffic counters.
func (h *Hub) Stats() Stats {
	st := Stats{
		ActiveSessions:  h.SessionCount(),
		EventsSent:      h.eventsSent.Load(),
		EventsDropped:   h.eventsDropped.Load(),
		OriginalBytes:   h.originalBytes.Load(),
		OptimizedBytes:  h.optimizedBytes.Load(),
		CompressedCount: h.compressedCount.Load(),
		SlowDisconnects: h.slowDisconnects.Load(),
	}
	if st.OriginalBytes > 0 {
		st.ReductionPercent = 100 - float64(st.OptimizedBytes)*100/float64(st.OriginalBytes)
	}
	return st
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// snapshot copies the session set so delivery runs without the registry lock.
func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// flushBatch wraps coalesced entries in a batch frame and queues it without
// blocking. A full buffer drops the whole batch.
func (h *Hub) flushBatch(s *Session, entries []BatchEntry) {
	frame, err := ws.NewFrame(ws.EventBatch, batchPayload{Batch: true, Messages: entries})
	if err != nil {
		h.logger.Error("Batch frame marshal failed", zap.Error(err))
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Batch frame marshal failed", zap.Error(err))
		return
	}
	if s.trySend(data) {
		h.eventsSent.Add(uint64(len(entries)))
	} else {
		h.eventsDropped.Add(uint64(len(entries)))
		s.logger.Warn("Session buffer full, dropped batch",
			zap.Int("dropped", len(entries)))
	}
}

// frameVersion returns the codec version marker for an encode result. A
// payload sent verbatim carries no marker, so clients skip expansion.
func frameVersion(res *codec.Result) int {
	if res.Optimized {
		return ws.CodecVersion
	}
	return 0
}

// disconnectSlow drops a session that could not absorb a critical frame in
// time.
func (h *Hub) disconnectSlow(s *Session) {
	h.slowDisconnects.Add(1)
	s.logger.Warn("Session stalled on critical frame, disconnecting")
	h.Unregister(s.ID)
}
