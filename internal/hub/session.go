package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/crewhub/internal/common/logger"
	ws "github.com/kandev/crewhub/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// sendBufferSize bounds the per-session outbound queue. When it fills,
// non-critical frames are dropped; critical frames block briefly and
// disconnect the session if it stays stalled.
const sendBufferSize = 256

// InboundHandler processes one raw frame read from the peer.
type InboundHandler func(ctx context.Context, s *Session, raw []byte)

// Session is a single WebSocket connection registered with the hub. Frames
// queue on a bounded channel consumed by WritePump, so delivery order per
// session matches enqueue order.
type Session struct {
	ID      string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	batcher *Batcher
	logger  *logger.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// trySend queues a frame without blocking. Returns false when the buffer is
// full and the frame was dropped.
func (s *Session) trySend(data []byte) bool {
	select {
	case <-s.closed:
		return false
	case s.send <- data:
		return true
	default:
		return false
	}
}

// sendCritical queues a frame, blocking up to timeout. Returns false when the
// session stayed stalled for the whole grace period.
func (s *Session) sendCritical(data []byte, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.closed:
		return false
	case s.send <- data:
		return true
	case <-timer.C:
		return false
	}
}

// SendFrame marshals and queues a frame on the critical path. Used for
// command responses and error frames addressed to this session.
func (s *Session) SendFrame(f *ws.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if !s.sendCritical(data, s.hub.cfg.CriticalSendTimeoutDuration()) {
		s.hub.disconnectSlow(s)
		return errSessionStalled
	}
	return nil
}

// ReadPump pumps frames from the WebSocket connection to the handler. Runs
// until the peer disconnects or the connection errors.
func (s *Session) ReadPump(ctx context.Context, handle InboundHandler) {
	defer func() {
		s.hub.Unregister(s.ID)
		s.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}
		handle(ctx, s, raw)
	}
}

// WritePump pumps queued frames to the WebSocket connection, one frame per
// message, and keeps the connection alive with pings.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.batcher.Stop()
		if s.conn != nil {
			s.conn.Close()
		}
	})
}
