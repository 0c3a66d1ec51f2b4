// Package websocket is the gateway frontend: it upgrades HTTP connections,
// reads client command frames, routes them through the dispatcher, and
// bridges server-side bus events into hub broadcasts.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/hub"
	ws "github.com/kandev/crewhub/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub        *hub.Hub
	dispatcher *ws.Dispatcher
	logger     *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(h *hub.Hub, dispatcher *ws.Dispatcher, log *logger.Logger) *Handler {
	return &Handler{
		hub:        h,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and pumps frames until the
// peer disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	sessionID := uuid.New().String()
	session := h.hub.NewSession(sessionID, conn)

	h.logger.Debug("WebSocket connection established",
		zap.String("session_id", sessionID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go session.WritePump()

	if err := h.hub.Unicast(sessionID, ws.EventConnectionEstablished, map[string]any{
		"session_id": sessionID,
	}); err != nil {
		h.logger.Error("Failed to greet session", zap.Error(err))
	}

	session.ReadPump(c.Request.Context(), h.handleInbound)
}

// handleInbound parses one raw client frame and dispatches it. Malformed
// frames and handler failures come back as error frames addressed to the
// originating session only.
func (h *Handler) handleInbound(ctx context.Context, s *hub.Session, raw []byte) {
	var frame ws.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.sendError(s, "", ws.ErrorCodeBadRequest, "Malformed frame: "+err.Error())
		return
	}
	if frame.Event == "" {
		h.sendError(s, frame.ID, ws.ErrorCodeBadRequest, "Frame is missing an event name")
		return
	}

	ctx = ws.WithSessionID(ctx, s.ID)
	resp, err := h.dispatcher.Dispatch(ctx, &frame)
	if err != nil {
		h.logger.Warn("Command failed",
			zap.String("event", frame.Event),
			zap.Error(err))
		code, msg := classifyCommandError(err)
		h.sendError(s, frame.ID, code, msg)
		return
	}
	if resp == nil {
		return
	}
	if err := s.SendFrame(resp); err != nil {
		h.logger.Warn("Failed to deliver response",
			zap.String("event", frame.Event),
			zap.Error(err))
	}
}

func (h *Handler) sendError(s *hub.Session, id, code, message string) {
	frame, err := ws.NewError(id, code, message, nil)
	if err != nil {
		h.logger.Error("Failed to build error frame", zap.Error(err))
		return
	}
	if err := s.SendFrame(frame); err != nil {
		h.logger.Warn("Failed to deliver error frame", zap.Error(err))
	}
}
