package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/events/bus"
	"github.com/kandev/crewhub/internal/hub"
	ws "github.com/kandev/crewhub/pkg/websocket"
)

// Gateway bundles the WebSocket frontend: hub, inbound dispatcher, upgrade
// handler, and the bus-to-hub bridge.
type Gateway struct {
	Hub        *hub.Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	Bridge     *Bridge
	logger     *logger.Logger
}

// NewGateway wires the gateway components together and registers the command
// handlers.
func NewGateway(h *hub.Hub, commands *Commands, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	commands.Register(dispatcher)

	return &Gateway{
		Hub:        h,
		Dispatcher: dispatcher,
		Handler:    NewHandler(h, dispatcher, log),
		Bridge:     NewBridge(h, log),
		logger:     log,
	}
}

// Start connects the bridge to the event bus.
func (g *Gateway) Start(eventBus bus.EventBus) error {
	return g.Bridge.Start(eventBus)
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}

// Close stops the bridge and disconnects every session.
func (g *Gateway) Close() {
	g.Bridge.Stop()
	g.Hub.Close()
}
