package websocket

import "context"

// Handler is the interface for inbound command handlers.
type Handler interface {
	// Handle processes an inbound frame and returns an optional response frame.
	Handle(ctx context.Context, frame *Frame) (*Frame, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, frame *Frame) (*Frame, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, frame *Frame) (*Frame, error) {
	return f(ctx, frame)
}

// Dispatcher routes inbound frames to handlers by event name.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new command dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for an event.
func (d *Dispatcher) Register(event string, handler Handler) {
	d.handlers[event] = handler
}

// RegisterFunc registers a handler function for an event.
func (d *Dispatcher) RegisterFunc(event string, handler HandlerFunc) {
	d.handlers[event] = handler
}

// Dispatch routes a frame to the appropriate handler.
func (d *Dispatcher) Dispatch(ctx context.Context, frame *Frame) (*Frame, error) {
	handler, ok := d.handlers[frame.Event]
	if !ok {
		return NewError(frame.ID, ErrorCodeUnknownEvent, "Unknown event: "+frame.Event, nil)
	}
	return handler.Handle(ctx, frame)
}

// HasHandler returns true if a handler is registered for the event.
func (d *Dispatcher) HasHandler(event string) bool {
	_, ok := d.handlers[event]
	return ok
}

type sessionKey struct{}

// WithSessionID returns a context carrying the originating session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionID extracts the originating session id from the context, if any.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey{}).(string); ok {
		return v
	}
	return ""
}
