package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/crewhub/internal/common/logger"
)

// writeRequest is one queued memory write.
type writeRequest struct {
	AgentID    uuid.UUID
	ChannelID  uuid.UUID
	Content    string
	Kind       Kind
	Importance int
	Metadata   map[string]any
}

// recordStore is the write surface Writer needs from the memory store.
type recordStore interface {
	Store(ctx context.Context, agentID, channelID uuid.UUID, content string, kind Kind, importance int, metadata map[string]any) (*Record, error)
}

// Writer performs asynchronous best-effort memory writes so embedding never
// sits on the response critical path. A full queue drops the write.
type Writer struct {
	store  recordStore
	queue  chan writeRequest
	logger *logger.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewWriter creates a write-back worker with the given queue depth.
func NewWriter(store recordStore, depth int, log *logger.Logger) *Writer {
	if depth <= 0 {
		depth = 256
	}
	return &Writer{
		store:  store,
		queue:  make(chan writeRequest, depth),
		logger: log,
		done:   make(chan struct{}),
	}
}

// Start runs the worker loop until the context is cancelled or Close is
// called. Each write gets its own bounded timeout independent of the caller.
func (w *Writer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case req := <-w.queue:
				writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := w.store.Store(writeCtx, req.AgentID, req.ChannelID, req.Content, req.Kind, req.Importance, req.Metadata)
				cancel()
				if err != nil {
					w.logger.Warn("Memory write-back failed",
						zap.String("agent_id", req.AgentID.String()),
						zap.String("kind", string(req.Kind)),
						zap.Error(err))
				}
			}
		}
	}()
}

// Enqueue queues a write without blocking. Returns false if the queue is
// full and the write was dropped.
func (w *Writer) Enqueue(agentID, channelID uuid.UUID, content string, kind Kind, importance int, metadata map[string]any) bool {
	select {
	case w.queue <- writeRequest{
		AgentID:    agentID,
		ChannelID:  channelID,
		Content:    content,
		Kind:       kind,
		Importance: importance,
		Metadata:   metadata,
	}:
		return true
	default:
		w.logger.Warn("Memory write-back queue full, dropping write",
			zap.String("agent_id", agentID.String()))
		return false
	}
}

// Close stops the worker. Queued writes that have not started are dropped.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
