package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/events"
	"github.com/kandev/crewhub/internal/events/bus"
	"github.com/kandev/crewhub/internal/hub"
)

func newBridgeFixture(t *testing.T) (*Bridge, *hub.Hub, *bus.MemoryEventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	h := hub.New(config.HubConfig{}, log)
	eventBus := bus.NewMemoryEventBus(log)
	b := NewBridge(h, log)
	require.NoError(t, b.Start(eventBus))
	t.Cleanup(b.Stop)
	t.Cleanup(h.Close)
	return b, h, eventBus
}

func TestBridgeForwardsChannelScopedEvents(t *testing.T) {
	_, h, eventBus := newBridgeFixture(t)
	h.NewSession("s1", nil)

	subject := events.BuildChannelSubject(events.MessageCreated, "chan-1")
	err := eventBus.Publish(context.Background(), subject,
		bus.NewEvent(events.MessageCreated, "channel-service", map[string]any{
			"message_id": "m1",
			"channel_id": "chan-1",
			"content":    "hello",
		}))
	require.NoError(t, err)

	// message_new is critical, so delivery counts immediately.
	require.Eventually(t, func() bool {
		return h.Stats().EventsSent == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBridgeForwardsWorkflowEvents(t *testing.T) {
	_, h, eventBus := newBridgeFixture(t)
	h.NewSession("s1", nil)

	subject := events.BuildWorkflowSubject(events.WorkflowCompleted, "wf-1")
	err := eventBus.Publish(context.Background(), subject,
		bus.NewEvent(events.WorkflowCompleted, "orchestrator", map[string]any{
			"workflow_id": "wf-1",
			"summary":     "2/2 tasks completed",
		}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.Stats().EventsSent == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBridgeIgnoresUnrelatedSubjects(t *testing.T) {
	_, h, eventBus := newBridgeFixture(t)
	h.NewSession("s1", nil)

	err := eventBus.Publish(context.Background(), "memory.stored",
		bus.NewEvent(events.MemoryStored, "memory-writer", map[string]any{"memory_id": "m1"}))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.Stats().EventsSent)
	assert.Zero(t, h.Stats().EventsDropped)
}

func TestBridgeStopDropsSubscriptions(t *testing.T) {
	b, h, eventBus := newBridgeFixture(t)
	h.NewSession("s1", nil)
	b.Stop()

	subject := events.BuildChannelSubject(events.MessageCreated, "chan-1")
	err := eventBus.Publish(context.Background(), subject,
		bus.NewEvent(events.MessageCreated, "channel-service", map[string]any{"message_id": "m1"}))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.Stats().EventsSent)
}
