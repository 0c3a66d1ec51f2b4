package hub

import (
	"encoding/json"
	"sync"
	"time"
)

// BatchEntry is one coalesced event inside a batch frame. Version carries the
// per-entry codec marker, since entries of one batch may differ.
type BatchEntry struct {
	Event      string          `json:"e"`
	Data       json.RawMessage `json:"d,omitempty"`
	Compressed bool            `json:"gz,omitempty"`
	Version    int             `json:"_v,omitempty"`
}

// batchPayload is the payload of a "batch" frame.
type batchPayload struct {
	Batch    bool         `json:"batch"`
	Messages []BatchEntry `json:"messages"`
}

// Batcher coalesces non-critical events into windowed batch frames. A batch
// flushes when the window elapses or the entry cap is reached, whichever
// comes first. Entries keep their enqueue order.
type Batcher struct {
	interval time.Duration
	maxSize  int
	flush    func([]BatchEntry)

	mu      sync.Mutex
	pending []BatchEntry
	timer   *time.Timer
	stopped bool
}

func newBatcher(interval time.Duration, maxSize int, flush func([]BatchEntry)) *Batcher {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	if maxSize <= 0 {
		maxSize = 10
	}
	return &Batcher{interval: interval, maxSize: maxSize, flush: flush}
}

// Add queues an entry. The first entry of a window arms the flush timer; the
// entry that reaches the cap flushes synchronously.
func (b *Batcher) Add(event string, data json.RawMessage, compressed bool, version int) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, BatchEntry{Event: event, Data: data, Compressed: compressed, Version: version})
	if len(b.pending) >= b.maxSize {
		entries := b.take()
		b.mu.Unlock()
		b.flush(entries)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.onTimer)
	}
	b.mu.Unlock()
}

// take drains pending entries and disarms the timer. Caller holds mu.
func (b *Batcher) take() []BatchEntry {
	entries := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return entries
}

func (b *Batcher) onTimer() {
	b.mu.Lock()
	entries := b.take()
	b.mu.Unlock()
	if len(entries) > 0 {
		b.flush(entries)
	}
}

// Flush delivers pending entries immediately without waiting for the window.
func (b *Batcher) Flush() {
	b.onTimer()
}

// Stop flushes whatever is pending and rejects further entries.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	entries := b.take()
	b.mu.Unlock()
	if len(entries) > 0 {
		b.flush(entries)
	}
}
