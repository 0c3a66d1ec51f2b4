package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAbbreviatesKeys(t *testing.T) {
	c := New(10 * 1024)

	res, err := c.Encode(map[string]any{
		"message_id": "m1",
		"channel_id": "c1",
		"content":    "hello",
		"metadata":   map[string]any{"streaming": true},
	})
	require.NoError(t, err)
	assert.False(t, res.Compressed)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &wire))
	assert.Equal(t, "m1", wire["mid"])
	assert.Equal(t, "c1", wire["cid"])
	assert.Equal(t, "hello", wire["c"])
	meta, ok := wire["m"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, meta["strm"])
	assert.Less(t, res.OptimizedSize, res.OriginalSize)
}

func TestEncodeCompactsTimestamps(t *testing.T) {
	c := New(10 * 1024)

	res, err := c.Encode(map[string]any{
		"created_at": "2026-08-24T12:00:00.000Z",
	})
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &wire))
	assert.Equal(t, float64(1787572800000), wire["ts"])
}

func TestRoundTrip(t *testing.T) {
	c := New(10 * 1024)

	original := map[string]any{
		"message_id":  uuid.NewString(),
		"channel_id":  uuid.NewString(),
		"author_name": "Backend Agent",
		"author_kind": "agent",
		"content":     "response text",
		"created_at":  "2026-08-24T12:00:00.000Z",
		"metadata": map[string]any{
			"provider":  "anthropic",
			"model":     "claude-sonnet-4-20250514",
			"streaming": false,
		},
		"tags":  []any{"a", "b"},
		"count": float64(3),
	}

	res, err := c.Encode(original)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, c.Decode(res.Data, res.Compressed, res.Optimized, &decoded))
	assert.Equal(t, original, decoded)
}

func TestRoundTripCompressed(t *testing.T) {
	c := New(128)

	original := map[string]any{
		"channel_id": uuid.NewString(),
		"content":    strings.Repeat("the same sentence over and over. ", 30),
		"created_at": "2026-08-24T12:00:00.500Z",
	}

	res, err := c.Encode(original)
	require.NoError(t, err)
	assert.True(t, res.Compressed)
	assert.Less(t, res.OptimizedSize, res.OriginalSize)

	var decoded map[string]any
	require.NoError(t, c.Decode(res.Data, res.Compressed, res.Optimized, &decoded))
	assert.Equal(t, original, decoded)
}

func TestIncompressiblePayloadStaysPlain(t *testing.T) {
	c := New(16)

	// Random UUIDs barely compress; base64 overhead makes gzip a net loss,
	// so the codec must keep the plain form.
	payload := map[string]any{"data": uuid.NewString()}
	res, err := c.Encode(payload)
	require.NoError(t, err)
	assert.False(t, res.Compressed)

	var decoded map[string]any
	require.NoError(t, c.Decode(res.Data, res.Compressed, res.Optimized, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestRoundTripNonCanonicalTimestamp(t *testing.T) {
	c := New(10 * 1024)

	// Offset and sub-millisecond timestamps cannot be re-rendered exactly, so
	// they must survive as strings.
	original := map[string]any{
		"message_id": "m1",
		"created_at": "2024-01-01T00:00:00+02:00",
		"updated_at": "2024-01-01T00:00:00.123456789Z",
	}

	res, err := c.Encode(original)
	require.NoError(t, err)
	assert.True(t, res.Optimized)

	var decoded map[string]any
	require.NoError(t, c.Decode(res.Data, res.Compressed, res.Optimized, &decoded))
	assert.Equal(t, original, decoded)
}

func TestRoundTripCollidingShortKeys(t *testing.T) {
	c := New(10 * 1024)

	// Payload keys that happen to equal wire abbreviations must not be
	// expanded on decode; such payloads ship verbatim.
	original := map[string]any{
		"message_id": "m1",
		"metadata": map[string]any{
			"c":  "literal-short-key",
			"ts": float64(5),
		},
	}

	res, err := c.Encode(original)
	require.NoError(t, err)
	assert.False(t, res.Optimized)

	var decoded map[string]any
	require.NoError(t, c.Decode(res.Data, res.Compressed, res.Optimized, &decoded))
	assert.Equal(t, original, decoded)
}

func TestBatchReductionTarget(t *testing.T) {
	c := New(256)

	content := strings.Repeat("all work and no play makes jack a dull boy. ", 5)[:200]

	var totalOriginal, totalOptimized int
	for i := 0; i < 100; i++ {
		payload := map[string]any{
			"message_id":  uuid.NewString(),
			"channel_id":  uuid.NewString(),
			"author_id":   uuid.NewString(),
			"author_name": fmt.Sprintf("Agent %d", i%5),
			"author_kind": "agent",
			"content":     content,
			"created_at":  "2026-08-24T12:00:00.000Z",
			"metadata": map[string]any{
				"provider":  "anthropic",
				"model":     "claude-sonnet-4-20250514",
				"streaming": false,
			},
		}

		res, err := c.Encode(payload)
		require.NoError(t, err)
		totalOriginal += res.OriginalSize
		totalOptimized += res.OptimizedSize

		var decoded map[string]any
		require.NoError(t, c.Decode(res.Data, res.Compressed, res.Optimized, &decoded))
		assert.Equal(t, payload, decoded)
	}

	reduction := 100 - totalOptimized*100/totalOriginal
	assert.GreaterOrEqual(t, reduction, 40,
		"expected at least 40%% reduction, got %d%%", reduction)
}
