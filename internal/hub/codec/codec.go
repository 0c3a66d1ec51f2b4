// Package codec implements the payload transformation applied at the event
// hub boundary: field abbreviation, timestamp compaction, and optional gzip.
// Encoding is lossless; Decode(Encode(x)) == x for JSON-compatible payloads.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"time"
)

// fieldAbbrev maps long payload keys to their wire abbreviations. The
// mapping is bidirectional and versioned through websocket.CodecVersion;
// extend it only together with a version bump.
var fieldAbbrev = map[string]string{
	"message_id":  "mid",
	"channel_id":  "cid",
	"workflow_id": "wid",
	"task_id":     "tid",
	"agent_id":    "aid",
	"author_id":   "auid",
	"author_name": "an",
	"author_kind": "ak",
	"agent_handle": "ah",
	"content":     "c",
	"chunk":       "ch",
	"is_final":    "f",
	"created_at":  "ts",
	"updated_at":  "uts",
	"started_at":  "sts",
	"completed_at": "cts",
	"metadata":    "m",
	"description": "dsc",
	"reply_to_id": "rid",
	"percentage":  "pct",
	"status":      "st",
	"provider":    "prv",
	"model":       "mdl",
	"streaming":   "strm",
}

var fieldExpand = func() map[string]string {
	m := make(map[string]string, len(fieldAbbrev))
	for long, short := range fieldAbbrev {
		m[short] = long
	}
	return m
}()

// timestampFields are abbreviated keys whose ISO-8601 string values are
// compacted to integer milliseconds since the Unix epoch.
var timestampFields = map[string]bool{
	"ts":  true,
	"uts": true,
	"sts": true,
	"cts": true,
}

// wireTimeLayout is the canonical timestamp rendering used on decode.
// Millisecond precision matches the compacted integer form.
const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Codec applies the payload optimization with a configurable compression
// threshold. MinSavingPercent guards against compressing incompressible
// payloads.
type Codec struct {
	CompressionThreshold int
	MinSavingPercent     int
}

// New returns a codec with the given gzip threshold in bytes.
func New(compressionThreshold int) *Codec {
	if compressionThreshold <= 0 {
		compressionThreshold = 10 * 1024
	}
	return &Codec{
		CompressionThreshold: compressionThreshold,
		MinSavingPercent:     10,
	}
}

// Result carries the encoded payload and size accounting. Optimized is false
// when the payload was sent verbatim because abbreviation could not be
// reversed losslessly; Decode must then skip expansion.
type Result struct {
	Data          json.RawMessage
	Compressed    bool
	Optimized     bool
	OriginalSize  int
	OptimizedSize int
}

// Encode abbreviates keys, compacts timestamps, and optionally compresses.
// The input must be JSON-marshalable. Before committing to the abbreviated
// form, Encode verifies that expansion restores the payload exactly; payloads
// whose own keys collide with the short-key table ship verbatim instead.
func (c *Codec) Encode(payload any) (*Result, error) {
	original, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}

	var generic any
	if err := json.Unmarshal(original, &generic); err != nil {
		return nil, fmt.Errorf("codec: reparse: %w", err)
	}

	abbreviated := abbreviate(generic)
	roundTrips := reflect.DeepEqual(expand(abbreviated), generic)
	if !roundTrips {
		abbreviated = generic
	}

	optimized, err := json.Marshal(abbreviated)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal optimized: %w", err)
	}

	res := &Result{
		Data:          optimized,
		Optimized:     roundTrips,
		OriginalSize:  len(original),
		OptimizedSize: len(optimized),
	}

	if len(optimized) >= c.CompressionThreshold {
		if packed, ok := c.compress(optimized); ok {
			res.Data = packed
			res.Compressed = true
			res.OptimizedSize = len(packed)
		}
	}
	return res, nil
}

// compress gzips the payload and wraps it as a base64 JSON string. Returns
// false when the saving is below the minimum.
func (c *Codec) compress(data []byte) (json.RawMessage, bool) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, 6)
	if err != nil {
		return nil, false
	}
	if _, err := zw.Write(data); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}

	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, false
	}
	saving := 100 - len(encoded)*100/len(data)
	if saving < c.MinSavingPercent {
		return nil, false
	}
	return encoded, true
}

// Decode reverses Encode into dest. The optimized flag comes from the frame
// version marker; unmarked payloads were sent verbatim and are not expanded.
func (c *Codec) Decode(data json.RawMessage, compressed, optimized bool, dest any) error {
	if compressed {
		var b64 string
		if err := json.Unmarshal(data, &b64); err != nil {
			return fmt.Errorf("codec: compressed payload is not a string: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("codec: base64: %w", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("codec: gzip: %w", err)
		}
		inflated, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("codec: inflate: %w", err)
		}
		data = inflated
	}

	if !optimized {
		return json.Unmarshal(data, dest)
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}

	expanded, err := json.Marshal(expand(generic))
	if err != nil {
		return fmt.Errorf("codec: marshal expanded: %w", err)
	}
	return json.Unmarshal(expanded, dest)
}

// abbreviate rewrites keys recursively and compacts timestamps.
func abbreviate(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			key := k
			if short, ok := fieldAbbrev[k]; ok {
				key = short
			}
			converted := abbreviate(inner)
			if timestampFields[key] {
				if s, ok := converted.(string); ok {
					// Compact only timestamps the expander restores exactly:
					// UTC, millisecond precision. Anything else stays text.
					if t, err := time.Parse(time.RFC3339Nano, s); err == nil &&
						t.UTC().Format(wireTimeLayout) == s {
						converted = t.UnixMilli()
					}
				}
			}
			out[key] = converted
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = abbreviate(inner)
		}
		return out
	default:
		return v
	}
}

// expand is the inverse of abbreviate.
func expand(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			key := k
			if long, ok := fieldExpand[k]; ok {
				key = long
			}
			if timestampFields[k] {
				// float64 after a JSON round trip, int64 when expanding the
				// in-memory tree during the encoder's self-check.
				switch ms := inner.(type) {
				case float64:
					out[key] = time.UnixMilli(int64(ms)).UTC().Format(wireTimeLayout)
					continue
				case int64:
					out[key] = time.UnixMilli(ms).UTC().Format(wireTimeLayout)
					continue
				}
			}
			out[key] = expand(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = expand(inner)
		}
		return out
	default:
		return v
	}
}
