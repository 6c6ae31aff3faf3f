// Package protocontext implements the session-scoped key-value store
// shared across stage runner, heartbeat, and the protocol serializer's
// from_context sourcing (spec §4.3).
package protocontext

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/protofuzz/pkg/plog"
)

// MaxSnapshotBytes is the hard cap on a deterministic snapshot (spec §5
// resource caps: "protocol context snapshot 64 KiB").
const MaxSnapshotBytes = 64 * 1024

// Context is a thread-safe string -> {int64|[]byte|string} mapping, one per
// running session.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

func New() *Context {
	return &Context{values: map[string]any{}}
}

func (c *Context) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *Context) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[key]
	return ok
}

func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}

// Clear empties the context; called on rebootstrap (spec §3 lifecycle).
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = map[string]any{}
}

// Copy returns an independent Context with the same contents.
func (c *Context) Copy() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := New()
	for k, v := range c.values {
		out.values[k] = v
	}
	return out
}

// Merge copies every key from other into c, overwriting existing keys.
func (c *Context) Merge(other *Context) {
	other.mu.RLock()
	snapshot := make(map[string]any, len(other.values))
	for k, v := range other.values {
		snapshot[k] = v
	}
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range snapshot {
		c.values[k] = v
	}
}

// wireValue is the tagged-JSON encoding of one context value: bytes values
// are base64-encoded under a type tag so Snapshot output is unambiguous
// and round-trips through Restore.
type wireValue struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Snapshot produces deterministic JSON (keys sorted) capped at
// MaxSnapshotBytes; if the full content would exceed the cap, trailing
// keys (in sorted order) are dropped with a warning so the snapshot is
// still valid JSON.
func (c *Context) Snapshot() ([]byte, error) {
	c.mu.RLock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	wired := make(map[string]wireValue, len(keys))
	for _, k := range keys {
		wired[k] = toWire(c.values[k])
	}
	c.mu.RUnlock()

	for {
		buf, err := marshalSorted(keys, wired)
		if err != nil {
			return nil, err
		}
		if len(buf) <= MaxSnapshotBytes || len(keys) == 0 {
			return buf, nil
		}
		dropped := keys[len(keys)-1]
		keys = keys[:len(keys)-1]
		delete(wired, dropped)
		plog.Logf(0, "protocontext: snapshot exceeds %d bytes, dropping key %q", MaxSnapshotBytes, dropped)
	}
}

// marshalSorted emits `[{"key":"k1","val":...},{"key":"k2","val":...}]`, a
// JSON array with entries in the given key order,
// since encoding/json sorts map keys alphabetically already but we want
// an explicit, auditable ordering independent of that implementation detail.
func marshalSorted(keys []string, wired map[string]wireValue) ([]byte, error) {
	ordered := make([]struct {
		Key string    `json:"key"`
		Val wireValue `json:"val"`
	}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, struct {
			Key string    `json:"key"`
			Val wireValue `json:"val"`
		}{Key: k, Val: wired[k]})
	}
	return json.Marshal(ordered)
}

func toWire(v any) wireValue {
	switch x := v.(type) {
	case []byte:
		return wireValue{Type: "bytes", Value: base64.StdEncoding.EncodeToString(x)}
	case string:
		return wireValue{Type: "string", Value: x}
	case int64:
		return wireValue{Type: "int", Value: x}
	case int:
		return wireValue{Type: "int", Value: int64(x)}
	default:
		return wireValue{Type: "string", Value: v}
	}
}

// Restore replaces the context's contents with the values encoded by buf
// (as produced by Snapshot).
func Restore(buf []byte) (*Context, error) {
	var ordered []struct {
		Key string    `json:"key"`
		Val wireValue `json:"val"`
	}
	if err := json.Unmarshal(buf, &ordered); err != nil {
		return nil, err
	}
	c := New()
	for _, entry := range ordered {
		switch entry.Val.Type {
		case "bytes":
			s, _ := entry.Val.Value.(string)
			raw, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, err
			}
			c.values[entry.Key] = raw
		case "int":
			switch n := entry.Val.Value.(type) {
			case float64:
				c.values[entry.Key] = int64(n)
			case int64:
				c.values[entry.Key] = n
			}
		default:
			c.values[entry.Key] = entry.Val.Value
		}
	}
	return c, nil
}
