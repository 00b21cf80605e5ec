// Package gatekeeper mediates every tool call issued by the model: it
// validates, normalizes, policy-filters, deduplicates, times out, and
// heartbeats tool invocations, and tracks failures across steps.
package gatekeeper

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Deduplication window parameters: the limits are how many executions of
// a signature the window allows, so an exact repeat of a prior call is
// rejected immediately and a near-identical input is rejected on its
// third occurrence.
const (
	dedupWindow  = 60 * time.Second
	maxIdentical = 1
	maxSimilar   = 2
)

type dedupEntry struct {
	signature string
	similar   string
	at        time.Time
}

// Deduplicator rejects rapid repeats of the same tool call. Idempotent
// tools are exempt. State outlives a step but is reset on full task retry.
type Deduplicator struct {
	mu      sync.Mutex
	entries []dedupEntry
	now     func() time.Time
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{now: time.Now}
}

// Check records the call and reports whether it must be rejected as a
// duplicate.
func (d *Deduplicator) Check(name string, input json.RawMessage) bool {
	sig := ExactSignature(name, input)
	sim := similarSignature(name, input)

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-dedupWindow)
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.entries = kept

	identical, similar := 0, 0
	for _, e := range d.entries {
		if e.signature == sig {
			identical++
		} else if e.similar == sim {
			similar++
		}
	}
	d.entries = append(d.entries, dedupEntry{signature: sig, similar: sim, at: d.now()})

	return identical >= maxIdentical || similar >= maxSimilar
}

// Reset clears dedup state for a full task retry.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = nil
}

// ExactSignature produces a stable hash of a tool name and its input with
// object keys sorted, so formatting differences do not defeat dedup.
func ExactSignature(name string, input json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(canonicalJSON(input)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// similarSignature folds inputs to a coarse form: lowercase values, sorted
// keys, whitespace collapsed. Calls differing only in trivial formatting
// share a similar-signature.
func similarSignature(name string, input json.RawMessage) string {
	folded := strings.ToLower(canonicalJSON(input))
	folded = strings.Join(strings.Fields(folded), " ")
	h := sha256.Sum256([]byte(name + "\x00" + folded))
	return hex.EncodeToString(h[:])[:16]
}

func canonicalJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return canonicalValue(v)
}

func canonicalValue(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(canonicalValue(t[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalValue(e))
		}
		b.WriteByte(']')
		return b.String()
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(enc)
	}
}
