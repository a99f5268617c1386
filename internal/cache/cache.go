// Package cache provides the response cache that sits in front of every
// provider call. Entries are keyed by a deterministic fingerprint of the
// request and never served past their TTL.
//
// Two stores are provided: an in-memory store (the default, always present)
// and a Redis-backed store for sharing hits across gateway replicas.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// Entry is one cached response. Entries are immutable after insertion;
// writes for the same fingerprint replace the whole entry.
type Entry struct {
	Payload    string             `json:"payload"`
	Provider   models.LLMProvider `json:"provider"`
	Model      string             `json:"model"`
	IsFallback bool               `json:"is_fallback"`
	CreatedAt  time.Time          `json:"created_at"`
	TTL        time.Duration      `json:"ttl"`
}

// Store is the cache backend contract. Get reports a miss with ok=false;
// a backend error is surfaced separately so callers can fail open.
type Store interface {
	Get(ctx context.Context, fingerprint string) (Entry, bool, error)
	Put(ctx context.Context, fingerprint string, e Entry) error
	Stats() models.CacheStats
}

// Fingerprint derives the cache key for a request. It is a pure function of
// the normalized prompt, the task type, and the context fields that affect
// output — never of timestamps or request ids, or the cache would never hit.
func Fingerprint(prompt string, taskType models.OperationClass, reqContext map[string]string) string {
	h := sha256.New()
	h.Write([]byte(normalizePrompt(prompt)))
	h.Write([]byte{0})
	h.Write([]byte(taskType))

	// Context keys in sorted order so map iteration cannot change the key.
	keys := make([]string, 0, len(reqContext))
	for k := range reqContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(reqContext[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintPrefix returns the loggable prefix of a fingerprint. Events
// carry only the prefix to keep log volume and correlation risk down.
func FingerprintPrefix(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// normalizePrompt collapses runs of whitespace so formatting-only differences
// between otherwise identical prompts still hit the cache.
func normalizePrompt(p string) string {
	return strings.Join(strings.Fields(p), " ")
}
