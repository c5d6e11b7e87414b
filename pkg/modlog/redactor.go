package modlog

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Redactor is a registry of secret literals that must never appear in
// a log record. It is not a process-wide singleton: New gives each
// Logger its own Redactor, which redacts only that Logger's records
// (see Logger.Redactor). It is identifier-keyed rather than
// value-keyed so an owner can be dropped with Forget without the
// registry pinning the value's memory alive forever — the closest a
// garbage-collected language gets to the "weak reference" the source
// SDK implements with Python's weakref module (see spec.md §9).
type Redactor struct {
	mu      sync.RWMutex
	byOwner map[string]string // owner id -> literal value
}

// NewRedactor creates an empty registry.
func NewRedactor() *Redactor {
	return &Redactor{byOwner: make(map[string]string)}
}

// Register adds value to the registry under ownerID. Re-registering
// the same ownerID replaces its value.
func (r *Redactor) Register(ownerID, value string) {
	if value == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byOwner[ownerID] = value
}

// Forget purges the entry owned by ownerID, e.g. when a secret is
// evicted from cache on rotation.
func (r *Redactor) Forget(ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byOwner, ownerID)
}

// Redact replaces every registered literal found in s with
// "[REDACTED]".
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.byOwner {
		if v == "" {
			continue
		}
		s = strings.ReplaceAll(s, v, "[REDACTED]")
	}
	return s
}

// hook returns a logrus.Hook that rewrites every outgoing record's
// message and string fields through Redact.
func (r *Redactor) hook() logrus.Hook {
	return &redactHook{r: r}
}

type redactHook struct{ r *Redactor }

func (h *redactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *redactHook) Fire(entry *logrus.Entry) error {
	entry.Message = h.r.Redact(entry.Message)
	for k, v := range entry.Data {
		if s, ok := v.(string); ok {
			entry.Data[k] = h.r.Redact(s)
		}
	}
	return nil
}
