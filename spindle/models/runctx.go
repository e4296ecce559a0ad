package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrContextKeyExists = errors.New("run context key already written")

// Namespace scopes writes to the run context. A producer can only write
// below its own namespace, so two producers never collide.
type Namespace struct {
	prefix string
}

// InstanceNamespace holds what the scheduler binds for an instance,
// such as its matrix values and result.
func InstanceNamespace(instance string) Namespace {
	return Namespace{prefix: "instances." + instance + "."}
}

// StepNamespace holds a step's outputs and outcome.
func StepNamespace(instance, step string) Namespace {
	return Namespace{prefix: "instances." + instance + ".steps." + step + "."}
}

// JobNamespace holds the aggregate result and outputs of a job.
func JobNamespace(job string) Namespace {
	return Namespace{prefix: "jobs." + job + "."}
}

func (n Namespace) Qualify(key string) string {
	return n.prefix + key
}

func (n Namespace) String() string {
	return strings.TrimSuffix(n.prefix, ".")
}

type ContextEntry struct {
	Key     string `cbor:"1,keyasint" json:"key"`
	Value   string `cbor:"2,keyasint" json:"value"`
	Version uint64 `cbor:"3,keyasint" json:"version"`
}

// RunContext is the append-only record of values produced during a run:
// matrix bindings, step outputs, job results. Every write bumps the
// version; a key once written never changes.
type RunContext struct {
	mu      sync.RWMutex
	entries map[string]ContextEntry
	version uint64
}

func NewRunContext() *RunContext {
	return &RunContext{
		entries: make(map[string]ContextEntry),
	}
}

// Put writes key below ns and returns the new version.
func (rc *RunContext) Put(ns Namespace, key, value string) (uint64, error) {
	if key == "" {
		return 0, fmt.Errorf("empty run context key in %s", ns)
	}
	name := ns.Qualify(key)

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, ok := rc.entries[name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrContextKeyExists, name)
	}

	rc.version++
	rc.entries[name] = ContextEntry{Key: name, Value: value, Version: rc.version}
	return rc.version, nil
}

// Get resolves a fully qualified name.
func (rc *RunContext) Get(name string) (string, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	e, ok := rc.entries[name]
	return e.Value, ok
}

// Scan returns every entry below prefix, keyed by the remainder of
// the name.
func (rc *RunContext) Scan(ns Namespace, sub string) map[string]string {
	prefix := ns.prefix
	if sub != "" {
		prefix += sub + "."
	}

	rc.mu.RLock()
	defer rc.mu.RUnlock()

	out := make(map[string]string)
	for name, e := range rc.entries {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			out[rest] = e.Value
		}
	}
	return out
}

func (rc *RunContext) Version() uint64 {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.version
}

// Entries lists every entry in write order.
func (rc *RunContext) Entries() []ContextEntry {
	rc.mu.RLock()
	out := make([]ContextEntry, 0, len(rc.entries))
	for _, e := range rc.entries {
		out = append(out, e)
	}
	rc.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// RestoreRunContext rebuilds a context from persisted entries.
func RestoreRunContext(entries []ContextEntry) *RunContext {
	rc := NewRunContext()
	for _, e := range entries {
		rc.entries[e.Key] = e
		if e.Version > rc.version {
			rc.version = e.Version
		}
	}
	return rc
}
