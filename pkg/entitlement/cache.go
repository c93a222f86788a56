package entitlement

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CacheEntry is a process-local snapshot of an identity's entitlement,
// stamped with when it was cached. CachedAt drives the reconciler's
// minimum-age gate.
type CacheEntry struct {
	Entitlement Entitlement `json:"entitlement"`
	CachedAt    time.Time   `json:"cached_at"`
}

// SessionCache holds the running session's last known entitlement state.
// It is owned exclusively by the running process: webhook processing
// refreshes it synchronously, the reconciler revalidates and may invalidate
// it, and access checks read it as the offline fast path.
//
// When constructed with a path, the cache persists itself as a single JSON
// snapshot per installation, so a restart starts from the last known state
// instead of treating the user as unentitled.
type SessionCache struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
	path    string
	logger  Logger
}

// NewSessionCache creates a session cache. path may be empty for a purely
// in-memory cache; otherwise the snapshot file is loaded when present.
func NewSessionCache(path string, logger Logger) *SessionCache {
	if logger == nil {
		logger = &NoopLogger{}
	}
	c := &SessionCache{
		entries: make(map[string]*CacheEntry),
		path:    path,
		logger:  logger,
	}
	if path != "" {
		if err := c.load(); err != nil {
			// A corrupt or unreadable snapshot is discarded, not fatal.
			logger.Warn("discarding unreadable entitlement snapshot",
				Field{Key: "path", Value: path},
				Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return c
}

// Get returns the cached entry for an identity.
func (c *SessionCache) Get(identity string) (*CacheEntry, bool) {
	identity = NormalizeIdentity(identity)
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[identity]
	if !ok {
		return nil, false
	}
	cp := *entry
	return &cp, true
}

// Put stores a fresh snapshot for the entitlement's identity and persists it.
func (c *SessionCache) Put(ent *Entitlement) {
	if ent == nil || ent.Identity == "" {
		return
	}
	c.mu.Lock()
	c.entries[NormalizeIdentity(ent.Identity)] = &CacheEntry{
		Entitlement: *ent,
		CachedAt:    time.Now().UTC(),
	}
	c.mu.Unlock()
	c.persist()
}

// Invalidate removes the identity's snapshot and persists the change.
// This is the only path that deletes cached entitlement state.
func (c *SessionCache) Invalidate(identity string) {
	identity = NormalizeIdentity(identity)
	c.mu.Lock()
	delete(c.entries, identity)
	c.mu.Unlock()
	c.persist()
}

// Entries returns a copy of every cached entry, for reconciliation sweeps.
func (c *SessionCache) Entries() []*CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		cp := *entry
		out = append(out, &cp)
	}
	return out
}

// Len returns the number of cached identities.
func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *SessionCache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries map[string]*CacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}

	c.mu.Lock()
	c.entries = entries
	if c.entries == nil {
		c.entries = make(map[string]*CacheEntry)
	}
	c.mu.Unlock()
	return nil
}

// persist writes the snapshot atomically (temp file + rename) so a crash
// mid-write never leaves a truncated snapshot behind.
func (c *SessionCache) persist() {
	if c.path == "" {
		return
	}

	c.mu.RLock()
	data, err := json.MarshalIndent(c.entries, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		c.logger.Error("failed to encode entitlement snapshot", Field{Key: "error", Value: err.Error()})
		return
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Error("failed to create snapshot directory", Field{Key: "error", Value: err.Error()})
		return
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		c.logger.Error("failed to write entitlement snapshot", Field{Key: "error", Value: err.Error()})
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.logger.Error("failed to replace entitlement snapshot", Field{Key: "error", Value: err.Error()})
	}
}
