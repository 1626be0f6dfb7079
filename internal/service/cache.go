package service

import (
	"sort"
	"sync"

	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
)

// SnapshotCache is the read side evaluation works from. It is updated from
// change messages and never blocks on store locks.
type SnapshotCache struct {
	mu        sync.RWMutex
	flags     map[string]*v1.FlagConfig
	overrides map[string]map[string]v1.OverrideEntry
	revision  int64
}

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		flags:     make(map[string]*v1.FlagConfig),
		overrides: make(map[string]map[string]v1.OverrideEntry),
	}
}

func cacheKey(namespace, key string) string {
	return namespace + "/" + key
}

// Load replaces the whole cache.
func (c *SnapshotCache) Load(flags []*v1.FlagConfig, overrides []v1.OverrideEntry, rev int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flags = make(map[string]*v1.FlagConfig, len(flags))
	c.overrides = make(map[string]map[string]v1.OverrideEntry)
	for _, f := range flags {
		c.flags[cacheKey(f.Namespace, f.Key)] = f
	}
	for _, o := range overrides {
		c.putOverrideLocked(o)
	}
	c.revision = rev
}

func (c *SnapshotCache) Apply(msg v1.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := cacheKey(msg.Namespace, msg.Key)
	switch msg.Kind {
	case constraints.KindFlag:
		if msg.Action == constraints.DELETE || msg.Flag == nil {
			delete(c.flags, id)
			delete(c.overrides, id)
		} else if cur, ok := c.flags[id]; !ok || cur.Version <= msg.Flag.Version {
			c.flags[id] = msg.Flag
		}
	case constraints.KindOverride:
		if msg.Override == nil {
			break
		}
		if msg.Action == constraints.DELETE {
			delete(c.overrides[id], msg.Override.Scope.String())
		} else {
			c.putOverrideLocked(*msg.Override)
		}
	}
	if msg.Revision > c.revision {
		c.revision = msg.Revision
	}
}

func (c *SnapshotCache) putOverrideLocked(o v1.OverrideEntry) {
	id := cacheKey(o.Namespace, o.Flag)
	m, ok := c.overrides[id]
	if !ok {
		m = make(map[string]v1.OverrideEntry)
		c.overrides[id] = m
	}
	m[o.Scope.String()] = o
}

// Flag returns the cached config. Callers must not mutate it.
func (c *SnapshotCache) Flag(namespace, key string) *v1.FlagConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags[cacheKey(namespace, key)]
}

// Keys lists the flag keys cached for namespace, sorted.
func (c *SnapshotCache) Keys(namespace string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []string
	for _, f := range c.flags {
		if f.Namespace == namespace {
			keys = append(keys, f.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *SnapshotCache) Overrides(namespace, key string) []v1.OverrideEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.overrides[cacheKey(namespace, key)]
	out := make([]v1.OverrideEntry, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	return out
}

func (c *SnapshotCache) Revision() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// Snapshot copies the cache, restricted to namespaces when any are given.
func (c *SnapshotCache) Snapshot(namespaces map[string]bool) v1.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	allowed := func(ns string) bool { return len(namespaces) == 0 || namespaces["*"] || namespaces[ns] }
	snap := v1.Snapshot{Revision: c.revision, Flags: []v1.FlagConfig{}, Overrides: []v1.OverrideEntry{}}
	for _, f := range c.flags {
		if allowed(f.Namespace) {
			snap.Flags = append(snap.Flags, *f)
		}
	}
	for _, m := range c.overrides {
		for _, o := range m {
			if allowed(o.Namespace) {
				snap.Overrides = append(snap.Overrides, o)
			}
		}
	}
	sort.Slice(snap.Flags, func(i, j int) bool {
		return cacheKey(snap.Flags[i].Namespace, snap.Flags[i].Key) < cacheKey(snap.Flags[j].Namespace, snap.Flags[j].Key)
	})
	sort.Slice(snap.Overrides, func(i, j int) bool {
		a, b := snap.Overrides[i], snap.Overrides[j]
		return cacheKey(a.Namespace, a.Flag)+a.Scope.String() < cacheKey(b.Namespace, b.Flag)+b.Scope.String()
	})
	return snap
}
