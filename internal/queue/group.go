package queue

import (
	"sort"
	"strings"

	"github.com/sydlexius/roadie/internal/normalize"
	"github.com/sydlexius/roadie/internal/registry"
)

// GroupKey returns the review group key for a name. Venue and artist keys
// live in separate namespaces so a band named after a venue does not share
// its group.
func GroupKey(t registry.EntityType, name string) string {
	return string(t) + ":" + normalize.Key(name)
}

// ParseGroupKey splits a group key into its entity type and normalized name.
func ParseGroupKey(key string) (registry.EntityType, string, bool) {
	typ, name, ok := strings.Cut(key, ":")
	if !ok || !registry.EntityType(typ).Valid() || name == "" {
		return "", "", false
	}
	return registry.EntityType(typ), name, true
}

// Groups maps a group key to the sorted ids of its member items.
type Groups map[string][]string

// Group computes review groups from items. Every item belongs to exactly one
// venue group and one artist group. The result depends only on the set of
// items, not their order.
func Group(items []Item) Groups {
	g := make(Groups)
	for i := range items {
		for _, key := range items[i].GroupKeys() {
			g[key] = append(g[key], items[i].ID)
		}
	}
	for key, ids := range g {
		sort.Strings(ids)
		g[key] = dedupe(ids)
	}
	return g
}

// Keys returns the group keys in lexical order.
func (g Groups) Keys() []string {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summary describes one group for display.
type Summary struct {
	Key     string              `json:"key"`
	Type    registry.EntityType `json:"type"`
	Name    string              `json:"name"`
	ItemIDs []string            `json:"item_ids"`
}

// Summaries returns the groups in key order.
func (g Groups) Summaries() []Summary {
	out := make([]Summary, 0, len(g))
	for _, key := range g.Keys() {
		typ, name, _ := ParseGroupKey(key)
		out = append(out, Summary{Key: key, Type: typ, Name: name, ItemIDs: g[key]})
	}
	return out
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
