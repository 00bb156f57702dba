package cache

import (
	"context"
	"log/slog"
	"sync"
)

// Source tags where a result came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceAPI   Source = "api"
)

// Result is what a read-through lookup returns.
type Result[T any] struct {
	Entities []T    `json:"entities"`
	Source   Source `json:"source"`
	Count    int    `json:"count"`
}

// Collection is an ordered, process-lifetime set of entities keyed by
// identity. It only grows or replaces entries in place.
type Collection[T any] struct {
	name   string
	id     func(T) string
	fields func(T) map[string]string

	mu      sync.RWMutex
	items   []T
	matches []map[string]string
	index   map[string]int
}

// New creates an empty collection. id returns the identity of an entity and
// fields the string values filters are compared against.
func New[T any](name string, id func(T) string, fields func(T) map[string]string) *Collection[T] {
	return &Collection[T]{
		name:   name,
		id:     id,
		fields: fields,
		index:  map[string]int{},
	}
}

// Len returns the number of cached entities.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// All returns a copy of the cached entities in insertion order.
func (c *Collection[T]) All() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Match returns the entities whose fields equal every filter value exactly.
// An empty filter matches nothing.
func (c *Collection[T]) Match(filter map[string]string) []T {
	if len(filter) == 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []T
	for i, fields := range c.matches {
		if matchesAll(fields, filter) {
			out = append(out, c.items[i])
		}
	}
	return out
}

func matchesAll(fields, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := fields[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Upsert replaces entities with a known identity and appends the rest.
func (c *Collection[T]) Upsert(items ...T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		key := c.id(item)
		fields := c.fields(item)
		if i, ok := c.index[key]; ok {
			c.items[i] = item
			c.matches[i] = fields
			continue
		}
		c.index[key] = len(c.items)
		c.items = append(c.items, item)
		c.matches = append(c.matches, fields)
	}
}

// Fetcher loads entities from the remote system.
type Fetcher[T any] func(ctx context.Context) ([]T, error)

// ReadThrough answers from the collection when the filter is non-empty and
// matches cached entities exactly; otherwise it calls fetch and upserts what
// comes back.
func ReadThrough[T any](ctx context.Context, c *Collection[T], filter map[string]string, fetch Fetcher[T]) (Result[T], error) {
	if len(filter) > 0 && c.Len() > 0 {
		if hits := c.Match(filter); len(hits) > 0 {
			slog.Debug("cache hit", "collection", c.name, "count", len(hits))
			return Result[T]{Entities: hits, Source: SourceCache, Count: len(hits)}, nil
		}
	}

	items, err := fetch(ctx)
	if err != nil {
		return Result[T]{}, err
	}
	if len(items) == 0 {
		return Result[T]{Entities: []T{}, Source: SourceAPI, Count: 0}, nil
	}

	c.Upsert(items...)
	slog.Debug("cache updated", "collection", c.name, "fetched", len(items), "size", c.Len())
	return Result[T]{Entities: items, Source: SourceAPI, Count: len(items)}, nil
}
