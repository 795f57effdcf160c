// Package cache implements the fixed-size object caches used to allocate the
// memory manager's metadata records (address spaces, regions, gaps, page
// tables). Each cache hands out zero-initialized records with O(1) amortized
// cost and recycles freed records through a free list.
//
// Caches are explicit instances injected by the kernel initialization
// sequence rather than lazily-initialized globals, so creating an address
// space does not pay a did-we-init-yet branch.
package cache

import (
	"github.com/llenotre/maestro/kernel"
	"github.com/llenotre/maestro/kernel/sync"
)

// ErrCacheExhausted is returned by Alloc when the cache was created with an
// object limit and the limit is reached. Callers surface it as an
// out-of-memory condition.
var ErrCacheExhausted = &kernel.Error{Module: "cache", Message: "object cache exhausted"}

// Cache is a fixed-size object cache for records of type T.
type Cache[T any] struct {
	lock sync.Spinlock

	// name identifies the cache in diagnostics.
	name string

	// limit bounds the number of live objects; 0 means unbounded. A
	// bounded cache reports exhaustion through ErrCacheExhausted, which
	// is also how tests drive allocation-failure paths.
	limit int

	// live counts objects currently handed out.
	live int

	freeList []*T
}

// New creates an object cache for records of type T. A non-zero limit bounds
// the number of simultaneously live records.
func New[T any](name string, limit int) *Cache[T] {
	return &Cache[T]{name: name, limit: limit}
}

// Name returns the cache identifier supplied to New.
func (c *Cache[T]) Name() string {
	return c.name
}

// Alloc returns a zero-initialized record, recycling a previously freed one
// when available.
func (c *Cache[T]) Alloc() (*T, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	if c.limit > 0 && c.live >= c.limit {
		return nil, ErrCacheExhausted
	}
	c.live++

	if n := len(c.freeList); n > 0 {
		obj := c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
		return obj, nil
	}
	return new(T), nil
}

// Free returns a record to the cache. The record is cleared before being
// placed on the free list so that a later Alloc never observes stale
// contents. Freeing nil has no effect.
func (c *Cache[T]) Free(obj *T) {
	if obj == nil {
		return
	}

	var zero T
	*obj = zero

	c.lock.Acquire()
	defer c.lock.Release()
	c.live--
	c.freeList = append(c.freeList, obj)
}

// Live returns the number of records currently handed out.
func (c *Cache[T]) Live() int {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.live
}
