// Package core provides recency tracking for capped limiter shards.
package core

import "container/list"

// lruKeys tracks limiter keys in recency order. It is not safe for
// concurrent use; the owning shard lock guards it.
type lruKeys struct {
	items map[string]*list.Element
	order *list.List
}

func newLRUKeys() *lruKeys {
	return &lruKeys{
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Add inserts a key as most recently used.
func (lru *lruKeys) Add(key string) {
	if lru == nil {
		return
	}
	if element, ok := lru.items[key]; ok {
		lru.order.MoveToFront(element)
		return
	}
	lru.items[key] = lru.order.PushFront(key)
}

// Remove deletes a key.
func (lru *lruKeys) Remove(key string) {
	if lru == nil {
		return
	}
	element, ok := lru.items[key]
	if !ok {
		return
	}
	lru.order.Remove(element)
	delete(lru.items, key)
}

// Oldest returns the least recently used key.
func (lru *lruKeys) Oldest() (string, bool) {
	if lru == nil {
		return "", false
	}
	back := lru.order.Back()
	if back == nil {
		return "", false
	}
	key, _ := back.Value.(string)
	return key, true
}

// Len returns the tracked key count.
func (lru *lruKeys) Len() int {
	if lru == nil {
		return 0
	}
	return len(lru.items)
}
