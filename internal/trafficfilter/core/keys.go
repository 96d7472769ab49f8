// Package core provides limiter key construction.
package core

import "sync"

const keyBufferCap = 256

// KeyBuilder builds pooled composite limiter keys.
type KeyBuilder struct {
	pool sync.Pool
}

// NewKeyBuilder constructs a key builder.
func NewKeyBuilder() *KeyBuilder {
	return &KeyBuilder{pool: sync.Pool{New: func() any {
		return make([]byte, 0, keyBufferCap)
	}}}
}

// Build joins rule id, config version, and source into one key.
func (kb *KeyBuilder) Build(ruleID, version, source string) []byte {
	if kb == nil {
		return []byte(ruleID + "\x1f" + version + "\x1f" + source)
	}
	buf := kb.pool.Get().([]byte)[:0]
	buf = append(buf, ruleID...)
	buf = append(buf, '\x1f')
	buf = append(buf, version...)
	buf = append(buf, '\x1f')
	buf = append(buf, source...)
	return buf
}

// Release returns a key buffer to the pool.
func (kb *KeyBuilder) Release(b []byte) {
	if kb == nil || b == nil || cap(b) > keyBufferCap*4 {
		return
	}
	kb.pool.Put(b[:0])
}
