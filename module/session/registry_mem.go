package session

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	username string
	expireAt time.Time
}

// MemRegistry 单节点用；过期项在 Lookup 时惰性删除，Sweep 定期批量清
type MemRegistry struct {
	mu    sync.RWMutex
	byKey map[string]memEntry
	clock func() time.Time
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{byKey: make(map[string]memEntry), clock: time.Now}
}

func (r *MemRegistry) Save(_ context.Context, tokenHash, username string, ttl time.Duration) error {
	r.mu.Lock()
	r.byKey[tokenHash] = memEntry{username: username, expireAt: r.clock().Add(ttl)}
	r.mu.Unlock()
	return nil
}

func (r *MemRegistry) Lookup(_ context.Context, tokenHash string) (string, error) {
	r.mu.RLock()
	e, ok := r.byKey[tokenHash]
	r.mu.RUnlock()
	if !ok {
		return "", ErrUnknownToken
	}
	if r.clock().After(e.expireAt) {
		r.mu.Lock()
		delete(r.byKey, tokenHash)
		r.mu.Unlock()
		return "", ErrUnknownToken
	}
	return e.username, nil
}

func (r *MemRegistry) Delete(_ context.Context, tokenHash string) error {
	r.mu.Lock()
	delete(r.byKey, tokenHash)
	r.mu.Unlock()
	return nil
}

// Sweep 返回清掉的条数
func (r *MemRegistry) Sweep() int {
	now := r.clock()
	n := 0
	r.mu.Lock()
	for k, e := range r.byKey {
		if now.After(e.expireAt) {
			delete(r.byKey, k)
			n++
		}
	}
	r.mu.Unlock()
	return n
}
