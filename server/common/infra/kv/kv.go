// Package kv holds the durable key/value backends behind the client's state store.
package kv

import (
	"context"
	"sync"
)

// Persister stores opaque serialized snapshots by key.
type Persister interface {
	LoadAll(ctx context.Context) (map[string][]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type MemoryPersister struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{entries: map[string][]byte{}}
}

func (p *MemoryPersister) LoadAll(ctx context.Context) (map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]byte, len(p.entries))
	for key, value := range p.entries {
		out[key] = append([]byte(nil), value...)
	}
	return out, nil
}

func (p *MemoryPersister) Save(ctx context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[key] = append([]byte(nil), value...)
	return nil
}

func (p *MemoryPersister) Delete(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
	return nil
}

func (p *MemoryPersister) Close() error {
	return nil
}
