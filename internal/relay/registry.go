package relay

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Conn is one live executor channel as seen by the relay.
type Conn interface {
	ID() string
	RemoteAddr() string
	Writable() bool
	Send(ctx context.Context, frame []byte) error
}

// Binding is a read-only projection of one registry entry.
type Binding struct {
	Identity   string
	ConnID     string
	RemoteAddr string
	BoundAt    time.Time
}

type binding struct {
	conn    Conn
	boundAt time.Time
}

type registryShard struct {
	mu    sync.RWMutex
	items map[string]binding
}

// Registry holds at most one live connection per executor identity.
type Registry struct {
	shards [shardCount]*registryShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{items: make(map[string]binding)}
	}
	return r
}

func (r *Registry) shard(identity string) *registryShard {
	return r.shards[shardIndex(identity)]
}

// Register binds conn to identity, replacing any prior binding. The superseded
// connection is returned but left open.
func (r *Registry) Register(identity string, conn Conn) (Conn, bool) {
	identity = strings.TrimSpace(identity)
	s := r.shard(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, replaced := s.items[identity]
	s.items[identity] = binding{conn: conn, boundAt: time.Now()}
	if replaced && prev.conn != conn {
		return prev.conn, true
	}
	return nil, false
}

func (r *Registry) Lookup(identity string) (Conn, bool) {
	identity = strings.TrimSpace(identity)
	s := r.shard(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.items[identity]
	if !ok {
		return nil, false
	}
	return b.conn, true
}

// Remove drops the binding only while conn is still the bound connection, so a
// late close handler cannot evict a newer registration.
func (r *Registry) Remove(identity string, conn Conn) bool {
	identity = strings.TrimSpace(identity)
	s := r.shard(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.items[identity]
	if !ok || b.conn != conn {
		return false
	}
	delete(s.items, identity)
	return true
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot returns all bindings ordered by identity.
func (r *Registry) Snapshot() []Binding {
	out := make([]Binding, 0)
	for _, s := range r.shards {
		s.mu.RLock()
		for identity, b := range s.items {
			out = append(out, Binding{
				Identity:   identity,
				ConnID:     b.conn.ID(),
				RemoteAddr: b.conn.RemoteAddr(),
				BoundAt:    b.boundAt,
			})
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity < out[j].Identity
	})
	return out
}

func shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}
