package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultResponseTTL bounds how long an uncollected response is kept.
const DefaultResponseTTL = 5 * time.Minute

// Response is one executor reply as held by the store.
type Response struct {
	Seq            uint64          `json:"seq"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	OriginIdentity string          `json:"origin_identity"`
	Payload        json.RawMessage `json:"payload"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// Store keeps responses under their correlation id and their origin identity slot.
// Take operations consume: a hit is removed before it is returned.
type Store interface {
	Put(ctx context.Context, resp Response) error
	// TakeByCorrelation leaves the entry in place when identity is set and does not
	// match the entry's origin.
	TakeByCorrelation(ctx context.Context, correlationID, identity string) (Response, bool, error)
	TakeByIdentity(ctx context.Context, identity string) (Response, bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

const (
	corrKeyPrefix  = "corr:"
	identKeyPrefix = "ident:"
)

func corrKey(id string) string       { return corrKeyPrefix + id }
func identKey(identity string) string { return identKeyPrefix + identity }

type storeShard struct {
	mu    sync.Mutex
	items map[string]Response
}

// MemoryStore is the in-process Store. Keys are spread over shards; operations that
// touch both keys of one arrival lock both shards in index order.
type MemoryStore struct {
	ttl    time.Duration
	seq    atomic.Uint64
	now    func() time.Time
	shards [shardCount]*storeShard
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	m := &MemoryStore{ttl: ttl, now: time.Now}
	for i := range m.shards {
		m.shards[i] = &storeShard{items: make(map[string]Response)}
	}
	return m
}

func (m *MemoryStore) lockPair(a, b string) func() {
	ia, ib := shardIndex(a), shardIndex(b)
	if ia == ib {
		m.shards[ia].mu.Lock()
		return m.shards[ia].mu.Unlock
	}
	if ia > ib {
		ia, ib = ib, ia
	}
	m.shards[ia].mu.Lock()
	m.shards[ib].mu.Lock()
	return func() {
		m.shards[ib].mu.Unlock()
		m.shards[ia].mu.Unlock()
	}
}

// Put overwrites the identity slot and, when present, the correlation entry.
func (m *MemoryStore) Put(_ context.Context, resp Response) error {
	resp.OriginIdentity = strings.TrimSpace(resp.OriginIdentity)
	resp.CorrelationID = strings.TrimSpace(resp.CorrelationID)
	if resp.OriginIdentity == "" {
		return ErrIdentityRequired
	}
	if resp.Seq == 0 {
		resp.Seq = m.seq.Add(1)
	}
	if resp.ReceivedAt.IsZero() {
		resp.ReceivedAt = m.now()
	}

	ik := identKey(resp.OriginIdentity)
	if resp.CorrelationID == "" {
		s := m.shards[shardIndex(ik)]
		s.mu.Lock()
		s.items[ik] = resp
		s.mu.Unlock()
		return nil
	}

	ck := corrKey(resp.CorrelationID)
	unlock := m.lockPair(ck, ik)
	defer unlock()
	m.shards[shardIndex(ik)].items[ik] = resp
	m.shards[shardIndex(ck)].items[ck] = resp
	return nil
}

func (m *MemoryStore) TakeByCorrelation(_ context.Context, correlationID, identity string) (Response, bool, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return Response{}, false, nil
	}
	identity = strings.TrimSpace(identity)
	resp, ok := m.takeKey(corrKey(correlationID), func(r Response) bool {
		return identity == "" || r.OriginIdentity == identity
	}, func(r Response) string {
		return identKey(r.OriginIdentity)
	})
	return resp, ok, nil
}

func (m *MemoryStore) TakeByIdentity(_ context.Context, identity string) (Response, bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Response{}, false, nil
	}
	resp, ok := m.takeKey(identKey(identity), nil, func(r Response) string {
		if r.CorrelationID == "" {
			return ""
		}
		return corrKey(r.CorrelationID)
	})
	return resp, ok, nil
}

// takeKey consumes key and drops the sibling key only when it holds the same arrival.
// An entry rejected by accept is left untouched.
func (m *MemoryStore) takeKey(key string, accept func(Response) bool, sibling func(Response) string) (Response, bool) {
	for {
		s := m.shards[shardIndex(key)]
		s.mu.Lock()
		resp, ok := s.items[key]
		s.mu.Unlock()
		if !ok {
			return Response{}, false
		}
		if accept != nil && !accept(resp) {
			return Response{}, false
		}

		sk := sibling(resp)
		var unlock func()
		if sk == "" {
			s.mu.Lock()
			unlock = s.mu.Unlock
		} else {
			unlock = m.lockPair(key, sk)
		}

		current, still := s.items[key]
		if !still {
			unlock()
			return Response{}, false
		}
		if current.Seq != resp.Seq {
			// overwritten between peek and lock; retry against the newer arrival
			unlock()
			continue
		}
		delete(s.items, key)
		if sk != "" {
			ss := m.shards[shardIndex(sk)]
			if other, ok := ss.items[sk]; ok && other.Seq == resp.Seq {
				delete(ss.items, sk)
			}
		}
		unlock()

		if m.expired(resp, m.now()) {
			return Response{}, false
		}
		return resp, true
	}
}

func (m *MemoryStore) expired(resp Response, now time.Time) bool {
	return now.Sub(resp.ReceivedAt) > m.ttl
}

// Sweep removes every entry older than the TTL under either key.
func (m *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for _, s := range m.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		s.mu.Lock()
		for key, resp := range s.items {
			if m.expired(resp, now) {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Len reports the number of stored keys, counting both keys of one arrival.
func (m *MemoryStore) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
