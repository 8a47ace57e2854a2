package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// codec is the same JSON config the wire layer uses.
var codec = sonic.ConfigStd

const DefaultRedisKeyPrefix = "relayctl:resp:"

// takeScript consumes KEYS[1] and drops the sibling key when it holds the same arrival.
// ARGV[1] selects the lookup side ("corr" or "ident"), ARGV[2] is the key prefix and
// ARGV[3], when non-empty, is the only origin identity a corr lookup may consume.
var takeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return false end
local e = cjson.decode(v)
if ARGV[1] == 'corr' and ARGV[3] ~= '' and e.origin_identity ~= ARGV[3] then return false end
redis.call('DEL', KEYS[1])
local sib = nil
if ARGV[1] == 'corr' then
  sib = ARGV[2] .. 'ident:' .. e.origin_identity
elseif type(e.correlation_id) == 'string' and e.correlation_id ~= '' then
  sib = ARGV[2] .. 'corr:' .. e.correlation_id
end
if sib then
  local s = redis.call('GET', sib)
  if s == v then redis.call('DEL', sib) end
end
return v
`)

// RedisStore keeps responses in Redis. Expiry is native (SET EX), so Sweep has
// nothing to do; the relay's sweeper still calls it on schedule.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration, prefix string) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisStoreFromURL parses a redis:// URL and pings the server before returning.
func NewRedisStoreFromURL(ctx context.Context, url string, ttl time.Duration, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("relay: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay: connect redis: %w", err)
	}
	return NewRedisStore(client, ttl, prefix), nil
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

func (r *RedisStore) Put(ctx context.Context, resp Response) error {
	resp.OriginIdentity = strings.TrimSpace(resp.OriginIdentity)
	resp.CorrelationID = strings.TrimSpace(resp.CorrelationID)
	if resp.OriginIdentity == "" {
		return ErrIdentityRequired
	}
	if resp.ReceivedAt.IsZero() {
		resp.ReceivedAt = time.Now()
	}
	if resp.Seq == 0 {
		seq, err := r.client.Incr(ctx, r.key("seq")).Result()
		if err != nil {
			return fmt.Errorf("relay: redis seq: %w", err)
		}
		resp.Seq = uint64(seq)
	}
	raw, err := codec.Marshal(resp)
	if err != nil {
		return fmt.Errorf("relay: encode response: %w", err)
	}

	ttl := r.ttl - time.Since(resp.ReceivedAt)
	if ttl <= 0 {
		return nil
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(identKey(resp.OriginIdentity)), raw, ttl)
		if resp.CorrelationID != "" {
			pipe.Set(ctx, r.key(corrKey(resp.CorrelationID)), raw, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("relay: redis put: %w", err)
	}
	return nil
}

func (r *RedisStore) TakeByCorrelation(ctx context.Context, correlationID, identity string) (Response, bool, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return Response{}, false, nil
	}
	return r.take(ctx, "corr", corrKey(correlationID), strings.TrimSpace(identity))
}

func (r *RedisStore) TakeByIdentity(ctx context.Context, identity string) (Response, bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Response{}, false, nil
	}
	return r.take(ctx, "ident", identKey(identity), "")
}

func (r *RedisStore) take(ctx context.Context, side, key, owner string) (Response, bool, error) {
	raw, err := takeScript.Run(ctx, r.client, []string{r.key(key)}, side, r.prefix, owner).Text()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("relay: redis take: %w", err)
	}
	var resp Response
	if err := codec.UnmarshalFromString(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("relay: decode response: %w", err)
	}
	return resp, true, nil
}

func (r *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
