package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStorage is the distributed backend: every gate value lives in a
// Redis-compatible server, reachable and durable across any number of
// processes and hosts. Ported from the source's RedisStorage/
// RedisReentrantLock pair, with the list/sum/timestamp keys hash-tagged so a
// Redis Cluster always routes a gate's keys to the same slot (spec 6).
type redisStorage struct {
	client redis.UniversalClient
	owned  bool
	frames int

	listKey     string
	sumKey      string
	tsKey       string
	globalLock  string
	globalOwner string
	globalCount string
	lockOwner   string
	lockTimeout time.Duration
}

func newRedisKeys(name string) (listKey, sumKey, tsKey, globalLock, globalOwner, globalCount string) {
	tag := "{" + name + "}"
	return tag, tag + ":sum", tag + ":timestamp", tag + ":global_lock", tag + ":lock_owner", tag + ":lock_count"
}

func randomOwnerToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func newRedisStorage(ctx context.Context, client redis.UniversalClient, owned bool, name string, frames int, data []int64, ts time.Time, hasTS bool) (*redisStorage, error) {
	listKey, sumKey, tsKey, globalLock, globalOwner, globalCount := newRedisKeys(name)
	s := &redisStorage{
		client:      client,
		owned:       owned,
		frames:      frames,
		listKey:     listKey,
		sumKey:      sumKey,
		tsKey:       tsKey,
		globalLock:  globalLock,
		globalOwner: globalOwner,
		globalCount: globalCount,
		lockOwner:   randomOwnerToken(),
		lockTimeout: time.Second,
	}

	if err := s.withGlobalLock(ctx, func() error {
		args := make([]any, 0, frames+1)
		args = append(args, s.frames)
		if data != nil {
			for _, v := range data {
				args = append(args, v)
			}
		}
		if err := redisInitScript.Run(ctx, s.client, []string{s.listKey, s.sumKey}, args...).Err(); err != nil {
			return newBackendError(err, "initializing redis storage")
		}
		if hasTS {
			if err := s.client.Set(ctx, s.tsKey, ts.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
				return newBackendError(err, "persisting initial timestamp")
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// withGlobalLock mirrors RedisReentrantLock: a TTL'd, owner-tagged lock that
// the same owner token can re-enter without blocking on itself, refreshing
// the TTL on every acquisition and releasing only once the nesting count
// drops to zero.
func (s *redisStorage) withGlobalLock(ctx context.Context, fn func() error) error {
	for {
		owner, err := s.client.Get(ctx, s.globalOwner).Result()
		if err != nil && err != redis.Nil {
			return newBackendError(err, "reading redis lock owner")
		}
		if owner == s.lockOwner {
			if err := s.client.HIncrBy(ctx, s.globalCount, s.lockOwner, 1).Err(); err != nil {
				return newBackendError(err, "incrementing redis lock count")
			}
			s.client.Expire(ctx, s.globalLock, s.lockTimeout)
			s.client.Expire(ctx, s.globalOwner, s.lockTimeout)
			break
		}

		ok, err := s.client.SetNX(ctx, s.globalLock, "1", s.lockTimeout).Result()
		if err != nil {
			return newBackendError(err, "acquiring redis lock")
		}
		if ok {
			if err := s.client.Set(ctx, s.globalOwner, s.lockOwner, s.lockTimeout).Err(); err != nil {
				return newBackendError(err, "setting redis lock owner")
			}
			if err := s.client.HSet(ctx, s.globalCount, s.lockOwner, 1).Err(); err != nil {
				return newBackendError(err, "seeding redis lock count")
			}
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	defer func() {
		count, err := s.client.HIncrBy(ctx, s.globalCount, s.lockOwner, -1).Result()
		if err != nil {
			return
		}
		if count <= 0 {
			s.client.Del(ctx, s.globalLock, s.globalOwner, s.globalCount)
		} else {
			s.client.Expire(ctx, s.globalLock, s.lockTimeout)
			s.client.Expire(ctx, s.globalOwner, s.lockTimeout)
		}
	}()

	return fn()
}

// redisInitScript implements seed-or-resume semantics (spec 4.7, Open
// Question resolution 2): caller-supplied data is prepended to whatever
// list already exists under this name, then the combined list is
// padded/truncated to capacity. This makes attach idempotent across
// restarts while still honoring an explicit seed - it is not a reset;
// callers that want a clean slate call Clear.
var redisInitScript = redis.NewScript(`
local key_list = KEYS[1]
local key_sum = KEYS[2]
local capacity = tonumber(ARGV[1])

local combined = {}
for i = 2, #ARGV do
	table.insert(combined, ARGV[i])
end
local existing = redis.call("LRANGE", key_list, 0, -1)
for _, v in ipairs(existing) do
	table.insert(combined, v)
end

if #combined == 0 then
	for i = 1, capacity do
		table.insert(combined, "0")
	end
elseif #combined < capacity then
	local pad = capacity - #combined
	for i = 1, pad do
		table.insert(combined, "0")
	end
elseif #combined > capacity then
	local trimmed = {}
	for i = 1, capacity do
		trimmed[i] = combined[i]
	end
	combined = trimmed
end

local total = 0
for _, v in ipairs(combined) do
	total = total + tonumber(v)
end

redis.call("DEL", key_list)
for i = 1, #combined do
	redis.call("RPUSH", key_list, combined[i])
end
redis.call("SET", key_sum, total)
return total
`)

var redisSlideScript = redis.NewScript(`
local key_list = KEYS[1]
local key_sum = KEYS[2]
local n = tonumber(ARGV[1])
local removed_sum = 0
for i = 1, n do
	local val = redis.call("RPOP", key_list)
	if val then
		removed_sum = removed_sum + tonumber(val)
	end
	redis.call("LPUSH", key_list, "0")
end
local current_sum = tonumber(redis.call("GET", key_sum) or "0")
redis.call("SET", key_sum, current_sum - removed_sum)
return removed_sum
`)

var redisAtomicUpdateScript = redis.NewScript(`
local key_list = KEYS[1]
local key_sum = KEYS[2]
local inc_value = tonumber(ARGV[1])
local frame_limit = tonumber(ARGV[2])
local gate_limit = tonumber(ARGV[3])
local current_value = tonumber(redis.call("LINDEX", key_list, 0) or "0")
local new_value = current_value + inc_value
local current_sum = tonumber(redis.call("GET", key_sum) or "0")
local new_sum = current_sum + inc_value
if frame_limit > 0 and new_value > frame_limit then
	return redis.error_reply("Frame limit exceeded")
end
if gate_limit > 0 and new_sum > gate_limit then
	return redis.error_reply("Gate limit exceeded")
end
if new_sum < 0 then
	return redis.error_reply("Gate overflow")
end
if new_value < 0 then
	return redis.error_reply("Frame overflow")
end
redis.call("LSET", key_list, 0, new_value)
redis.call("SET", key_sum, new_sum)
return new_value
`)

var redisStateScript = redis.NewScript(`
local key_list = KEYS[1]
local key_sum = KEYS[2]
local data = redis.call("LRANGE", key_list, 0, -1)
local stored_sum = tonumber(redis.call("GET", key_sum) or "0")
local calculated_sum = 0
for _, v in ipairs(data) do
	calculated_sum = calculated_sum + tonumber(v)
end
if calculated_sum ~= stored_sum then
	return redis.error_reply("Sum mismatch")
end
return data
`)

func (s *redisStorage) Slide(ctx context.Context, n int) error {
	if n < 1 || n > s.frames {
		return newConfigError("slide: n out of range")
	}
	return s.withGlobalLock(ctx, func() error {
		if err := redisSlideScript.Run(ctx, s.client, []string{s.listKey, s.sumKey}, n).Err(); err != nil {
			return newBackendError(err, "sliding redis storage")
		}
		return nil
	})
}

func (s *redisStorage) AtomicUpdate(ctx context.Context, value, frameLimit, gateLimit int64) (int64, error) {
	var newValue int64
	err := s.withGlobalLock(ctx, func() error {
		res, err := redisAtomicUpdateScript.Run(ctx, s.client, []string{s.listKey, s.sumKey}, value, frameLimit, gateLimit).Result()
		if err != nil {
			return translateRedisScriptError(err, frameLimit, gateLimit)
		}
		n, ok := res.(int64)
		if !ok {
			return newBackendError(nil, "unexpected redis atomic_update reply: %T", res)
		}
		newValue = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newValue, nil
}

func translateRedisScriptError(err error, frameLimit, gateLimit int64) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Frame limit exceeded"):
		return newFrameLimitError(nil, frameLimit)
	case strings.Contains(msg, "Gate limit exceeded"):
		return newGateLimitError(nil, gateLimit)
	case strings.Contains(msg, "Gate overflow"):
		return newGateOverflowError(nil)
	case strings.Contains(msg, "Frame overflow"):
		return newFrameOverflowError(nil)
	default:
		return newBackendError(err, "redis atomic_update")
	}
}

func (s *redisStorage) Sum(ctx context.Context) (int64, error) {
	var out int64
	err := s.withGlobalLock(ctx, func() error {
		v, err := s.client.Get(ctx, s.sumKey).Int64()
		if err == redis.Nil {
			out = 0
			return nil
		}
		if err != nil {
			return newBackendError(err, "reading redis sum")
		}
		out = v
		return nil
	})
	return out, err
}

func (s *redisStorage) State(ctx context.Context) ([]int64, error) {
	var out []int64
	err := s.withGlobalLock(ctx, func() error {
		res, err := redisStateScript.Run(ctx, s.client, []string{s.listKey, s.sumKey}).Result()
		if err != nil {
			return newBackendError(err, "reading redis state")
		}
		raw, ok := res.([]any)
		if !ok {
			return newBackendError(nil, "unexpected redis state reply: %T", res)
		}
		out = make([]int64, len(raw))
		for i, v := range raw {
			str, ok := v.(string)
			if !ok {
				return newBackendError(nil, "unexpected redis state element: %T", v)
			}
			var n int64
			if _, err := fmt.Sscanf(str, "%d", &n); err != nil {
				return newBackendError(err, "parsing redis state element")
			}
			out[i] = n
		}
		return nil
	})
	return out, err
}

func (s *redisStorage) Clear(ctx context.Context) error {
	return s.withGlobalLock(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.listKey)
		zeros := make([]any, s.frames)
		for i := range zeros {
			zeros[i] = int64(0)
		}
		pipe.RPush(ctx, s.listKey, zeros...)
		pipe.Set(ctx, s.sumKey, int64(0), 0)
		pipe.Del(ctx, s.tsKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return newBackendError(err, "clearing redis storage")
		}
		return nil
	})
}

func (s *redisStorage) Timestamp(ctx context.Context) (time.Time, bool, error) {
	var t time.Time
	var ok bool
	err := s.withGlobalLock(ctx, func() error {
		v, err := s.client.Get(ctx, s.tsKey).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return newBackendError(err, "reading redis timestamp")
		}
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return newConfigError("malformed persisted timestamp: %v", err)
		}
		t, ok = parsed, true
		return nil
	})
	return t, ok, err
}

func (s *redisStorage) SetTimestamp(ctx context.Context, t time.Time) error {
	return s.withGlobalLock(ctx, func() error {
		if err := s.client.Set(ctx, s.tsKey, t.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
			return newBackendError(err, "persisting redis timestamp")
		}
		return nil
	})
}

// Close closes the underlying client only if this storage owns it, i.e.
// WithOwnedRedisClient was given alongside WithRedisStorage. Otherwise the
// client is borrowed: the caller retains responsibility for closing it, and
// Close is a no-op here.
func (s *redisStorage) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

var _ Storage = (*redisStorage)(nil)
