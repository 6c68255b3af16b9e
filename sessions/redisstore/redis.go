// Package redisstore implements sessions.MetadataStore on Redis so session
// activity can be inspected across processes and survives restarts of the
// status surface. Each session is one hash; a set indexes the live ids.
//
// Timestamps are stored as unix milliseconds so the monotonic-touch script
// compares exact integers inside Lua.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-exchange-server/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

var _ sessions.MetadataStore = (*Store)(nil)

// Config for the Redis metadata store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:exchange:sessions:"`
}

// Store is a Redis-backed sessions.MetadataStore.
type Store struct {
	client    *redis.Client
	ownClient bool
	keyPrefix string
}

const (
	fieldCreated  = "created"
	fieldLast     = "last"
	fieldRequests = "req"
	fieldErrors   = "err"
	fieldAuto     = "auto"
)

var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'created', ARGV[2], 'last', ARGV[3], 'req', '0', 'err', '0', 'auto', ARGV[4])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'last'))
local at = tonumber(ARGV[1])
if cur == nil or at > cur then
  redis.call('HSET', KEYS[1], 'last', ARGV[1])
  return 1
end
return 0
`)

var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], '1')
`)

// New dials cfg.Addr and verifies the connection with a PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	s, err := NewWithClient(ctx, cl, cfg.KeyPrefix)
	if err != nil {
		_ = cl.Close()
		return nil, err
	}
	s.ownClient = true
	return s, nil
}

// NewWithClient wraps an existing client. The store does not close it.
func NewWithClient(ctx context.Context, cl *redis.Client, keyPrefix string) (*Store, error) {
	if cl == nil {
		return nil, errors.New("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = "mcp:exchange:sessions:"
	}
	if err := cl.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: cl, keyPrefix: keyPrefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client if the store created it.
func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

// --- Key helpers ---

func (s *Store) metaKey(id string) string { return s.keyPrefix + "meta:" + id }
func (s *Store) idsKey() string           { return s.keyPrefix + "ids" }

func (s *Store) Insert(ctx context.Context, md sessions.Metadata) error {
	auto := "0"
	if md.AutoRecreated {
		auto = "1"
	}
	n, err := insertScript.Run(ctx, s.client,
		[]string{s.metaKey(md.ID), s.idsKey()},
		md.ID, md.CreatedAt.UnixMilli(), md.LastActivityAt.UnixMilli(), auto,
	).Int64()
	if err != nil {
		return fmt.Errorf("redis insert: %w", err)
	}
	if n == 0 {
		return sessions.ErrSessionExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (sessions.Metadata, error) {
	vals, err := s.client.HGetAll(ctx, s.metaKey(id)).Result()
	if err != nil {
		return sessions.Metadata{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(vals) == 0 {
		return sessions.Metadata{}, sessions.ErrSessionNotFound
	}
	return decodeMetadata(id, vals)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.metaKey(id))
		pipe.SRem(ctx, s.idsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	if err := touchScript.Run(ctx, s.client, []string{s.metaKey(id)}, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redis touch: %w", err)
	}
	return nil
}

func (s *Store) IncrRequests(ctx context.Context, id string) (int64, error) {
	return s.incr(ctx, id, fieldRequests)
}

func (s *Store) IncrErrors(ctx context.Context, id string) (int64, error) {
	return s.incr(ctx, id, fieldErrors)
}

func (s *Store) incr(ctx context.Context, id, field string) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{s.metaKey(id)}, field).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", field, err)
	}
	return n, nil
}

// List returns every indexed session. Ids whose hash has vanished are skipped.
func (s *Store) List(ctx context.Context) ([]sessions.Metadata, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return []sessions.Metadata{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.metaKey(id))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	out := make([]sessions.Metadata, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		md, err := decodeMetadata(ids[i], vals)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, nil
}

func decodeMetadata(id string, vals map[string]string) (sessions.Metadata, error) {
	md := sessions.Metadata{ID: id, AutoRecreated: vals[fieldAuto] == "1"}
	var err error
	parse := func(field string) int64 {
		if err != nil {
			return 0
		}
		v, perr := strconv.ParseInt(vals[field], 10, 64)
		if perr != nil {
			err = fmt.Errorf("decode session %s field %q: %w", id, field, perr)
		}
		return v
	}
	md.CreatedAt = time.UnixMilli(parse(fieldCreated)).UTC()
	md.LastActivityAt = time.UnixMilli(parse(fieldLast)).UTC()
	md.RequestCount = parse(fieldRequests)
	md.ErrorCount = parse(fieldErrors)
	if err != nil {
		return sessions.Metadata{}, err
	}
	return md, nil
}
