// Package redisstate implements [callstate.State] on Redis so that several
// replicas can share call contexts, finalization markers and per-call locks.
//
// Layout per call id (the braces form a Redis Cluster hash tag so all keys
// of a call live in the same slot):
//
//	<prefix>{<callID>}:ctx    HASH   snake_case fields of the call record
//	<prefix>{<callID>}:final  STRING finalization marker
//	<prefix>{<callID>}:lock   STRING random owner token, PX lock TTL
//
// Merging only ever HSETs non-empty fields, which gives the additive
// "empty never overwrites" semantics for free. Eviction is delegated to Redis
// key expiry.
package redisstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/callrelay/internal/callstate"
	"github.com/MrWong99/callrelay/pkg/callctx"
)

var _ callstate.State = (*State)(nil)

const (
	defaultPrefix       = "callrelay:"
	defaultPollInterval = 25 * time.Millisecond
)

// unlockScript deletes the lock key only when it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config configures a [State].
type Config struct {
	// Addr is the Redis host:port.
	Addr string

	// Password is the optional AUTH password.
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix is prepended to every key. Default: "callrelay:".
	KeyPrefix string

	// Retention is the TTL applied by ScheduleEviction and to finalization
	// markers. Default: [callstate.DefaultRetention].
	Retention time.Duration

	// IdleTTL is applied when a call's context is first created.
	// Default: [callstate.DefaultIdleTTL].
	IdleTTL time.Duration

	// LockTTL bounds how long a crashed holder can block a call id. The
	// lease is not renewed, so callers must bound their critical section
	// below it. Default: [callstate.DefaultLockTTL].
	LockTTL time.Duration
}

// State is a Redis-backed [callstate.State]. Safe for concurrent use.
type State struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	idleTTL   time.Duration
	lockTTL   time.Duration
	poll      time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*State, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redisstate: addr must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstate: ping %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client. Addr, Password and DB in cfg are
// ignored.
func NewWithClient(client redis.UniversalClient, cfg Config) *State {
	s := &State{
		client:    client,
		prefix:    cfg.KeyPrefix,
		retention: cfg.Retention,
		idleTTL:   cfg.IdleTTL,
		lockTTL:   cfg.LockTTL,
		poll:      defaultPollInterval,
	}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.retention <= 0 {
		s.retention = callstate.DefaultRetention
	}
	if s.idleTTL <= 0 {
		s.idleTTL = callstate.DefaultIdleTTL
	}
	if s.lockTTL <= 0 {
		s.lockTTL = callstate.DefaultLockTTL
	}
	return s
}

func (s *State) key(callID, kind string) string {
	return s.prefix + "{" + callID + "}:" + kind
}

// Merge implements [callstate.Store].
func (s *State) Merge(ctx context.Context, callID string, update callctx.Record) (callctx.Record, error) {
	key := s.key(callID, "ctx")

	fields := update.Fields()
	fields["call_id"] = callID
	args := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}

	var all *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, args...)
		// NX: a TTL lowered by ScheduleEviction must not be pushed back out.
		pipe.ExpireNX(ctx, key, s.idleTTL)
		all = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return callctx.Record{}, fmt.Errorf("redisstate: merge %s: %w", callID, err)
	}
	return callctx.FromFields(all.Val()), nil
}

// Get implements [callstate.Store].
func (s *State) Get(ctx context.Context, callID string) (callctx.Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(callID, "ctx")).Result()
	if err != nil {
		return callctx.Record{}, false, fmt.Errorf("redisstate: get %s: %w", callID, err)
	}
	if len(fields) == 0 {
		return callctx.Record{}, false, nil
	}
	return callctx.FromFields(fields), true, nil
}

// IsFinalized implements [callstate.Guard].
func (s *State) IsFinalized(ctx context.Context, callID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(callID, "final")).Result()
	if err != nil {
		return false, fmt.Errorf("redisstate: is finalized %s: %w", callID, err)
	}
	return n > 0, nil
}

// MarkFinalized implements [callstate.Guard]. The marker carries the
// retention TTL so it disappears even when no eviction is scheduled.
func (s *State) MarkFinalized(ctx context.Context, callID string) error {
	if err := s.client.Set(ctx, s.key(callID, "final"), "1", s.retention).Err(); err != nil {
		return fmt.Errorf("redisstate: mark finalized %s: %w", callID, err)
	}
	return nil
}

// LockTTL returns the lease applied by Lock.
func (s *State) LockTTL() time.Duration { return s.lockTTL }

// Lock implements [callstate.Locker] with a SET NX PX lease. The lease
// expires after LockTTL so a crashed replica cannot wedge a call id.
func (s *State) Lock(ctx context.Context, callID string) (func(), error) {
	key := s.key(callID, "lock")
	token := uuid.NewString()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstate: lock %s: %w", callID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, s.client, []string{key}, token).Err()
	}, nil
}

// ScheduleEviction implements [callstate.Reaper] by lowering the TTL of the
// call's context and finalization marker to the retention window. EXPIRE LT
// only ever shortens a TTL, so the first terminal event fixes the eviction
// time and redeliveries do not push it out. Requires Redis 7.
func (s *State) ScheduleEviction(ctx context.Context, callID string) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ExpireLT(ctx, s.key(callID, "ctx"), s.retention)
		pipe.ExpireLT(ctx, s.key(callID, "final"), s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstate: schedule eviction %s: %w", callID, err)
	}
	return nil
}

// Ping implements [callstate.State].
func (s *State) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements [callstate.State].
func (s *State) Close() error {
	return s.client.Close()
}
