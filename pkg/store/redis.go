package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "voiceagent:session:"

// Redis is a Store backed by Redis, for deployments where several gateway
// nodes share one conversation space. Layout per session id:
//
//	<prefix>meta:<id>    JSON session metadata (persona)
//	<prefix>turns:<id>   list of JSON-encoded turns
//	<prefix>by-access    sorted set of ids scored by last-access unix nanos
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Addr is the server address (host:port).
	Addr string
	// Password is optional.
	Password string
	// DB is the database number.
	DB int
	// Prefix overrides the default key prefix.
	Prefix string
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisFromClient(client, cfg.Prefix), nil
}

// NewRedisFromClient wraps an existing client. Useful for tests with
// miniredis.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

type redisMeta struct {
	Persona string `json:"persona"`
}

func (r *Redis) metaKey(id string) string  { return r.prefix + "meta:" + id }
func (r *Redis) turnsKey(id string) string { return r.prefix + "turns:" + id }
func (r *Redis) accessKey() string         { return r.prefix + "by-access" }
func (r *Redis) score(t time.Time) float64 { return float64(t.UnixNano()) }

func (r *Redis) GetOrCreate(ctx context.Context, id, persona string) (*Session, error) {
	meta, err := json.Marshal(redisMeta{Persona: persona})
	if err != nil {
		return nil, fmt.Errorf("marshal session meta: %w", err)
	}
	created, err := r.client.SetNX(ctx, r.metaKey(id), meta, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	now := r.now()
	if err := r.client.ZAdd(ctx, r.accessKey(), redis.Z{Score: r.score(now), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	sess := &Session{ID: id, Persona: persona, LastAccessed: now}
	if created {
		return sess, nil
	}
	raw, err := r.client.Get(ctx, r.metaKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load session meta: %w", err)
	}
	if err == nil {
		var existing redisMeta
		if jsonErr := json.Unmarshal([]byte(raw), &existing); jsonErr == nil && existing.Persona != "" {
			sess.Persona = existing.Persona
		}
	}
	history, err := r.loadTurns(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.History = history
	return sess, nil
}

func (r *Redis) History(ctx context.Context, id string) ([]Turn, error) {
	exists, err := r.client.Exists(ctx, r.metaKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return nil, ErrSessionNotFound
	}
	history, err := r.loadTurns(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = r.client.ZAdd(ctx, r.accessKey(), redis.Z{Score: r.score(r.now()), Member: id}).Err()
	return history, nil
}

func (r *Redis) Append(ctx context.Context, id string, max int, turns ...Turn) error {
	encoded := make([]any, 0, len(turns))
	for _, turn := range turns {
		data, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		encoded = append(encoded, data)
	}

	pipe := r.client.TxPipeline()
	// Recreate on write so a reaped-but-active session comes back.
	pipe.SetNX(ctx, r.metaKey(id), `{"persona":""}`, 0)
	if len(encoded) > 0 {
		pipe.RPush(ctx, r.turnsKey(id), encoded...)
	}
	if max > 0 {
		pipe.LTrim(ctx, r.turnsKey(id), int64(-max), -1)
	}
	pipe.ZAdd(ctx, r.accessKey(), redis.Z{Score: r.score(r.now()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	return nil
}

func (r *Redis) RetractUserTurn(ctx context.Context, id string) (bool, error) {
	removed := false
	key := r.turnsKey(id)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		history := make([]Turn, 0, len(raw))
		for _, item := range raw {
			var turn Turn
			if err := json.Unmarshal([]byte(item), &turn); err != nil {
				return fmt.Errorf("decode turn: %w", err)
			}
			history = append(history, turn)
		}
		trimmed, ok := retractTail(history)
		if !ok {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(trimmed) == 0 {
				pipe.Del(ctx, key)
			} else {
				pipe.LTrim(ctx, key, 0, int64(len(trimmed)-1))
			}
			pipe.ZAdd(ctx, r.accessKey(), redis.Z{Score: r.score(r.now()), Member: id})
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}, key)
	if err != nil {
		return false, fmt.Errorf("retract user turn: %w", err)
	}
	return removed, nil
}

func (r *Redis) Truncate(ctx context.Context, id string, max int) error {
	if max <= 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	pipe.LTrim(ctx, r.turnsKey(id), int64(-max), -1)
	pipe.ZAdd(ctx, r.accessKey(), redis.Z{Score: r.score(r.now()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("truncate history: %w", err)
	}
	return nil
}

func (r *Redis) Touch(ctx context.Context, id string) error {
	err := r.client.ZAddXX(ctx, r.accessKey(), redis.Z{Score: r.score(r.now()), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.metaKey(id), r.turnsKey(id))
	pipe.ZRem(ctx, r.accessKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *Redis) Reap(ctx context.Context, now time.Time, idle time.Duration) (int, error) {
	cutoff := now.Add(-idle)
	ids, err := r.client.ZRangeByScore(ctx, r.accessKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(r.score(cutoff), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}
	count := 0
	for _, id := range ids {
		pipe := r.client.TxPipeline()
		delCmd := pipe.Del(ctx, r.metaKey(id), r.turnsKey(id))
		pipe.ZRem(ctx, r.accessKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return count, fmt.Errorf("reap session %q: %w", id, err)
		}
		// A concurrently-deleted id counts as already gone.
		if delCmd.Val() > 0 {
			count++
		}
	}
	return count, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) loadTurns(ctx context.Context, id string) ([]Turn, error) {
	raw, err := r.client.LRange(ctx, r.turnsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	history := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		history = append(history, turn)
	}
	return history, nil
}
