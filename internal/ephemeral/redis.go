package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "session:"
	portKeyPrefix    = "port:"
	holderKeyPrefix  = "port-holder:"
	scanBatch        = 100
)

// RedisStore is a Store shared by every orchestrator instance pointed at the
// same Redis. Atomicity comes from Lua scripts.
type RedisStore struct {
	rdb       redis.UniversalClient
	namespace string
	recordTTL time.Duration
	logger    *slog.Logger
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// Namespace is prepended to every key, e.g. "agentdesk:".
	Namespace string
	// RecordTTL expires live session records that stop being touched.
	RecordTTL time.Duration
	Logger    *slog.Logger
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient, opts RedisOptions) *RedisStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		rdb:       rdb,
		namespace: opts.Namespace,
		recordTTL: opts.RecordTTL,
		logger:    logger.With("component", "ephemeral.redis"),
	}
}

// DialRedis connects to the Redis at url and verifies it answers.
func DialRedis(ctx context.Context, url string, opts RedisOptions) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(rdb, opts), nil
}

func (r *RedisStore) sessionKey(id string) string { return r.namespace + sessionKeyPrefix + id }
func (r *RedisStore) holderKey(id string) string  { return r.namespace + holderKeyPrefix + id }
func (r *RedisStore) portPrefix() string          { return r.namespace + portKeyPrefix }

func (r *RedisStore) ttlMillis() int64 {
	return r.recordTTL.Milliseconds()
}

// CreateSession writes a new live record.
func (r *RedisStore) CreateSession(ctx context.Context, s *domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	n, err := createSessionScript.Run(ctx, r.rdb, []string{r.sessionKey(s.ID)},
		string(s.Status), data, s.LastActivity.UnixMilli(), r.ttlMillis()).Int()
	if err != nil {
		return fmt.Errorf("create session %s: %w", s.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s already exists", domain.ErrConflict, s.ID)
	}
	return nil
}

// GetSession returns the live record.
func (r *RedisStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	fields, err := r.rdb.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return decodeSession(fields)
}

func decodeSession(fields map[string]string) (*domain.Session, error) {
	var s domain.Session
	if err := json.Unmarshal([]byte(fields["data"]), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s.Status = domain.Status(fields["status"])
	if ms, err := strconv.ParseInt(fields["last_activity"], 10, 64); err == nil {
		s.LastActivity = time.UnixMilli(ms)
	}
	return &s, nil
}

// ListSessions scans every live record. The result is not a point-in-time
// snapshot: records may change between SCAN batches.
func (r *RedisStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	var out []*domain.Session
	iter := r.rdb.Scan(ctx, 0, r.namespace+sessionKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		fields, err := r.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", iter.Val(), err)
		}
		if len(fields) == 0 {
			continue
		}
		s, err := decodeSession(fields)
		if err != nil {
			r.logger.Warn("Skipping undecodable session record", "key", iter.Val(), "error", err)
			continue
		}
		out = append(out, s)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SwapSession replaces the record if its status equals expect.
func (r *RedisStore) SwapSession(ctx context.Context, next *domain.Session, expect domain.Status) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	n, err := swapSessionScript.Run(ctx, r.rdb, []string{r.sessionKey(next.ID)},
		string(expect), string(next.Status), data, r.ttlMillis()).Int()
	if err != nil {
		return fmt.Errorf("swap session %s: %w", next.ID, err)
	}
	switch n {
	case -1:
		return domain.ErrNotFound
	case 0:
		return fmt.Errorf("%w: %s is not %s", domain.ErrConflict, next.ID, expect)
	}
	return nil
}

// TouchSession moves LastActivity forward and refreshes the record TTL.
func (r *RedisStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	n, err := touchSessionScript.Run(ctx, r.rdb, []string{r.sessionKey(id)}, at.UnixMilli(), r.ttlMillis()).Int()
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if n == -1 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteSession removes the live record.
func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, r.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// ClaimPort claims the lowest unreferenced port in [lo, hi].
func (r *RedisStore) ClaimPort(ctx context.Context, sessionID string, lo, hi int, at time.Time) (int, error) {
	port, err := claimPortScript.Run(ctx, r.rdb, []string{r.holderKey(sessionID)},
		sessionID, lo, hi, at.UnixMilli(), r.portPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("claim port for %s: %w", sessionID, err)
	}
	if port < 0 {
		return 0, domain.ErrExhausted
	}
	return port, nil
}

// ReleasePort releases the port held by sessionID into its grace window.
func (r *RedisStore) ReleasePort(ctx context.Context, sessionID string, grace time.Duration, at time.Time) (int, bool, error) {
	port, err := releasePortScript.Run(ctx, r.rdb, []string{r.holderKey(sessionID)},
		sessionID, grace.Milliseconds(), at.UnixMilli(), r.portPrefix()).Int()
	if err != nil {
		return 0, false, fmt.Errorf("release port for %s: %w", sessionID, err)
	}
	if port < 0 {
		return 0, false, nil
	}
	return port, true, nil
}

// ForceReleasePort drops any record referencing port.
func (r *RedisStore) ForceReleasePort(ctx context.Context, port int) error {
	key := r.portPrefix() + strconv.Itoa(port)
	if err := forceReleasePortScript.Run(ctx, r.rdb, []string{key}, strconv.Itoa(port), r.namespace+holderKeyPrefix).Err(); err != nil {
		return fmt.Errorf("force release port %d: %w", port, err)
	}
	return nil
}

// ListAllocations scans every port record.
func (r *RedisStore) ListAllocations(ctx context.Context) ([]domain.Allocation, error) {
	var out []domain.Allocation
	prefix := r.portPrefix()
	iter := r.rdb.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		port, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
		if err != nil {
			continue
		}
		fields, err := r.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		a := domain.Allocation{
			Port:      port,
			SessionID: fields["session"],
			Released:  fields["released"] == "1",
		}
		if ms, err := strconv.ParseInt(fields["claimed_at"], 10, 64); err == nil {
			a.ClaimedAt = time.UnixMilli(ms)
		}
		if ms, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil {
			a.ExpiresAt = time.UnixMilli(ms)
		}
		out = append(out, a)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan ports: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	if err := r.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
