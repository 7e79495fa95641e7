// Package session tracks which memories a conversational session has
// touched recently. The router consults this to skip re-retrieving
// memories the session already has in hand.
package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultMaxEntries bounds how many touched ids one session keeps.
	DefaultMaxEntries = 50

	// DefaultTTL expires idle sessions.
	DefaultTTL = 30 * time.Minute

	// DefaultKeyPrefix namespaces the redis keys.
	DefaultKeyPrefix = "memflow:session"
)

// Tracker records and reports the memory ids a session recently touched,
// most recent first.
type Tracker interface {
	Touch(ctx context.Context, sessionID string, memoryID int64) error
	Recent(ctx context.Context, sessionID string, limit int) ([]int64, error)
	Clear(ctx context.Context, sessionID string) error
}

// Config tunes a tracker.
type Config struct {
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
	KeyPrefix  string        `json:"key_prefix" yaml:"key_prefix"`
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	return c
}

// RedisTracker keeps each session's recent ids in a bounded redis list.
type RedisTracker struct {
	client *redis.Client
	config Config
	logger *zap.Logger
}

// NewRedisTracker creates a tracker over an existing redis client.
func NewRedisTracker(client *redis.Client, config Config, logger *zap.Logger) *RedisTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTracker{
		client: client,
		config: config.withDefaults(),
		logger: logger.With(zap.String("component", "session_tracker")),
	}
}

func (r *RedisTracker) key(sessionID string) string {
	return fmt.Sprintf("%s:%s", r.config.KeyPrefix, sessionID)
}

// Touch moves the id to the front of the session's list, trims the list
// to the configured bound, and refreshes the TTL.
func (r *RedisTracker) Touch(ctx context.Context, sessionID string, memoryID int64) error {
	key := r.key(sessionID)
	value := strconv.FormatInt(memoryID, 10)

	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, key, 0, value)
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, int64(r.config.MaxEntries-1))
	pipe.Expire(ctx, key, r.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}

// Recent returns up to limit touched ids, most recent first.
func (r *RedisTracker) Recent(ctx context.Context, sessionID string, limit int) ([]int64, error) {
	if limit <= 0 || limit > r.config.MaxEntries {
		limit = r.config.MaxEntries
	}
	values, err := r.client.LRange(ctx, r.key(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.logger.Warn("skipping malformed session entry",
				zap.String("session_id", sessionID),
				zap.String("value", v))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Clear forgets the session.
func (r *RedisTracker) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	return nil
}

type memorySession struct {
	ids     []int64
	touched time.Time
}

// MemoryTracker is the in-process fallback used when redis is not
// configured. Same bounded-list semantics as RedisTracker.
type MemoryTracker struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	config   Config
	now      func() time.Time
}

// NewMemoryTracker creates an in-process tracker.
func NewMemoryTracker(config Config) *MemoryTracker {
	return &MemoryTracker{
		sessions: make(map[string]*memorySession),
		config:   config.withDefaults(),
		now:      time.Now,
	}
}

func (m *MemoryTracker) Touch(_ context.Context, sessionID string, memoryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sessions[sessionID]
	if sess == nil || m.now().Sub(sess.touched) > m.config.TTL {
		sess = &memorySession{}
		m.sessions[sessionID] = sess
	}

	ids := make([]int64, 0, len(sess.ids)+1)
	ids = append(ids, memoryID)
	for _, id := range sess.ids {
		if id != memoryID {
			ids = append(ids, id)
		}
	}
	if len(ids) > m.config.MaxEntries {
		ids = ids[:m.config.MaxEntries]
	}
	sess.ids = ids
	sess.touched = m.now()
	return nil
}

func (m *MemoryTracker) Recent(_ context.Context, sessionID string, limit int) ([]int64, error) {
	if limit <= 0 || limit > m.config.MaxEntries {
		limit = m.config.MaxEntries
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sessions[sessionID]
	if sess == nil || m.now().Sub(sess.touched) > m.config.TTL {
		return nil, nil
	}
	if limit > len(sess.ids) {
		limit = len(sess.ids)
	}
	out := make([]int64, limit)
	copy(out, sess.ids[:limit])
	return out, nil
}

func (m *MemoryTracker) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}
