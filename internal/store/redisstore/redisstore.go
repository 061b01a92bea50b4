// Package redisstore keeps webhook dedup claims and sweep locks in Redis so
// several settlement nodes can share them.
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/store"
)

// DefaultClaimTTL bounds how long a dedup claim is remembered.
const DefaultClaimTTL = 7 * 24 * time.Hour

// Store implements store.DedupStore and store.Locker.
type Store struct {
	client   *redis.Client
	prefix   string
	claimTTL time.Duration
	logger   *slog.Logger
}

var (
	_ store.DedupStore = (*Store)(nil)
	_ store.Locker     = (*Store)(nil)
)

// New wraps a redis client. Keys are namespaced with prefix.
func New(client *redis.Client, prefix string, claimTTL time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Store{client: client, prefix: prefix, claimTTL: claimTTL, logger: logger.With("component", "redisstore")}
}

// NewFromURL parses a redis:// URL.
func NewFromURL(url, prefix string, logger *slog.Logger) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	return New(redis.NewClient(opt), prefix, 0, logger), nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) claimKey(provider, eventID string) string {
	return s.prefix + "dedup:" + domain.DedupKey(provider, eventID)
}

func (s *Store) Claim(ctx context.Context, provider, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.claimKey(provider, eventID), time.Now().UTC().Format(time.RFC3339), s.claimTTL).Result()
	if err != nil {
		s.logger.Error("dedup claim failed", "provider", provider, "event_id", eventID, "error", err)
		return false, err
	}
	return ok, nil
}

func (s *Store) Release(ctx context.Context, provider, eventID string) error {
	return s.client.Del(ctx, s.claimKey(provider, eventID)).Err()
}

// Deletes the lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *Store) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := s.prefix + "lock:" + name
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, s.client, []string{key}, token).Err(); err != nil {
			s.logger.Warn("unlock failed", "lock", name, "error", err)
		}
	}, true, nil
}
