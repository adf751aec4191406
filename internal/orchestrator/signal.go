package orchestrator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/store"
)

// CancelSignal carries cancellation requests to running jobs. Raise is
// called after the durable cancel_requested flag has been set; Raised is
// polled before each row is dispatched.
type CancelSignal interface {
	Raise(ctx context.Context, jobID string) error
	Raised(ctx context.Context, jobID string) (bool, error)
}

// StoreSignal reads the cancel flag from the job store.
type StoreSignal struct {
	store store.Store
}

// NewStoreSignal creates a StoreSignal.
func NewStoreSignal(st store.Store) *StoreSignal {
	return &StoreSignal{store: st}
}

// Raise is a no-op: the flag already lives on the job row.
func (s *StoreSignal) Raise(context.Context, string) error { return nil }

func (s *StoreSignal) Raised(ctx context.Context, jobID string) (bool, error) {
	return s.store.CancelRequested(ctx, jobID)
}

// RedisClient is the subset of go-redis used for cancel flags.
type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Defaults for RedisSignal.
const (
	DefaultCancelPrefix = "dmfinder:cancel:"
	DefaultCancelTTL    = 24 * time.Hour
)

// RedisSignal mirrors cancel requests into Redis so workers in other
// processes see them without a database round trip. When Redis is
// unreachable it falls back to the store flag.
type RedisSignal struct {
	client   RedisClient
	prefix   string
	ttl      time.Duration
	fallback CancelSignal
}

// NewRedisSignal creates a RedisSignal. Empty prefix and zero ttl use the
// defaults.
func NewRedisSignal(client RedisClient, prefix string, ttl time.Duration, fallback CancelSignal) *RedisSignal {
	if prefix == "" {
		prefix = DefaultCancelPrefix
	}
	if ttl <= 0 {
		ttl = DefaultCancelTTL
	}
	return &RedisSignal{client: client, prefix: prefix, ttl: ttl, fallback: fallback}
}

func (s *RedisSignal) key(jobID string) string { return s.prefix + jobID }

func (s *RedisSignal) Raise(ctx context.Context, jobID string) error {
	if err := s.client.Set(ctx, s.key(jobID), "1", s.ttl).Err(); err != nil {
		return eris.Wrapf(err, "orchestrator: set cancel flag %s", jobID)
	}
	return nil
}

func (s *RedisSignal) Raised(ctx context.Context, jobID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(jobID)).Result()
	if err != nil {
		zap.L().Debug("orchestrator: redis cancel check failed, using fallback",
			zap.String("job_id", jobID), zap.Error(err))
		if s.fallback == nil {
			return false, eris.Wrapf(err, "orchestrator: check cancel flag %s", jobID)
		}
		return s.fallback.Raised(ctx, jobID)
	}
	return n > 0, nil
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: parse redis url")
	}
	return redis.NewClient(opts), nil
}
