package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/ruralpay/walletledger/internal/clock"
	"github.com/ruralpay/walletledger/internal/metrics"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	idemCachePrefix = "idem:"
	idemLockPrefix  = "lock:"
	maxKeyLength    = 255
)

// IdempotentRequest identifies one logical client operation.
type IdempotentRequest struct {
	Key         string
	Method      string
	Path        string
	Fingerprint string
}

// StoredResponse is what a replay returns byte for byte. Body is kept as
// opaque bytes in both stores; JSONB or RawMessage would normalize it.
type StoredResponse struct {
	StatusCode  int    `json:"status_code"`
	Body        []byte `json:"body"`
	Fingerprint string `json:"fingerprint"`
}

// Fingerprint hashes the parts of a request that must match on replay.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Locker guards first-time processing of a key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, idemLockPrefix+key, "1", ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, idemLockPrefix+key).Err()
}

// PostgresLocker is used when Redis is unavailable. An expired lock row can
// be taken over, so a crashed holder does not block the key forever.
type PostgresLocker struct {
	db *sqlx.DB
}

func NewPostgresLocker(db *sqlx.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

func (l *PostgresLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO idempotency_locks (key, expires_at)
		VALUES ($1, NOW() + $2 * INTERVAL '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE idempotency_locks.expires_at < NOW()`, key, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *PostgresLocker) Release(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM idempotency_locks WHERE key = $1`, key)
	return err
}

// FallbackLocker takes the lock from primary and moves to fallback whenever
// primary errors, so a Redis outage after startup does not reject every
// request. Release goes to whichever locker granted the key.
type FallbackLocker struct {
	primary  Locker
	fallback Locker
	log      *logrus.Logger

	mu   sync.Mutex
	held map[string]Locker
}

func NewFallbackLocker(primary, fallback Locker, log *logrus.Logger) *FallbackLocker {
	return &FallbackLocker{primary: primary, fallback: fallback, log: log, held: make(map[string]Locker)}
}

func (l *FallbackLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	owner := l.primary
	ok, err := l.primary.Acquire(ctx, key, ttl)
	if err != nil && !errors.Is(err, redis.Nil) {
		l.log.WithField("key", key).WithError(err).Warn("idempotency lock unavailable, using database lock")
		owner = l.fallback
		ok, err = l.fallback.Acquire(ctx, key, ttl)
	}
	if err != nil || !ok {
		return ok, err
	}

	l.mu.Lock()
	l.held[key] = owner
	l.mu.Unlock()
	return true, nil
}

func (l *FallbackLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	owner, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		owner = l.primary
	}
	return owner.Release(ctx, key)
}

type IdempotencyOptions struct {
	TTL      time.Duration // durable retention, 0 keeps records forever
	CacheTTL time.Duration
	LockTTL  time.Duration
}

// IdempotencyService guarantees at most one execution per key. The durable
// store is authoritative; the Redis cache only speeds up replays.
type IdempotencyService struct {
	db      *sqlx.DB
	cache   *redis.Client
	locker  Locker
	opts    IdempotencyOptions
	clock   clock.Clock
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func NewIdempotencyService(db *sqlx.DB, cache *redis.Client, locker Locker, opts IdempotencyOptions, c clock.Clock, log *logrus.Logger, m *metrics.Metrics) *IdempotencyService {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if c == nil {
		c = clock.RealClock{}
	}
	return &IdempotencyService{
		db:      db,
		cache:   cache,
		locker:  locker,
		opts:    opts,
		clock:   c,
		log:     log,
		metrics: m,
	}
}

// Execute runs handler once for req.Key. A known key returns the stored
// response with replayed=true. A key held by another in-flight request fails
// with Conflict. Handler errors are returned without storing anything so the
// client may retry; 5xx responses are not stored for the same reason.
func (s *IdempotencyService) Execute(ctx context.Context, req IdempotentRequest, handler func(ctx context.Context) (StoredResponse, error)) (StoredResponse, bool, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return StoredResponse{}, false, apperr.New(apperr.KindInvalidRequest, "Idempotency-Key header is required")
	}
	if len(key) > maxKeyLength {
		return StoredResponse{}, false, apperr.New(apperr.KindInvalidRequest, "Idempotency-Key is too long")
	}

	if resp, ok, err := s.lookup(ctx, key); err != nil {
		return StoredResponse{}, false, err
	} else if ok {
		return s.replay(key, req, resp)
	}

	acquired, err := s.locker.Acquire(ctx, key, s.opts.LockTTL)
	if err != nil {
		return StoredResponse{}, false, apperr.Wrap(apperr.KindTransient, "Could not reserve idempotency key, please retry", err)
	}
	if !acquired {
		s.metrics.Idempotency("conflict")
		return StoredResponse{}, false, apperr.New(apperr.KindConflict, "A request with this idempotency key is already in progress")
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			s.log.WithField("key", key).WithError(err).Warn("failed to release idempotency lock")
		}
	}()

	// The previous holder may have finished between the lookup and the lock.
	if resp, ok, err := s.lookupDurable(ctx, key); err != nil {
		return StoredResponse{}, false, err
	} else if ok {
		return s.replay(key, req, resp)
	}

	resp, err := handler(ctx)
	if err != nil {
		return StoredResponse{}, false, err
	}
	resp.Fingerprint = req.Fingerprint
	s.metrics.Idempotency("executed")

	if resp.StatusCode >= 500 {
		return resp, false, nil
	}
	if err := s.persist(ctx, key, req, resp); err != nil {
		// The ledger's reference guard still blocks a duplicate mutation.
		s.log.WithField("key", key).WithError(err).Error("failed to persist idempotent response")
	}
	return resp, false, nil
}

func (s *IdempotencyService) replay(key string, req IdempotentRequest, resp StoredResponse) (StoredResponse, bool, error) {
	if req.Fingerprint != "" && resp.Fingerprint != "" && req.Fingerprint != resp.Fingerprint {
		return StoredResponse{}, false, apperr.New(apperr.KindInvalidRequest, "Idempotency key reused with a different request")
	}
	s.metrics.Idempotency("replayed")
	s.log.WithField("key", key).Info("replaying stored idempotent response")
	return resp, true, nil
}

func (s *IdempotencyService) lookup(ctx context.Context, key string) (StoredResponse, bool, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, idemCachePrefix+key).Bytes()
		switch {
		case err == nil:
			var resp StoredResponse
			if jsonErr := json.Unmarshal(raw, &resp); jsonErr == nil {
				return resp, true, nil
			}
			s.log.WithField("key", key).Warn("discarding unreadable idempotency cache entry")
		case !errors.Is(err, redis.Nil):
			s.log.WithField("key", key).WithError(err).Warn("idempotency cache read failed")
		}
	}

	resp, ok, err := s.lookupDurable(ctx, key)
	if err != nil || !ok {
		return resp, ok, err
	}
	s.warmCache(ctx, key, resp)
	return resp, true, nil
}

func (s *IdempotencyService) lookupDurable(ctx context.Context, key string) (StoredResponse, bool, error) {
	var rec models.IdempotencyRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT key, method, path, request_hash, response_code, response_body, created_at, expires_at
		FROM idempotency_store
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`, key, s.clock.Now())
	if errors.Is(err, sql.ErrNoRows) {
		return StoredResponse{}, false, nil
	}
	if err != nil {
		return StoredResponse{}, false, fmt.Errorf("read idempotency record: %w", err)
	}
	return StoredResponse{
		StatusCode:  rec.ResponseCode,
		Body:        rec.ResponseBody,
		Fingerprint: rec.RequestHash,
	}, true, nil
}

func (s *IdempotencyService) persist(ctx context.Context, key string, req IdempotentRequest, resp StoredResponse) error {
	var expiresAt *time.Time
	if s.opts.TTL > 0 {
		t := s.clock.Now().Add(s.opts.TTL)
		expiresAt = &t
	}

	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_store (key, method, path, request_hash, response_code, response_body, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO NOTHING`,
		key, req.Method, req.Path, req.Fingerprint, resp.StatusCode, body, expiresAt,
	); err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}

	s.warmCache(ctx, key, resp)
	return nil
}

func (s *IdempotencyService) warmCache(ctx context.Context, key string, resp StoredResponse) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, idemCachePrefix+key, string(payload), s.cacheTTL()).Err(); err != nil {
		s.log.WithField("key", key).WithError(err).Warn("idempotency cache write failed")
	}
}

func (s *IdempotencyService) cacheTTL() time.Duration {
	if s.opts.TTL > 0 && s.opts.TTL < s.opts.CacheTTL {
		return s.opts.TTL
	}
	return s.opts.CacheTTL
}

// DeleteExpired removes expired records and stale locks in batches and returns
// how many records were deleted.
func (s *IdempotencyService) DeleteExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	var total int64
	for {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM idempotency_store
			WHERE ctid IN (
				SELECT ctid FROM idempotency_store
				WHERE expires_at IS NOT NULL AND expires_at <= $1
				LIMIT $2
			)`, s.clock.Now(), batchSize)
		if err != nil {
			return total, fmt.Errorf("delete expired idempotency records: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batchSize) {
			break
		}
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_locks WHERE expires_at < $1`, s.clock.Now()); err != nil {
		return total, fmt.Errorf("delete stale idempotency locks: %w", err)
	}
	return total, nil
}
