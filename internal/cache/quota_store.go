package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"toeicprep/internal/types"
)

const (
	fieldUsed        = "used"
	fieldLimit       = "limit"
	fieldPeriodStart = "period_start"
	fieldPeriodEnd   = "period_end"
	fieldUpdatedAt   = "updated_at"

	// unlimited is stored in the limit field when the plan has no cap.
	unlimited = -1
)

// QuotaStore keeps one hash per (user, resource, period). Keys expire
// retention after the period ends, so no purge job is needed.
type QuotaStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewQuotaStore creates a QuotaStore. prefix namespaces the keys.
func NewQuotaStore(client redis.UniversalClient, prefix string, retention time.Duration) *QuotaStore {
	if prefix == "" {
		prefix = "quota"
	}
	return &QuotaStore{client: client, prefix: prefix, retention: retention}
}

func (s *QuotaStore) key(userID string, resource types.ResourceType, periodStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", s.prefix, userID, resource, periodStart.Unix())
}

func (s *QuotaStore) expiry(periodEnd time.Time) time.Time {
	return periodEnd.Add(s.retention)
}

func encodeLimit(limit *int) int {
	if limit == nil {
		return unlimited
	}
	return *limit
}

func (s *QuotaStore) Find(ctx context.Context, userID string, resource types.ResourceType, periodStart time.Time) (*types.QuotaRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(userID, resource, periodStart)).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCache, "failed to load quota record", err)
	}
	if len(fields) == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundQuota, "quota record not found", nil)
	}

	rec := &types.QuotaRecord{UserID: userID, ResourceType: resource, PeriodStart: periodStart.UTC()}
	if rec.UsedCount, err = strconv.Atoi(fields[fieldUsed]); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCache, "corrupt quota counter", err)
	}
	if v, ok := fields[fieldLimit]; ok {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalCache, "corrupt quota limit", err)
		}
		if limit != unlimited {
			rec.LimitCount = &limit
		}
	}
	if v, err := strconv.ParseInt(fields[fieldPeriodEnd], 10, 64); err == nil {
		rec.PeriodEnd = time.Unix(v, 0).UTC()
	}
	if v, err := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64); err == nil {
		rec.UpdatedAt = time.Unix(v, 0).UTC()
	}
	return rec, nil
}

// Create writes the period hash unless it already exists.
func (s *QuotaStore) Create(ctx context.Context, rec *types.QuotaRecord) error {
	key := s.key(rec.UserID, rec.ResourceType, rec.PeriodStart)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fieldUsed, rec.UsedCount)
		s.seed(ctx, pipe, key, rec)
		return nil
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "failed to create quota record", err)
	}
	return nil
}

// AtomicIncrement runs HINCRBY and seeds the metadata fields in one
// MULTI/EXEC, so concurrent callers never lose an update.
func (s *QuotaStore) AtomicIncrement(ctx context.Context, seed types.QuotaRecord, amount int) (int, error) {
	key := s.key(seed.UserID, seed.ResourceType, seed.PeriodStart)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, fieldUsed, int64(amount))
		s.seed(ctx, pipe, key, &seed)
		pipe.HSet(ctx, key, fieldUpdatedAt, time.Now().Unix())
		return nil
	})
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalCache, "failed to increment quota", err)
	}
	return int(incr.Val()), nil
}

func (s *QuotaStore) seed(ctx context.Context, pipe redis.Pipeliner, key string, rec *types.QuotaRecord) {
	pipe.HSetNX(ctx, key, fieldLimit, encodeLimit(rec.LimitCount))
	pipe.HSetNX(ctx, key, fieldPeriodStart, rec.PeriodStart.Unix())
	pipe.HSetNX(ctx, key, fieldPeriodEnd, rec.PeriodEnd.Unix())
	pipe.ExpireAt(ctx, key, s.expiry(rec.PeriodEnd))
}

// SyncLimit rewrites the informational limit if the period hash exists. The
// WATCH keeps a concurrent expiry from resurrecting the key without a TTL.
func (s *QuotaStore) SyncLimit(ctx context.Context, userID string, resource types.ResourceType, periodStart time.Time, limit *int) error {
	key := s.key(userID, resource, periodStart)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil || n == 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldLimit, encodeLimit(limit), fieldUpdatedAt, time.Now().Unix())
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return types.NewAppError(types.ErrCodeInternalCache, "failed to sync quota limit", err)
	}
	return nil
}

// PurgeBefore is a no-op: keys carry their own expiry.
func (s *QuotaStore) PurgeBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}
