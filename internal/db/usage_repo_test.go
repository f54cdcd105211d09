package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"toeicprep/internal/types"
)

var periodStart = time.Date(2026, 3, 9, 17, 0, 0, 0, time.UTC)

// --- QuotaRepo Tests ---

func TestQuotaRepo_Find(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQuotaRepo(db)
	limit := 20

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"),
		[]any{"user_1", types.ResourceDailyPractice, periodStart},
	).Return(&mockRow{scanFn: func(dest ...any) error {
		return fill(dest, "user_1", types.ResourceDailyPractice, periodStart,
			periodStart.Add(24*time.Hour), 7, &limit, now)
	}})

	rec, err := repo.Find(context.Background(), "user_1", types.ResourceDailyPractice, periodStart)
	require.NoError(t, err)
	assert.Equal(t, 7, rec.UsedCount)
	assert.Equal(t, 20, *rec.LimitCount)
	assert.Equal(t, periodStart.Add(24*time.Hour), rec.PeriodEnd)
}

func TestQuotaRepo_Find_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQuotaRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Find(context.Background(), "user_1", types.ResourceDailyAIChat, periodStart)
	assert.True(t, types.HasCode(err, types.ErrCodeNotFoundQuota))
	assert.True(t, types.IsNotFound(err))
}

func TestQuotaRepo_AtomicIncrement_UsesUpsert(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQuotaRepo(db)
	seed := types.QuotaRecord{
		UserID:       "user_1",
		ResourceType: types.ResourceDailyAIChat,
		PeriodStart:  periodStart,
		PeriodEnd:    periodStart.Add(24 * time.Hour),
		LimitCount:   types.IntPtr(50),
	}

	db.On("QueryRow", mock.Anything,
		mock.MatchedBy(func(sql string) bool {
			return strings.Contains(sql, "ON CONFLICT") &&
				strings.Contains(sql, "quota_records.used_count + EXCLUDED.used_count")
		}),
		argsAt(4, 3),
	).Return(&mockRow{scanFn: func(dest ...any) error { return fill(dest, 10) }})

	used, err := repo.AtomicIncrement(context.Background(), seed, 3)
	require.NoError(t, err)
	assert.Equal(t, 10, used)
	db.AssertExpectations(t)
}

func TestQuotaRepo_AtomicIncrement_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQuotaRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("deadline exceeded")})

	_, err := repo.AtomicIncrement(context.Background(), types.QuotaRecord{UserID: "user_1"}, 1)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}

func TestQuotaRepo_SyncLimit(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQuotaRepo(db)
	var limit *int

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"),
		[]any{"user_1", types.ResourceDailyPractice, periodStart, limit},
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.SyncLimit(context.Background(), "user_1", types.ResourceDailyPractice, periodStart, nil))
	db.AssertExpectations(t)
}

func TestQuotaRepo_PurgeBefore(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQuotaRepo(db)
	cutoff := now.AddDate(0, 0, -30)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{cutoff}).
		Return(pgconn.NewCommandTag("DELETE 42"), nil)

	n, err := repo.PurgeBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}
