//go:build integration

package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/scentmatch/metering/internal/config"
	"github.com/scentmatch/metering/internal/database"
)

var (
	pgOnce sync.Once
	pgPool *pgxpool.Pool
	pgErr  error
)

// setupPostgres starts one Postgres container per test binary and applies
// the migrations.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	pgOnce.Do(func() {
		ctx := context.Background()

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "test",
					"POSTGRES_PASSWORD": "test",
					"POSTGRES_DB":       "scentmatch_test",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			pgErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			pgErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432/tcp")
		if err != nil {
			pgErr = err
			return
		}

		dsn := fmt.Sprintf("postgres://test:test@%s:%s/scentmatch_test?sslmode=disable", host, port.Port())
		if err := database.RunMigrations(dsn, "../../migrations"); err != nil {
			pgErr = err
			return
		}

		pgPool, pgErr = pgxpool.New(ctx, dsn)
	})

	if pgErr != nil {
		t.Fatalf("setting up postgres: %v", pgErr)
	}
	return pgPool
}

func newPostgresService(t *testing.T, now time.Time) (*Service, *PostgresStore) {
	t.Helper()
	store := NewPostgresStore(setupPostgres(t))
	svc := NewService(store, config.CreditsConfig{DefaultLimit: DefaultLimit}, nil)
	svc.now = func() time.Time { return now }
	return svc, store
}

func setUsed(t *testing.T, store *PostgresStore, userID uuid.UUID, used int, reset time.Time) {
	t.Helper()
	_, err := store.pool.Exec(context.Background(),
		`UPDATE user_credits SET credits_used = $2, reset_date = $3 WHERE user_id = $1`, userID, used, reset)
	require.NoError(t, err)
}

func TestPostgresStore_GetOrCreateIsIdempotent(t *testing.T) {
	_, store := newPostgresService(t, fixedNow)
	ctx := context.Background()
	userID := uuid.New()

	first, err := store.GetOrCreateSubscription(ctx, userID)
	require.NoError(t, err)
	second, err := store.GetOrCreateSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, PlanFree, second.PlanType)
	assert.Equal(t, StatusActive, second.Status)
	assert.Nil(t, second.CurrentPeriodEnd)

	reset := FirstOfNextMonth(fixedNow)
	_, err = store.GetOrCreateCredits(ctx, userID, 10, reset)
	require.NoError(t, err)
	rec, err := store.GetOrCreateCredits(ctx, userID, 99, reset.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 10, rec.CreditsLimit)
	assert.True(t, reset.Equal(rec.ResetDate))
}

func TestPostgresStore_ScenariosAThroughD(t *testing.T) {
	ctx := context.Background()

	t.Run("A and B", func(t *testing.T) {
		svc, store := newPostgresService(t, fixedNow)
		userID := uuid.New()
		_, err := store.GetOrCreateCredits(ctx, userID, 10, FirstOfNextMonth(fixedNow))
		require.NoError(t, err)
		setUsed(t, store, userID, 9, FirstOfNextMonth(fixedNow))

		res, err := svc.CheckAndConsume(ctx, userID, ActionRecommendations, 1)
		require.NoError(t, err)
		assert.Equal(t, &Result{Success: true, RemainingCredits: 0}, res)

		res, err = svc.CheckAndConsume(ctx, userID, ActionRecommendations, 1)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Error)

		rec, err := store.GetCredits(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, 10, rec.CreditsUsed)

		_, total, err := store.ListUsageLogs(ctx, userID, DefaultUsageListParams())
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
	})

	t.Run("C", func(t *testing.T) {
		svc, store := newPostgresService(t, fixedNow)
		userID := uuid.New()
		require.NoError(t, svc.SyncSubscription(ctx, SubscriptionUpdate{UserID: userID, PlanType: PlanPremium, Status: StatusActive}))

		res, err := svc.CheckAndConsume(ctx, userID, ActionImageSearch, 1)
		require.NoError(t, err)
		assert.Equal(t, &Result{Success: true, RemainingCredits: UnlimitedCredits}, res)

		_, err = store.GetCredits(ctx, userID)
		assert.ErrorIs(t, err, ErrCreditsNotFound)

		logs, _, err := store.ListUsageLogs(ctx, userID, DefaultUsageListParams())
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, 0, logs[0].CreditsConsumed)
		assert.Equal(t, PlanPremium, logs[0].PlanType)
	})

	t.Run("D", func(t *testing.T) {
		now := time.Date(2024, 2, 15, 9, 30, 0, 0, time.UTC)
		svc, store := newPostgresService(t, now)
		userID := uuid.New()
		_, err := store.GetOrCreateCredits(ctx, userID, 10, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		setUsed(t, store, userID, 10, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

		res, err := svc.CheckAndConsume(ctx, userID, ActionRecommendations, 1)
		require.NoError(t, err)
		assert.Equal(t, &Result{Success: true, RemainingCredits: 9}, res)

		rec, err := store.GetCredits(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.CreditsUsed)
		assert.True(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Equal(rec.ResetDate))
	})
}

func TestPostgresStore_ConcurrentConsumeNeverExceedsLimit(t *testing.T) {
	svc, store := newPostgresService(t, fixedNow)
	ctx := context.Background()
	userID := uuid.New()

	const callers = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.CheckAndConsume(ctx, userID, ActionChat, 1)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Success {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, DefaultLimit, succeeded)

	rec, err := store.GetCredits(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, rec.CreditsUsed)

	_, total, err := store.ListUsageLogs(ctx, userID, DefaultUsageListParams())
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultLimit), total)
}

func TestPostgresStore_SubscriptionByCustomer(t *testing.T) {
	svc, store := newPostgresService(t, fixedNow)
	ctx := context.Background()
	userID := uuid.New()
	customer := "cus_" + uuid.NewString()[:8]
	end := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.SyncSubscription(ctx, SubscriptionUpdate{
		UserID:           userID,
		PlanType:         PlanPremium,
		Status:           StatusActive,
		StripeCustomerID: customer,
		CurrentPeriodEnd: &end,
	}))
	require.NoError(t, svc.SyncSubscription(ctx, SubscriptionUpdate{
		UserID:   userID,
		PlanType: PlanFree,
		Status:   StatusCanceled,
	}))

	id, err := store.GetUserIDByStripeCustomer(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, userID, id)

	sub, err := store.GetOrCreateSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, PlanFree, sub.PlanType)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, end.Equal(*sub.CurrentPeriodEnd))

	_, err = store.GetUserIDByStripeCustomer(ctx, "cus_nobody")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestPostgresStore_ListUsageLogsFilters(t *testing.T) {
	_, store := newPostgresService(t, fixedNow)
	ctx := context.Background()
	userID := uuid.New()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		action := ActionRecommendations
		if i%2 == 1 {
			action = ActionImageSearch
		}
		require.NoError(t, store.InsertUsageLog(ctx, &UsageLog{
			UserID:          userID,
			ActionType:      action,
			CreditsConsumed: 1,
			PlanType:        PlanFree,
			CreatedAt:       base.Add(time.Duration(i) * time.Hour),
		}))
	}

	logs, total, err := store.ListUsageLogs(ctx, userID, UsageListParams{ActionType: ActionImageSearch})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, logs, 2)
	assert.True(t, logs[0].CreatedAt.After(logs[1].CreatedAt))

	from := base.Add(2 * time.Hour)
	logs, total, err = store.ListUsageLogs(ctx, userID, UsageListParams{From: &from})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, logs, 2)
}
