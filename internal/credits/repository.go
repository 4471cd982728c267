package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	subscriptionColumns = `user_id, plan_type, status, stripe_customer_id, stripe_subscription_id,
		current_period_end, cancel_at_period_end, created_at, updated_at`
	creditColumns = `user_id, credits_used, credits_limit, reset_date, created_at, updated_at`
)

// PostgresStore implements Store on the subscriptions, user_credits and
// usage_logs tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.UserID, &s.PlanType, &s.Status, &s.StripeCustomerID, &s.StripeSubscriptionID,
		&s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanCredits(row pgx.Row) (*CreditRecord, error) {
	var c CreditRecord
	err := row.Scan(&c.UserID, &c.CreditsUsed, &c.CreditsLimit, &c.ResetDate, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetOrCreateSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, plan_type, status) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`, userID, PlanFree, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("ensuring subscription: %w", err)
	}

	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("fetching subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, plan_type, status, stripe_customer_id, stripe_subscription_id,
		                            current_period_end, cancel_at_period_end)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE
		 SET plan_type = EXCLUDED.plan_type,
		     status = EXCLUDED.status,
		     stripe_customer_id = COALESCE(NULLIF(EXCLUDED.stripe_customer_id, ''), subscriptions.stripe_customer_id),
		     stripe_subscription_id = COALESCE(NULLIF(EXCLUDED.stripe_subscription_id, ''), subscriptions.stripe_subscription_id),
		     current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
		     cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		     updated_at = NOW()`,
		sub.UserID, sub.PlanType, sub.Status, sub.StripeCustomerID, sub.StripeSubscriptionID,
		sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd)
	if err != nil {
		return fmt.Errorf("upserting subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserIDByStripeCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM subscriptions WHERE stripe_customer_id = $1 LIMIT 1`, customerID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrSubscriptionNotFound
		}
		return uuid.Nil, fmt.Errorf("querying subscription by customer: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) GetOrCreateCredits(ctx context.Context, userID uuid.UUID, limit int, resetDate time.Time) (*CreditRecord, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_credits (user_id, credits_used, credits_limit, reset_date) VALUES ($1, 0, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`, userID, limit, resetDate)
	if err != nil {
		return nil, fmt.Errorf("ensuring credit record: %w", err)
	}
	return s.GetCredits(ctx, userID)
}

func (s *PostgresStore) GetCredits(ctx context.Context, userID uuid.UUID) (*CreditRecord, error) {
	rec, err := scanCredits(s.pool.QueryRow(ctx,
		`SELECT `+creditColumns+` FROM user_credits WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCreditsNotFound
		}
		return nil, fmt.Errorf("fetching credit record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ResetCreditsIfDue(ctx context.Context, userID uuid.UUID, now, nextReset time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_credits
		 SET credits_used = 0,
		     reset_date = $3,
		     updated_at = NOW()
		 WHERE user_id = $1 AND reset_date <= $2`, userID, now, nextReset)
	if err != nil {
		return false, fmt.Errorf("resetting credits: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ConsumeCredits(ctx context.Context, userID uuid.UUID, amount int, entry *UsageLog) (*CreditRecord, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning consume tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	rec, err := scanCredits(tx.QueryRow(ctx,
		`UPDATE user_credits
		 SET credits_used = credits_used + $2,
		     updated_at = NOW()
		 WHERE user_id = $1 AND credits_used + $2 <= credits_limit
		 RETURNING `+creditColumns, userID, amount))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, err := scanCredits(tx.QueryRow(ctx,
			`SELECT `+creditColumns+` FROM user_credits WHERE user_id = $1`, userID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, false, ErrCreditsNotFound
			}
			return nil, false, fmt.Errorf("fetching credit record: %w", err)
		}
		return cur, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("consuming credits: %w", err)
	}

	if err := insertUsageLog(ctx, tx, entry); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing consume tx: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) InsertUsageLog(ctx context.Context, entry *UsageLog) error {
	return insertUsageLog(ctx, s.pool, entry)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertUsageLog(ctx context.Context, db execer, entry *UsageLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(ctx,
		`INSERT INTO usage_logs (id, user_id, action_type, credits_consumed, plan_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.UserID, entry.ActionType, entry.CreditsConsumed, entry.PlanType, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsageLogs(ctx context.Context, userID uuid.UUID, params UsageListParams) ([]UsageLog, int64, error) {
	params.normalize()

	var conditions []string
	var args []any
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
	args = append(args, userID)
	argIdx++

	if params.ActionType != "" {
		conditions = append(conditions, fmt.Sprintf("action_type = $%d", argIdx))
		args = append(args, params.ActionType)
		argIdx++
	}

	if params.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *params.From)
		argIdx++
	}

	if params.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, *params.To)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var totalCount int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM usage_logs WHERE %s", where)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("counting usage logs: %w", err)
	}

	dataQuery := fmt.Sprintf(
		`SELECT id, user_id, action_type, credits_consumed, plan_type, created_at
		 FROM usage_logs WHERE %s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, params.offset())

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying usage logs: %w", err)
	}
	defer rows.Close()

	logs := make([]UsageLog, 0, params.PageSize)
	for rows.Next() {
		var l UsageLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.ActionType, &l.CreditsConsumed, &l.PlanType, &l.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning usage log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating usage logs: %w", err)
	}

	return logs, totalCount, nil
}
