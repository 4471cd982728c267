package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/scentmatch/metering/internal/config"
	"github.com/scentmatch/metering/internal/metrics"
	inats "github.com/scentmatch/metering/internal/nats"
)

const publishTimeout = 2 * time.Second

// EventPublisher receives credit events. Publishing is best-effort.
type EventPublisher interface {
	PublishCreditEvent(ctx context.Context, subject string, event inats.CreditEvent) error
}

// Service is the credit gate. It owns every transition of a user's credit
// record and is the only writer of usage logs.
type Service struct {
	store        Store
	events       EventPublisher
	defaultLimit int
	now          func() time.Time
}

// NewService creates a new credits Service. events may be nil.
func NewService(store Store, cfg config.CreditsConfig, events EventPublisher) *Service {
	limit := cfg.DefaultLimit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Service{
		store:        store,
		events:       events,
		defaultLimit: limit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CheckAndConsume decides whether userID may perform actionType and, if so,
// charges creditsNeeded against the monthly allowance. A blocked call is
// reported through Result.Success, not an error. Errors are reserved for a
// missing identity, invalid arguments and storage failures.
func (s *Service) CheckAndConsume(ctx context.Context, userID uuid.UUID, actionType string, creditsNeeded int) (*Result, error) {
	if userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	actionType = strings.TrimSpace(actionType)
	if actionType == "" || utf8.RuneCountInString(actionType) > MaxActionTypeLength {
		return nil, ErrInvalidAction
	}
	if creditsNeeded <= 0 {
		return nil, ErrInvalidAmount
	}

	res, err := s.checkAndConsume(ctx, userID, actionType, creditsNeeded)
	if err != nil {
		metrics.CreditChecksTotal.WithLabelValues(actionType, metrics.OutcomeError).Inc()
		return nil, err
	}
	return res, nil
}

func (s *Service) checkAndConsume(ctx context.Context, userID uuid.UUID, actionType string, creditsNeeded int) (*Result, error) {
	sub, err := s.store.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading subscription: %w", err)
	}

	now := s.now()

	if Classify(sub) == TierUnlimited {
		entry := &UsageLog{
			UserID:          userID,
			ActionType:      actionType,
			CreditsConsumed: 0,
			PlanType:        sub.PlanType,
			CreatedAt:       now,
		}
		if err := s.store.InsertUsageLog(ctx, entry); err != nil {
			return nil, fmt.Errorf("recording unlimited usage: %w", err)
		}

		metrics.CreditChecksTotal.WithLabelValues(actionType, metrics.OutcomeUnlimited).Inc()
		s.publish(ctx, inats.SubjectCreditConsumed, userID, actionType, sub.PlanType, 0, UnlimitedCredits)
		return &Result{Success: true, RemainingCredits: UnlimitedCredits}, nil
	}

	if _, err := s.currentCredits(ctx, userID, sub.PlanType, now); err != nil {
		return nil, err
	}

	entry := &UsageLog{
		UserID:          userID,
		ActionType:      actionType,
		CreditsConsumed: creditsNeeded,
		PlanType:        sub.PlanType,
		CreatedAt:       now,
	}
	rec, consumed, err := s.store.ConsumeCredits(ctx, userID, creditsNeeded, entry)
	if err != nil {
		return nil, fmt.Errorf("consuming credits: %w", err)
	}

	if !consumed {
		slog.Info("credit quota exhausted",
			"user_id", userID,
			"action_type", actionType,
			"credits_used", rec.CreditsUsed,
			"credits_limit", rec.CreditsLimit,
		)
		metrics.CreditChecksTotal.WithLabelValues(actionType, metrics.OutcomeDenied).Inc()
		s.publish(ctx, inats.SubjectCreditDenied, userID, actionType, sub.PlanType, 0, rec.Remaining())
		return &Result{
			Success:          false,
			RemainingCredits: rec.Remaining(),
			Error:            QuotaExceededMessage,
		}, nil
	}

	metrics.CreditChecksTotal.WithLabelValues(actionType, metrics.OutcomeConsumed).Inc()
	metrics.CreditsConsumedTotal.WithLabelValues(actionType).Add(float64(creditsNeeded))
	s.publish(ctx, inats.SubjectCreditConsumed, userID, actionType, sub.PlanType, creditsNeeded, rec.Remaining())

	return &Result{Success: true, RemainingCredits: rec.Remaining()}, nil
}

// currentCredits returns the user's credit record for the cycle containing
// now, creating it on first use and rolling it over when its reset date has
// passed.
func (s *Service) currentCredits(ctx context.Context, userID uuid.UUID, plan PlanType, now time.Time) (*CreditRecord, error) {
	rec, err := s.store.GetOrCreateCredits(ctx, userID, s.defaultLimit, FirstOfNextMonth(now))
	if err != nil {
		return nil, fmt.Errorf("loading credits: %w", err)
	}

	if !rec.ResetDue(now) {
		return rec, nil
	}

	reset, err := s.store.ResetCreditsIfDue(ctx, userID, now, FirstOfNextMonth(now))
	if err != nil {
		return nil, fmt.Errorf("resetting credits: %w", err)
	}
	if reset {
		slog.Info("credit cycle reset", "user_id", userID, "previous_reset_date", rec.ResetDate)
		metrics.CreditResetsTotal.Inc()
		s.publish(ctx, inats.SubjectCreditReset, userID, "", plan, 0, rec.CreditsLimit)
	}

	// Another request may have reset first; the stored row is authoritative.
	rec, err = s.store.GetCredits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reloading credits: %w", err)
	}
	return rec, nil
}

// Status returns the user's plan and allowance for display. It never writes
// a credit record: a user without one, or whose cycle has turned over, is
// reported as a fresh cycle and the row is created or reset by the next
// metered call.
func (s *Service) Status(ctx context.Context, userID uuid.UUID) (*CreditStatus, error) {
	if userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}

	sub, err := s.store.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading subscription: %w", err)
	}

	status := &CreditStatus{
		PlanType:          sub.PlanType,
		Status:            sub.Status,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}

	if Classify(sub) == TierUnlimited {
		status.Unlimited = true
		status.RemainingCredits = UnlimitedCredits
		return status, nil
	}

	now := s.now()
	rec, err := s.store.GetCredits(ctx, userID)
	switch {
	case errors.Is(err, ErrCreditsNotFound):
		rec = &CreditRecord{UserID: userID, CreditsLimit: s.defaultLimit, ResetDate: FirstOfNextMonth(now)}
	case err != nil:
		return nil, fmt.Errorf("loading credits: %w", err)
	case rec.ResetDue(now):
		rec.CreditsUsed = 0
		rec.ResetDate = FirstOfNextMonth(now)
	}

	resetDate := rec.ResetDate
	status.CreditsUsed = rec.CreditsUsed
	status.CreditsLimit = rec.CreditsLimit
	status.RemainingCredits = rec.Remaining()
	status.ResetDate = &resetDate
	return status, nil
}

// ListUsage returns the user's usage log, newest first.
func (s *Service) ListUsage(ctx context.Context, userID uuid.UUID, params UsageListParams) ([]UsageLog, int64, error) {
	if userID == uuid.Nil {
		return nil, 0, ErrUnauthenticated
	}
	params.normalize()

	logs, total, err := s.store.ListUsageLogs(ctx, userID, params)
	if err != nil {
		return nil, 0, fmt.Errorf("listing usage: %w", err)
	}
	return logs, total, nil
}

// SyncSubscription records a plan change reported by the billing provider.
func (s *Service) SyncSubscription(ctx context.Context, upd SubscriptionUpdate) error {
	if upd.UserID == uuid.Nil {
		return ErrUnauthenticated
	}
	if !upd.PlanType.Valid() {
		return ErrInvalidPlan
	}
	if upd.Status == "" {
		upd.Status = StatusActive
	}

	sub := &Subscription{
		UserID:               upd.UserID,
		PlanType:             upd.PlanType,
		Status:               upd.Status,
		StripeCustomerID:     upd.StripeCustomerID,
		StripeSubscriptionID: upd.StripeSubscriptionID,
		CurrentPeriodEnd:     upd.CurrentPeriodEnd,
		CancelAtPeriodEnd:    upd.CancelAtPeriodEnd,
	}
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("syncing subscription: %w", err)
	}

	slog.Info("subscription synced",
		"user_id", upd.UserID,
		"plan_type", upd.PlanType,
		"status", upd.Status,
	)
	return nil
}

// UserIDForCustomer resolves a Stripe customer id to the owning user.
// Returns ErrSubscriptionNotFound when no subscription carries the id.
func (s *Service) UserIDForCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	if customerID == "" {
		return uuid.Nil, ErrSubscriptionNotFound
	}
	id, err := s.store.GetUserIDByStripeCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return uuid.Nil, err
		}
		return uuid.Nil, fmt.Errorf("resolving customer: %w", err)
	}
	return id, nil
}

func (s *Service) publish(ctx context.Context, subject string, userID uuid.UUID, actionType string, plan PlanType, consumed, remaining int) {
	if s.events == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	event := inats.CreditEvent{
		UserID:           userID,
		ActionType:       actionType,
		PlanType:         string(plan),
		CreditsConsumed:  consumed,
		RemainingCredits: remaining,
		Timestamp:        s.now(),
	}
	if err := s.events.PublishCreditEvent(ctx, subject, event); err != nil {
		slog.Warn("credits: publishing event failed", "subject", subject, "error", err)
	}
}
