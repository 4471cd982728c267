package credits

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence boundary of the credit ledger.
type Store interface {
	// GetOrCreateSubscription returns the user's subscription, inserting a
	// free/active row if none exists.
	GetOrCreateSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	// UpsertSubscription writes the billing provider's view of a subscription.
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	// GetUserIDByStripeCustomer resolves a billing customer to its user.
	GetUserIDByStripeCustomer(ctx context.Context, customerID string) (uuid.UUID, error)

	// GetOrCreateCredits returns the user's credit record, inserting one with
	// the given limit and reset date if none exists.
	GetOrCreateCredits(ctx context.Context, userID uuid.UUID, limit int, resetDate time.Time) (*CreditRecord, error)
	// GetCredits reads the current credit record.
	GetCredits(ctx context.Context, userID uuid.UUID) (*CreditRecord, error)
	// ResetCreditsIfDue zeroes credits_used and moves reset_date to nextReset
	// when reset_date <= now. Returns true if a reset was performed.
	ResetCreditsIfDue(ctx context.Context, userID uuid.UUID, now, nextReset time.Time) (bool, error)
	// ConsumeCredits atomically adds amount to credits_used only if the result
	// stays within credits_limit, appending entry to the usage log in the same
	// unit of work. When the allowance is insufficient nothing is written and
	// the current record is returned with consumed=false.
	ConsumeCredits(ctx context.Context, userID uuid.UUID, amount int, entry *UsageLog) (rec *CreditRecord, consumed bool, err error)

	// InsertUsageLog appends a usage log entry.
	InsertUsageLog(ctx context.Context, entry *UsageLog) error
	// ListUsageLogs returns paginated usage logs for a user, newest first.
	ListUsageLogs(ctx context.Context, userID uuid.UUID, params UsageListParams) ([]UsageLog, int64, error)
}
