package credits

import (
	"time"

	"github.com/google/uuid"
)

// PlanType is the subscription tier stored on the subscriptions row.
type PlanType string

const (
	PlanFree    PlanType = "free"
	PlanPremium PlanType = "premium"
)

// Valid reports whether p is a known plan type.
func (p PlanType) Valid() bool {
	return p == PlanFree || p == PlanPremium
}

// SubscriptionStatus mirrors the billing provider's subscription state.
type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusInactive   SubscriptionStatus = "inactive"
)

const (
	// DefaultCost is charged when a caller does not ask for more.
	DefaultCost = 1
	// DefaultLimit is the monthly allowance of a fresh credit record.
	DefaultLimit = 10
	// UnlimitedCredits is the RemainingCredits sentinel for premium users.
	UnlimitedCredits = -1
	// MaxActionTypeLength bounds the action label stored on usage logs.
	MaxActionTypeLength = 64
)

// Action types used by the metered features.
const (
	ActionRecommendations = "recommendations"
	ActionImageSearch     = "image_search"
	ActionChat            = "chat"
)

// Subscription matches the subscriptions table schema.
type Subscription struct {
	UserID               uuid.UUID          `json:"user_id"`
	PlanType             PlanType           `json:"plan_type"`
	Status               SubscriptionStatus `json:"status"`
	StripeCustomerID     string             `json:"-"`
	StripeSubscriptionID string             `json:"-"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// CreditRecord matches the user_credits table schema.
type CreditRecord struct {
	UserID       uuid.UUID `json:"user_id"`
	CreditsUsed  int       `json:"credits_used"`
	CreditsLimit int       `json:"credits_limit"`
	ResetDate    time.Time `json:"reset_date"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Remaining returns the unspent allowance, never negative.
func (c *CreditRecord) Remaining() int {
	if r := c.CreditsLimit - c.CreditsUsed; r > 0 {
		return r
	}
	return 0
}

// ResetDue reports whether the billing cycle has turned over at now.
func (c *CreditRecord) ResetDue(now time.Time) bool {
	return !now.Before(c.ResetDate)
}

// UsageLog matches the append-only usage_logs table schema.
type UsageLog struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	ActionType      string    `json:"action_type"`
	CreditsConsumed int       `json:"credits_consumed"`
	PlanType        PlanType  `json:"plan_type"`
	CreatedAt       time.Time `json:"created_at"`
}

// Result is the outcome of a metered call. A denied call is a value, not an error.
type Result struct {
	Success          bool   `json:"success"`
	RemainingCredits int    `json:"remaining_credits"`
	Error            string `json:"error,omitempty"`
}

// Unlimited reports whether the caller is on the unmetered premium path.
func (r *Result) Unlimited() bool {
	return r.Success && r.RemainingCredits == UnlimitedCredits
}

// QuotaExceeded reports whether the call was blocked by the monthly limit.
func (r *Result) QuotaExceeded() bool {
	return !r.Success
}

// CreditStatus is the API response describing a user's plan and allowance.
type CreditStatus struct {
	PlanType          PlanType           `json:"plan_type"`
	Status            SubscriptionStatus `json:"status"`
	Unlimited         bool               `json:"unlimited"`
	CreditsUsed       int                `json:"credits_used"`
	CreditsLimit      int                `json:"credits_limit"`
	RemainingCredits  int                `json:"remaining_credits"`
	ResetDate         *time.Time         `json:"reset_date,omitempty"`
	CurrentPeriodEnd  *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
}

// SubscriptionUpdate is the billing provider's view of a user's plan.
type SubscriptionUpdate struct {
	UserID               uuid.UUID
	PlanType             PlanType
	Status               SubscriptionStatus
	StripeCustomerID     string
	StripeSubscriptionID string
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
}

// UsageListParams holds pagination and filtering parameters for usage log queries.
type UsageListParams struct {
	ActionType string
	From       *time.Time
	To         *time.Time
	Page       int
	PageSize   int
}

// DefaultUsageListParams returns sensible defaults.
func DefaultUsageListParams() UsageListParams {
	return UsageListParams{
		Page:     1,
		PageSize: 20,
	}
}

func (p *UsageListParams) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > 100 {
		p.PageSize = 20
	}
}

func (p UsageListParams) offset() int {
	return (p.Page - 1) * p.PageSize
}
