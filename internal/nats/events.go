package nats

import (
	"time"

	"github.com/google/uuid"
)

// Stream names.
const (
	StreamCredits = "SCENTMATCH_CREDITS"
	StreamBilling = "SCENTMATCH_BILLING"
)

// Subject constants.
const (
	SubjectCreditConsumed      = "scentmatch.credits.consumed"
	SubjectCreditDenied        = "scentmatch.credits.denied"
	SubjectCreditReset         = "scentmatch.credits.reset"
	SubjectSubscriptionChanged = "scentmatch.billing.subscription"
)

// CreditEvent is published for every gate decision and monthly rollover.
type CreditEvent struct {
	UserID           uuid.UUID `json:"user_id"`
	ActionType       string    `json:"action_type,omitempty"`
	PlanType         string    `json:"plan_type"`
	CreditsConsumed  int       `json:"credits_consumed"`
	RemainingCredits int       `json:"remaining_credits"` // -1 for unlimited
	Timestamp        time.Time `json:"timestamp"`
}

// SubscriptionEvent is published when the billing webhook changes a plan.
type SubscriptionEvent struct {
	UserID    uuid.UUID `json:"user_id"`
	PlanType  string    `json:"plan_type"`
	Status    string    `json:"status"`
	Source    string    `json:"source"` // stripe event type
	Timestamp time.Time `json:"timestamp"`
}
