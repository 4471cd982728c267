package credits

// Tier says how a subscription is charged.
type Tier int

const (
	// TierMetered draws from the monthly credit allowance.
	TierMetered Tier = iota
	// TierUnlimited bypasses credit bookkeeping entirely.
	TierUnlimited
)

func (t Tier) String() string {
	if t == TierUnlimited {
		return "unlimited"
	}
	return "metered"
}

// Classify maps a subscription to its tier. Only an active premium plan is
// unlimited; a lapsed, past-due or canceled premium plan is metered like free.
// A nil subscription is metered.
func Classify(sub *Subscription) Tier {
	if sub != nil && sub.PlanType == PlanPremium && sub.Status == StatusActive {
		return TierUnlimited
	}
	return TierMetered
}
