package credits

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used for local runs and tests. All
// operations hold a single mutex so the conditional consume is atomic.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[uuid.UUID]*Subscription
	credits       map[uuid.UUID]*CreditRecord
	usage         []UsageLog
	now           func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[uuid.UUID]*Subscription),
		credits:       make(map[uuid.UUID]*CreditRecord),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) GetOrCreateSubscription(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[userID]
	if !ok {
		now := m.now()
		sub = &Subscription{
			UserID:    userID,
			PlanType:  PlanFree,
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.subscriptions[userID] = sub
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) UpsertSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.subscriptions[sub.UserID]
	if !ok {
		cp := *sub
		cp.CreatedAt = now
		cp.UpdatedAt = now
		m.subscriptions[sub.UserID] = &cp
		return nil
	}

	existing.PlanType = sub.PlanType
	existing.Status = sub.Status
	if sub.StripeCustomerID != "" {
		existing.StripeCustomerID = sub.StripeCustomerID
	}
	if sub.StripeSubscriptionID != "" {
		existing.StripeSubscriptionID = sub.StripeSubscriptionID
	}
	if sub.CurrentPeriodEnd != nil {
		t := *sub.CurrentPeriodEnd
		existing.CurrentPeriodEnd = &t
	}
	existing.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	existing.UpdatedAt = now
	return nil
}

func (m *MemoryStore) GetUserIDByStripeCustomer(_ context.Context, customerID string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.subscriptions {
		if sub.StripeCustomerID == customerID {
			return id, nil
		}
	}
	return uuid.Nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetOrCreateCredits(_ context.Context, userID uuid.UUID, limit int, resetDate time.Time) (*CreditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.credits[userID]
	if !ok {
		now := m.now()
		rec = &CreditRecord{
			UserID:       userID,
			CreditsLimit: limit,
			ResetDate:    resetDate,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		m.credits[userID] = rec
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetCredits(_ context.Context, userID uuid.UUID) (*CreditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.credits[userID]
	if !ok {
		return nil, ErrCreditsNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ResetCreditsIfDue(_ context.Context, userID uuid.UUID, now, nextReset time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.credits[userID]
	if !ok {
		return false, ErrCreditsNotFound
	}
	if !rec.ResetDue(now) {
		return false, nil
	}
	rec.CreditsUsed = 0
	rec.ResetDate = nextReset
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) ConsumeCredits(_ context.Context, userID uuid.UUID, amount int, entry *UsageLog) (*CreditRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.credits[userID]
	if !ok {
		return nil, false, ErrCreditsNotFound
	}
	if rec.CreditsUsed+amount > rec.CreditsLimit {
		cp := *rec
		return &cp, false, nil
	}

	rec.CreditsUsed += amount
	rec.UpdatedAt = m.now()
	m.appendLocked(entry)

	cp := *rec
	return &cp, true, nil
}

func (m *MemoryStore) InsertUsageLog(_ context.Context, entry *UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendLocked(entry)
	return nil
}

func (m *MemoryStore) appendLocked(entry *UsageLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	m.usage = append(m.usage, *entry)
}

func (m *MemoryStore) ListUsageLogs(_ context.Context, userID uuid.UUID, params UsageListParams) ([]UsageLog, int64, error) {
	params.normalize()

	m.mu.Lock()
	var matched []UsageLog
	for _, l := range m.usage {
		if l.UserID != userID {
			continue
		}
		if params.ActionType != "" && l.ActionType != params.ActionType {
			continue
		}
		if params.From != nil && l.CreatedAt.Before(*params.From) {
			continue
		}
		if params.To != nil && l.CreatedAt.After(*params.To) {
			continue
		}
		matched = append(matched, l)
	}
	m.mu.Unlock()

	// Stable keeps insertion order for entries sharing a timestamp.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := params.offset()
	if start >= len(matched) {
		return []UsageLog{}, total, nil
	}
	end := start + params.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}
