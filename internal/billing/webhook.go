package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/scentmatch/metering/internal/api"
	"github.com/scentmatch/metering/internal/credits"
	"github.com/scentmatch/metering/internal/metrics"
	inats "github.com/scentmatch/metering/internal/nats"
)

const maxBodyBytes = int64(65536)

// errMissingUser marks an event that cannot be tied to a user.
var errMissingUser = errors.New("billing: event carries no resolvable user")

// SubscriptionSyncer is the part of the credits service the webhook writes through.
type SubscriptionSyncer interface {
	SyncSubscription(ctx context.Context, upd credits.SubscriptionUpdate) error
	UserIDForCustomer(ctx context.Context, customerID string) (uuid.UUID, error)
}

// EventPublisher announces plan changes. Publishing is best-effort.
type EventPublisher interface {
	PublishSubscriptionEvent(ctx context.Context, event inats.SubscriptionEvent) error
}

// WebhookHandler applies Stripe subscription lifecycle events to the
// subscriptions table.
type WebhookHandler struct {
	syncer SubscriptionSyncer
	events EventPublisher
	secret string
}

// NewWebhookHandler creates a WebhookHandler. events may be nil.
func NewWebhookHandler(syncer SubscriptionSyncer, secret string, events EventPublisher) *WebhookHandler {
	return &WebhookHandler{syncer: syncer, events: events, secret: secret}
}

// HandleStripe verifies the Stripe-Signature header and dispatches the event.
// Unknown event types are acknowledged. Storage failures answer 500 so Stripe
// redelivers.
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		slog.Error("stripe webhook secret missing")
		api.JSONErrorMessage(w, http.StatusInternalServerError, "webhook not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid payload"))
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		slog.Warn("stripe webhook signature failed", "error", err)
		api.HandleError(w, api.ErrInvalidSignature)
		return
	}

	upd, err := h.updateFor(r.Context(), event)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "rejected").Inc()
		slog.Warn("stripe webhook rejected", "event_id", event.ID, "type", event.Type, "error", err)
		api.HandleError(w, api.NewBadRequestError(err.Error()))
		return
	}

	if upd == nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "ignored").Inc()
		api.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err := h.syncer.SyncSubscription(r.Context(), *upd); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		slog.Error("stripe webhook sync failed", "event_id", event.ID, "user_id", upd.UserID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "applied").Inc()
	h.publish(r.Context(), string(event.Type), upd)
	api.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// updateFor translates an event into a subscription update. A nil update
// with a nil error means the event is not relevant.
func (h *WebhookHandler) updateFor(ctx context.Context, event stripe.Event) (*credits.SubscriptionUpdate, error) {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("invalid session payload: %w", err)
		}
		return h.fromCheckoutSession(ctx, &sess)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("invalid subscription payload: %w", err)
		}
		return h.fromSubscription(ctx, &sub, false)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("invalid subscription payload: %w", err)
		}
		return h.fromSubscription(ctx, &sub, true)
	}
	return nil, nil
}

// fromCheckoutSession upgrades only settled sessions. Delayed payment
// methods complete the session as unpaid; those users are upgraded by the
// customer.subscription.updated event once the payment clears.
func (h *WebhookHandler) fromCheckoutSession(ctx context.Context, sess *stripe.CheckoutSession) (*credits.SubscriptionUpdate, error) {
	if !checkoutSettled(sess) {
		slog.Info("stripe checkout not settled, skipping upgrade",
			"session_id", sess.ID, "mode", sess.Mode, "payment_status", sess.PaymentStatus)
		return nil, nil
	}

	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}

	userID, err := h.resolveUser(ctx, sess.ClientReferenceID, sess.Metadata, customerID)
	if err != nil {
		return nil, err
	}

	upd := &credits.SubscriptionUpdate{
		UserID:           userID,
		PlanType:         credits.PlanPremium,
		Status:           credits.StatusActive,
		StripeCustomerID: customerID,
	}
	if sess.Subscription != nil {
		upd.StripeSubscriptionID = sess.Subscription.ID
	}
	return upd, nil
}

func checkoutSettled(sess *stripe.CheckoutSession) bool {
	if sess.Mode == stripe.CheckoutSessionModeSetup {
		return false
	}
	switch sess.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return true
	}
	return false
}

func (h *WebhookHandler) fromSubscription(ctx context.Context, sub *stripe.Subscription, deleted bool) (*credits.SubscriptionUpdate, error) {
	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	userID, err := h.resolveUser(ctx, "", sub.Metadata, customerID)
	if err != nil {
		return nil, err
	}

	upd := &credits.SubscriptionUpdate{
		UserID:               userID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: sub.ID,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		upd.CurrentPeriodEnd = &end
	}

	if deleted {
		upd.PlanType = credits.PlanFree
		upd.Status = credits.StatusCanceled
		upd.CancelAtPeriodEnd = false
		return upd, nil
	}

	upd.PlanType, upd.Status = MapStatus(sub.Status)
	return upd, nil
}

// resolveUser finds the user an event belongs to: an explicit reference
// first, then metadata user_id, then a known customer id.
func (h *WebhookHandler) resolveUser(ctx context.Context, reference string, metadata map[string]string, customerID string) (uuid.UUID, error) {
	for _, candidate := range []string{reference, metadata["user_id"]} {
		if candidate == "" {
			continue
		}
		id, err := uuid.Parse(candidate)
		if err != nil || id == uuid.Nil {
			return uuid.Nil, fmt.Errorf("%w: malformed user id %q", errMissingUser, candidate)
		}
		return id, nil
	}

	if customerID != "" {
		id, err := h.syncer.UserIDForCustomer(ctx, customerID)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, credits.ErrSubscriptionNotFound) {
			slog.Warn("stripe webhook customer lookup failed", "customer_id", customerID, "error", err)
		}
	}
	return uuid.Nil, errMissingUser
}

// MapStatus converts a Stripe subscription status into the local plan and
// status. Subscribers keep the premium plan while Stripe still considers
// the subscription alive; only an active one is unmetered.
func MapStatus(s stripe.SubscriptionStatus) (credits.PlanType, credits.SubscriptionStatus) {
	switch s {
	case stripe.SubscriptionStatusActive:
		return credits.PlanPremium, credits.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return credits.PlanPremium, credits.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return credits.PlanPremium, credits.StatusPastDue
	case stripe.SubscriptionStatusIncomplete:
		return credits.PlanPremium, credits.StatusIncomplete
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return credits.PlanFree, credits.StatusCanceled
	default:
		return credits.PlanFree, credits.StatusInactive
	}
}

func (h *WebhookHandler) publish(ctx context.Context, source string, upd *credits.SubscriptionUpdate) {
	if h.events == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	err := h.events.PublishSubscriptionEvent(ctx, inats.SubscriptionEvent{
		UserID:    upd.UserID,
		PlanType:  string(upd.PlanType),
		Status:    string(upd.Status),
		Source:    source,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("billing: publishing subscription event failed", "error", err)
	}
}
