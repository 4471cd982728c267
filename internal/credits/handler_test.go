package credits

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scentmatch/metering/internal/auth"
)

type envelope struct {
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error"`
	TotalCount int64           `json:"total_count"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
}

func newTestHandler(t *testing.T, limiter *BurstLimiter) (*Handler, *Service, *MemoryStore) {
	t.Helper()
	svc, store, _ := newTestService(t, fixedNow)
	return NewHandler(svc, limiter), svc, store
}

func authedRequest(method, target string, body any, userID uuid.UUID) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	if userID != uuid.Nil {
		claims := &auth.AccessClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()}}
		req = req.WithContext(auth.WithUserClaims(req.Context(), claims))
	}
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

func TestHandler_Consume(t *testing.T) {
	h, _, store := newTestHandler(t, nil)
	userID := uuid.New()
	seedCredits(t, store, userID, 9, 10, FirstOfNextMonth(fixedNow))

	rec := httptest.NewRecorder()
	h.Consume(rec, authedRequest(http.MethodPost, "/api/v1/credits/consume", ConsumeRequest{ActionType: ActionRecommendations}, userID))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConsumeResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &resp))
	assert.Equal(t, ConsumeResponse{Success: true, RemainingCredits: 0}, resp)

	// Exhausted: 402 with the result still in the data envelope.
	rec = httptest.NewRecorder()
	h.Consume(rec, authedRequest(http.MethodPost, "/api/v1/credits/consume", ConsumeRequest{ActionType: ActionRecommendations}, userID))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	resp = ConsumeResponse{}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, 0, resp.RemainingCredits)
	assert.Equal(t, QuotaExceededMessage, resp.Error)
}

func TestHandler_ConsumePremium(t *testing.T) {
	h, svc, _ := newTestHandler(t, nil)
	userID := uuid.New()
	makePremium(t, svc, userID, StatusActive)

	rec := httptest.NewRecorder()
	h.Consume(rec, authedRequest(http.MethodPost, "/", ConsumeRequest{ActionType: ActionImageSearch, Credits: 5}, userID))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConsumeResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Unlimited)
	assert.Equal(t, UnlimitedCredits, resp.RemainingCredits)
}

func TestHandler_ConsumeRejectsBadInput(t *testing.T) {
	h, _, store := newTestHandler(t, nil)
	userID := uuid.New()

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing action", ConsumeRequest{}, http.StatusBadRequest},
		{"negative credits", ConsumeRequest{ActionType: ActionChat, Credits: -1}, http.StatusBadRequest},
		{"too many credits", ConsumeRequest{ActionType: ActionChat, Credits: 1000}, http.StatusBadRequest},
		{"not json", "nope", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Consume(rec, authedRequest(http.MethodPost, "/", tt.body, userID))
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	assert.Empty(t, store.subscriptions)
}

func TestHandler_ConsumeUnauthenticated(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	h.Consume(rec, authedRequest(http.MethodPost, "/", ConsumeRequest{ActionType: ActionChat}, uuid.Nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_ConsumeBurstLimited(t *testing.T) {
	rdb, _ := setupMiniredis(t)
	h, _, store := newTestHandler(t, NewBurstLimiter(rdb, 2))
	userID := uuid.New()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.Consume(rec, authedRequest(http.MethodPost, "/", ConsumeRequest{ActionType: ActionChat}, userID))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.Consume(rec, authedRequest(http.MethodPost, "/", ConsumeRequest{ActionType: ActionChat}, userID))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	ledger, err := store.GetCredits(t.Context(), userID)
	require.NoError(t, err)
	assert.Equal(t, 2, ledger.CreditsUsed, "burst rejection must not reach the ledger")
}

func TestHandler_Status(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	userID := uuid.New()

	rec := httptest.NewRecorder()
	h.Status(rec, authedRequest(http.MethodGet, "/api/v1/credits", nil, userID))
	require.Equal(t, http.StatusOK, rec.Code)

	var st CreditStatus
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &st))
	assert.Equal(t, PlanFree, st.PlanType)
	assert.Equal(t, DefaultLimit, st.RemainingCredits)
	require.NotNil(t, st.ResetDate)

	rec = httptest.NewRecorder()
	h.Status(rec, authedRequest(http.MethodGet, "/api/v1/credits", nil, uuid.Nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_ListUsage(t *testing.T) {
	h, svc, _ := newTestHandler(t, nil)
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := svc.CheckAndConsume(t.Context(), userID, ActionRecommendations, 1)
		require.NoError(t, err)
	}
	_, err := svc.CheckAndConsume(t.Context(), userID, ActionChat, 1)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ListUsage(rec, authedRequest(http.MethodGet, "/api/v1/credits/usage?action_type=recommendations&page_size=2", nil, userID))
	require.Equal(t, http.StatusOK, rec.Code)

	env := decode(t, rec)
	assert.Equal(t, int64(3), env.TotalCount)
	assert.Equal(t, 1, env.Page)
	assert.Equal(t, 2, env.PageSize)

	var logs []UsageLog
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	assert.Len(t, logs, 2)

	rec = httptest.NewRecorder()
	h.ListUsage(rec, authedRequest(http.MethodGet, "/api/v1/credits/usage?from=yesterday", nil, userID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
