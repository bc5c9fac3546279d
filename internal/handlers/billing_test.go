package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/propcare-billing/internal/auth"
	"github.com/PortNumber53/propcare-billing/internal/billing"
	"github.com/PortNumber53/propcare-billing/internal/billing/billingtest"
	"github.com/PortNumber53/propcare-billing/internal/models"
)

// tokenResolver treats the bearer token as the user id.
type tokenResolver struct{}

func (tokenResolver) GetUser(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, billing.ErrNotAuthenticated
	}
	return models.Identity{ID: token, Email: token + "@example.com"}, nil
}

type paymentList struct {
	payments []models.PaymentHistory
}

func (p *paymentList) ListPayments(_ context.Context, userID string, _ int) ([]models.PaymentHistory, error) {
	var out []models.PaymentHistory
	for _, pay := range p.payments {
		if pay.UserID == userID {
			out = append(out, pay)
		}
	}
	return out, nil
}

type billingEnv struct {
	router   chi.Router
	svc      *billing.Service
	store    *billingtest.Store
	provider *billingtest.Provider
	payments *paymentList
}

func newBillingEnv(t *testing.T) *billingEnv {
	t.Helper()
	env := &billingEnv{
		store:    billingtest.NewStore(),
		provider: billingtest.NewProvider(),
		payments: &paymentList{},
	}
	clock := billingtest.NewClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, err := billing.New(env.store, env.store, env.provider, &billingtest.Notifier{}, billing.Options{Now: clock.Now})
	require.NoError(t, err)
	env.svc = svc

	env.router = chi.NewRouter()
	(&BillingHandler{Service: svc, Payments: env.payments, Auth: tokenResolver{}}).RegisterRoutes(env.router)
	return env
}

func (e *billingEnv) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestBillingRoutesRequireAuthentication(t *testing.T) {
	env := newBillingEnv(t)
	rec := env.do(t, http.MethodGet, "/api/billing/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "not_authenticated", decode(t, rec)["reason"])
}

func TestStartTrialAndStatus(t *testing.T) {
	env := newBillingEnv(t)
	env.store.SetProperties("owner", 3)

	rec := env.do(t, http.MethodPost, "/api/billing/trial", "owner", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.NotEmpty(t, body["client_secret"])
	assert.EqualValues(t, 87, body["monthly_amount"])

	rec = env.do(t, http.MethodGet, "/api/billing/access", "owner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["has_access"])

	rec = env.do(t, http.MethodGet, "/api/billing/access?require_payment_method=true", "owner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	access := decode(t, rec)
	assert.Equal(t, false, access["has_access"])
	assert.Equal(t, "no_payment_method", access["reason"])

	rec = env.do(t, http.MethodGet, "/api/billing/status", "owner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.EqualValues(t, 87, status["monthly_amount"])
	sub := status["subscriber"].(map[string]any)
	assert.Equal(t, true, sub["is_trial_active"])
}

func TestConfirmPaymentMethodFlow(t *testing.T) {
	env := newBillingEnv(t)

	rec := env.do(t, http.MethodPost, "/api/billing/trial", "owner", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	setupIntentID := decode(t, rec)["setup_intent_id"].(string)

	rec = env.do(t, http.MethodPost, "/api/billing/payment-method/confirm", "owner", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "setup_not_complete", decode(t, rec)["reason"])

	customerID := models.StringValue(env.store.Get("owner").CustomerID)
	env.provider.CompleteSetupIntent(setupIntentID, customerID, billing.PaymentMethod{ID: "pm_owner", Brand: "visa", Last4: "4242"})

	rec = env.do(t, http.MethodPost, "/api/billing/payment-method/confirm", "owner", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pm_owner", decode(t, rec)["payment_method_id"])

	rec = env.do(t, http.MethodGet, "/api/billing/payment-method", "owner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["has_payment_method"])
}

func TestUnknownOwnerMapsToNotFound(t *testing.T) {
	env := newBillingEnv(t)

	rec := env.do(t, http.MethodPost, "/api/billing/reactivate", "ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "subscriber_not_found", decode(t, rec)["reason"])

	rec = env.do(t, http.MethodGet, "/api/billing/access", "ghost", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no_subscription", decode(t, rec)["reason"])
}

func TestPreviewValidatesCount(t *testing.T) {
	env := newBillingEnv(t)
	env.do(t, http.MethodPost, "/api/billing/trial", "owner", "")

	rec := env.do(t, http.MethodGet, "/api/billing/preview?count=abc", "owner", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/billing/preview?count=4", "owner", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode(t, rec)
	assert.EqualValues(t, 116, preview["new_amount"])
	assert.Equal(t, "charge", preview["action"])
}

func TestCancelSubscription(t *testing.T) {
	env := newBillingEnv(t)
	env.do(t, http.MethodPost, "/api/billing/trial", "owner", "")

	rec := env.do(t, http.MethodPost, "/api/billing/cancel", "owner", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/billing/cancel", "owner", `{"reason":"moving"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, env.store.Get("owner").IsCancelled)
	assert.Equal(t, "moving", models.StringValue(env.store.Get("owner").CancellationReason))

	rec = env.do(t, http.MethodPost, "/api/billing/reactivate", "owner", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "subscription_cancelled", decode(t, rec)["reason"])
}

func TestPaymentHistoryReturnsOwnRows(t *testing.T) {
	env := newBillingEnv(t)
	env.payments.payments = []models.PaymentHistory{
		{ID: 1, UserID: "owner", Amount: 2900, Status: "succeeded"},
		{ID: 2, UserID: "other", Amount: 5800, Status: "failed"},
	}

	rec := env.do(t, http.MethodGet, "/api/billing/payments", "owner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	payments := decode(t, rec)["payments"].([]any)
	require.Len(t, payments, 1)

	rec = env.do(t, http.MethodGet, "/api/billing/payments", "nobody", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["payments"])
}

func TestRequireAccessGate(t *testing.T) {
	env := newBillingEnv(t)
	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				id, _ := tokenResolver{}.GetUser(strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer "))
				if id.ID != "" {
					req = req.WithContext(auth.WithIdentity(req.Context(), id))
				}
				next.ServeHTTP(w, req)
			})
		})
		r.Use(RequireAccess(env.svc, false))
		r.Get("/properties", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	})

	call := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/properties", nil)
		req.Header.Set("Authorization", "Bearer "+user)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := call("owner")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "no_subscription", decode(t, rec)["reason"])

	_, err := env.svc.StartTrial(context.Background(), models.Identity{ID: "owner", Email: "owner@example.com"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, call("owner").Code)
}

func TestStatusForKinds(t *testing.T) {
	cases := map[billing.Kind]int{
		billing.KindConfiguration:    http.StatusInternalServerError,
		billing.KindNotAuthenticated: http.StatusUnauthorized,
		billing.KindNotAuthorized:    http.StatusForbidden,
		billing.KindNotFound:         http.StatusNotFound,
		billing.KindInvalid:          http.StatusBadRequest,
		billing.KindProvider:         http.StatusBadGateway,
		billing.KindStateConflict:    http.StatusConflict,
		billing.KindConflict:         http.StatusConflict,
		billing.KindInternal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), kind)
	}
}
