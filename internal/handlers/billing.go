package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/propcare-billing/internal/auth"
	"github.com/PortNumber53/propcare-billing/internal/billing"
	"github.com/PortNumber53/propcare-billing/internal/models"
)

// BillingService defines the billing operations exposed over HTTP.
type BillingService interface {
	StartTrial(ctx context.Context, user models.Identity) (*billing.TrialStarted, error)
	CreateSetupIntent(ctx context.Context, user models.Identity) (*billing.SetupIntentResult, error)
	ConfirmPaymentMethod(ctx context.Context, userID string) (string, error)
	SyncPaymentMethod(ctx context.Context, userID string) (string, error)
	ValidatePaymentMethod(ctx context.Context, userID string) (*billing.PaymentMethodStatus, error)
	Reconcile(ctx context.Context, userID string) (*billing.ReconcileResult, error)
	PreviewChange(ctx context.Context, userID string, newCount int) (*billing.ChangePreview, error)
	CancelSubscription(ctx context.Context, userID, reason string) (*models.Subscriber, error)
	Reactivate(ctx context.Context, userID string) (*models.Subscriber, error)
	CheckAccess(ctx context.Context, userID string, requirePaymentMethod bool) (billing.AccessDecision, error)
	Subscriber(ctx context.Context, userID string) (*models.Subscriber, error)
}

// PaymentHistoryStore lists recorded payments.
type PaymentHistoryStore interface {
	ListPayments(ctx context.Context, userID string, limit int) ([]models.PaymentHistory, error)
}

const maxRequestBody = 1 << 16

type cancelPayload struct {
	Reason string `json:"reason"`
}

func identity(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, "identity", billing.ErrNotAuthenticated)
	}
	return id, ok
}

// StartTrial opens the owner's 30 day trial and returns the card setup secret.
func StartTrial(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		result, err := svc.StartTrial(r.Context(), user)
		if err != nil {
			writeError(w, r, "start_trial", err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

// CreateSetupIntent starts collection of a new card.
func CreateSetupIntent(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		result, err := svc.CreateSetupIntent(r.Context(), user)
		if err != nil {
			writeError(w, r, "create_setup_intent", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// ConfirmPaymentMethod records the card collected by the pending setup intent.
func ConfirmPaymentMethod(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		pmID, err := svc.ConfirmPaymentMethod(r.Context(), user.ID)
		if err != nil {
			writeError(w, r, "confirm_payment_method", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payment_method_id": pmID})
	}
}

// SyncPaymentMethod pulls the owner's card from the provider.
func SyncPaymentMethod(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		pmID, err := svc.SyncPaymentMethod(r.Context(), user.ID)
		if err != nil {
			writeError(w, r, "sync_payment_method", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payment_method_id": pmID})
	}
}

// ValidatePaymentMethod reports whether a card is on file.
func ValidatePaymentMethod(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		status, err := svc.ValidatePaymentMethod(r.Context(), user.ID)
		if err != nil {
			writeError(w, r, "validate_payment_method", err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// Reconcile recounts active properties and syncs the billed quantity.
func Reconcile(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		result, err := svc.Reconcile(r.Context(), user.ID)
		if err != nil {
			writeError(w, r, "reconcile", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// PreviewChange quotes the bill for ?count=N properties.
func PreviewChange(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		count, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("count")))
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid_argument", "count must be an integer")
			return
		}
		preview, err := svc.PreviewChange(r.Context(), user.ID, count)
		if err != nil {
			writeError(w, r, "preview_change", err)
			return
		}
		writeJSON(w, http.StatusOK, preview)
	}
}

// CancelSubscription cancels the owner's subscription immediately.
func CancelSubscription(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		var payload cancelPayload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeMessage(w, http.StatusBadRequest, "invalid_argument", "invalid JSON payload")
			return
		}
		rec, err := svc.CancelSubscription(r.Context(), user.ID, strings.TrimSpace(payload.Reason))
		if err != nil {
			writeError(w, r, "cancel_subscription", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscriber": rec})
	}
}

// Reactivate clears a suspension once a working card is on file.
func Reactivate(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		rec, err := svc.Reactivate(r.Context(), user.ID)
		if err != nil {
			writeError(w, r, "reactivate", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscriber": rec})
	}
}

// CheckAccess returns the gate decision for the caller.
func CheckAccess(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		requirePM, _ := strconv.ParseBool(r.URL.Query().Get("require_payment_method"))
		decision, err := svc.CheckAccess(r.Context(), user.ID, requirePM)
		if err != nil {
			writeError(w, r, "check_access", err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

// GetStatus returns the caller's billing record with derived amounts.
func GetStatus(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		rec, err := svc.Subscriber(r.Context(), user.ID)
		if err != nil {
			writeError(w, r, "status", err)
			return
		}
		decision, err := svc.CheckAccess(r.Context(), user.ID, false)
		if err != nil {
			writeError(w, r, "status", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subscriber":     rec,
			"monthly_amount": billing.MonthlyAmount(rec.ActivePropertiesCount),
			"access":         decision,
		})
	}
}

// GetPaymentHistory returns the caller's recorded payments, newest first.
func GetPaymentHistory(store PaymentHistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity(w, r)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		payments, err := store.ListPayments(r.Context(), user.ID, limit)
		if err != nil {
			writeError(w, r, "payment_history", err)
			return
		}
		if payments == nil {
			payments = []models.PaymentHistory{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}

// RequireAccess gates downstream routes with 402 Payment Required when the
// caller's billing state denies access. The /gate routes expose it to
// forward-auth proxies in front of the property management app.
func RequireAccess(svc BillingService, requirePaymentMethod bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := identity(w, r)
			if !ok {
				return
			}
			decision, err := svc.CheckAccess(r.Context(), user.ID, requirePaymentMethod)
			if err != nil {
				writeError(w, r, "access_gate", err)
				return
			}
			if !decision.HasAccess {
				writeMessage(w, http.StatusPaymentRequired, string(decision.Reason), "billing action required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowed(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// BillingHandler holds dependencies for the billing routes.
type BillingHandler struct {
	Service  BillingService
	Payments PaymentHistoryStore
	Auth     auth.IdentityResolver
}

// RegisterRoutes mounts the authenticated billing API under /api/billing.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Route("/api/billing", func(r chi.Router) {
		r.Use(auth.RequireUser(h.Auth))
		r.Post("/trial", StartTrial(h.Service))
		r.Post("/payment-method/setup-intent", CreateSetupIntent(h.Service))
		r.Post("/payment-method/confirm", ConfirmPaymentMethod(h.Service))
		r.Post("/payment-method/sync", SyncPaymentMethod(h.Service))
		r.Get("/payment-method", ValidatePaymentMethod(h.Service))
		r.Post("/reconcile", Reconcile(h.Service))
		r.Get("/preview", PreviewChange(h.Service))
		r.Post("/cancel", CancelSubscription(h.Service))
		r.Post("/reactivate", Reactivate(h.Service))
		r.Get("/access", CheckAccess(h.Service))
		r.With(RequireAccess(h.Service, false)).Get("/gate", allowed)
		r.With(RequireAccess(h.Service, true)).Get("/gate/payment-method", allowed)
		r.Get("/status", GetStatus(h.Service))
		if h.Payments != nil {
			r.Get("/payments", GetPaymentHistory(h.Payments))
		}
	})
}
