package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

// Kind classifies billing failures so transports can map them to a status
// and the UI can branch on a remediation path.
type Kind string

const (
	KindConfiguration    Kind = "configuration"
	KindNotAuthenticated Kind = "not_authenticated"
	KindNotAuthorized    Kind = "not_authorized"
	KindNotFound         Kind = "not_found"
	KindInvalid          Kind = "invalid"
	KindProvider         Kind = "provider"
	KindStateConflict    Kind = "state_conflict"
	KindConflict         Kind = "conflict"
	KindInternal         Kind = "internal"
)

// Error is the typed failure returned by every Service operation.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Reason
	}
	if e.Err != nil {
		return fmt.Sprintf("billing: %s: %v", msg, e.Err)
	}
	return "billing: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind; a non-empty target Reason must
// match too.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Reason == "" || e.Reason == t.Reason
}

var (
	ErrNotAuthenticated      = &Error{Kind: KindNotAuthenticated, Reason: "not_authenticated"}
	ErrSubscriberNotFound    = &Error{Kind: KindNotFound, Reason: "subscriber_not_found"}
	ErrCustomerNotFound      = &Error{Kind: KindNotFound, Reason: "customer_not_found"}
	ErrSetupIntentNotFound   = &Error{Kind: KindNotFound, Reason: "setup_intent_not_found"}
	ErrNoPaymentMethodFound  = &Error{Kind: KindNotFound, Reason: "no_payment_method_found"}
	ErrSetupNotComplete      = &Error{Kind: KindStateConflict, Reason: "setup_not_complete"}
	ErrNoPaymentMethod       = &Error{Kind: KindStateConflict, Reason: "no_payment_method"}
	ErrAlreadySubscribed     = &Error{Kind: KindStateConflict, Reason: "already_subscribed"}
	ErrSubscriptionCancelled = &Error{Kind: KindStateConflict, Reason: "subscription_cancelled"}
	ErrConcurrentUpdate      = &Error{Kind: KindConflict, Reason: "concurrent_update"}
)

// KindOf returns the classification of err, KindInternal for untyped errors.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// ReasonOf returns the machine-readable reason code carried by err.
func ReasonOf(err error) string {
	var be *Error
	if errors.As(err, &be) && be.Reason != "" {
		return be.Reason
	}
	return "internal_error"
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProvider, KindConflict, KindInternal:
		return true
	}
	return false
}

// ConfigurationError reports missing credentials or environment.
func ConfigurationError(msg string) error {
	return &Error{Kind: KindConfiguration, Reason: "configuration_error", Message: msg}
}

func invalidArgument(msg string) error {
	return &Error{Kind: KindInvalid, Reason: "invalid_argument", Message: msg}
}

func withDetail(sentinel *Error, detail string) error {
	return &Error{Kind: sentinel.Kind, Reason: sentinel.Reason, Message: sentinel.Reason + ": " + detail}
}

func providerError(op string, err error) error {
	reason := "provider_error"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "provider_timeout"
	}
	return &Error{Kind: KindProvider, Reason: reason, Message: op, Err: err}
}

func storeError(op string, err error) error {
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, models.ErrSubscriberNotFound) {
		return &Error{Kind: KindNotFound, Reason: ErrSubscriberNotFound.Reason, Message: op, Err: err}
	}
	return &Error{Kind: KindInternal, Reason: "store_error", Message: op, Err: err}
}
