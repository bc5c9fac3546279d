package billingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

// Store is an in-memory billing.SubscriberStore and billing.UsageCounter
// with the same version semantics as the Postgres store.
type Store struct {
	mu         sync.Mutex
	subs       map[string]*models.Subscriber
	properties map[string]int

	// CountErr fails CountActiveProperties.
	CountErr error
	// ConflictsRemaining makes the next N updates fail with a version conflict.
	ConflictsRemaining int
	// BeforeUpdate runs before each update while the lock is not held.
	BeforeUpdate func(sub *models.Subscriber)
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		subs:       make(map[string]*models.Subscriber),
		properties: make(map[string]int),
	}
}

// SetProperties sets the active property count for an owner.
func (s *Store) SetProperties(userID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties[userID] = count
}

// Put replaces a record directly, bypassing version checks.
func (s *Store) Put(sub *models.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.UserID] = sub.Clone()
}

// Get returns a copy of a record for assertions, nil if absent.
func (s *Store) Get(userID string) *models.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[userID].Clone()
}

// CountActiveProperties implements billing.UsageCounter.
func (s *Store) CountActiveProperties(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CountErr != nil {
		return 0, s.CountErr
	}
	return s.properties[userID], nil
}

// CreateSubscriber inserts an empty record if none exists.
func (s *Store) CreateSubscriber(_ context.Context, userID, email string) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[userID]; ok {
		return sub.Clone(), nil
	}
	now := time.Now().UTC()
	sub := &models.Subscriber{
		UserID:        userID,
		Email:         email,
		PaymentStatus: models.PaymentStatusActive,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.subs[userID] = sub
	return sub.Clone(), nil
}

// GetSubscriber returns a copy of the record.
func (s *Store) GetSubscriber(_ context.Context, userID string) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return nil, models.ErrSubscriberNotFound
	}
	return sub.Clone(), nil
}

// GetSubscriberByCustomerID looks a record up by provider customer.
func (s *Store) GetSubscriberByCustomerID(_ context.Context, customerID string) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if models.StringValue(sub.CustomerID) == customerID {
			return sub.Clone(), nil
		}
	}
	return nil, models.ErrSubscriberNotFound
}

// SetCustomerID sets the customer only when none is recorded.
func (s *Store) SetCustomerID(_ context.Context, userID, customerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return false, models.ErrSubscriberNotFound
	}
	if sub.CustomerID != nil {
		return false, nil
	}
	sub.CustomerID = models.StringPtr(customerID)
	sub.Version++
	return true, nil
}

// UpdateSubscriber writes sub when its version matches.
func (s *Store) UpdateSubscriber(_ context.Context, sub *models.Subscriber) error {
	if s.BeforeUpdate != nil {
		s.BeforeUpdate(sub)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConflictsRemaining > 0 {
		s.ConflictsRemaining--
		if cur, ok := s.subs[sub.UserID]; ok {
			cur.Version++
		}
		return models.ErrVersionConflict
	}
	cur, ok := s.subs[sub.UserID]
	if !ok {
		return models.ErrSubscriberNotFound
	}
	if cur.Version != sub.Version {
		return models.ErrVersionConflict
	}
	sub.Version++
	s.subs[sub.UserID] = sub.Clone()
	return nil
}

// ListActiveTrials returns unconverted trials ordered by user.
func (s *Store) ListActiveTrials(_ context.Context) ([]*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Subscriber
	for _, sub := range s.subs {
		if sub.IsTrialActive && !sub.Subscribed {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ListSubscribedUserIDs returns owners with a live subscription.
func (s *Store) ListSubscribedUserIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, sub := range s.subs {
		if sub.Subscribed && !sub.IsCancelled && sub.HasSubscription() {
			out = append(out, sub.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}
