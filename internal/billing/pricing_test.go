package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/PortNumber53/propcare-billing/internal/billing"
	"github.com/PortNumber53/propcare-billing/internal/models"
)

func TestMonthlyAmount(t *testing.T) {
	assert.Equal(t, int64(0), billing.MonthlyAmount(0))
	for n := 0; n <= 500; n++ {
		assert.Equal(t, int64(29*n), billing.MonthlyAmount(n), "count %d", n)
	}
	assert.Equal(t, int64(58), billing.MonthlyAmount(2))
	assert.Equal(t, int64(116), billing.MonthlyAmount(4))
	assert.Equal(t, int64(0), billing.MonthlyAmount(-3))
	assert.Equal(t, int64(2900), billing.UnitPriceCents)
}

func TestTrialEndIsThirtyDays(t *testing.T) {
	starts := []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 15, 13, 45, 12, 0, time.UTC),
		time.Date(2025, 3, 9, 1, 30, 0, 0, time.UTC),
	}
	for _, start := range starts {
		end := billing.TrialEnd(start)
		assert.Equal(t, 30*24*time.Hour, end.Sub(start))
	}
}

func TestNextPaymentStatusSequence(t *testing.T) {
	want := []models.PaymentStatus{
		models.PaymentStatusActive,
		models.PaymentStatusAtRisk,
		models.PaymentStatusAtRisk,
		models.PaymentStatusSuspended,
		models.PaymentStatusSuspended,
	}
	for count, status := range want {
		assert.Equal(t, status, billing.NextPaymentStatus(count), "failed count %d", count)
	}
}

func TestTrialDaysRemaining(t *testing.T) {
	end := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"exactly seven days", end.Add(-7 * 24 * time.Hour), 7},
		{"rounds up partial day", end.Add(-(6*24 + 1) * time.Hour), 7},
		{"one hour left", end.Add(-time.Hour), 1},
		{"at end", end, 0},
		{"after end", end.Add(time.Hour), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, billing.TrialDaysRemaining(end, tt.now))
		})
	}
}
