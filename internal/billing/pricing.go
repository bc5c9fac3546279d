package billing

import (
	"math"
	"time"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

const (
	// UnitPrice is the monthly price per active property in whole currency units.
	UnitPrice int64 = 29
	// UnitPriceCents is UnitPrice in the provider's minor units.
	UnitPriceCents = UnitPrice * 100

	// TrialPeriod is the length of a trial window.
	TrialPeriod = 30 * 24 * time.Hour

	// SuspensionThreshold is the consecutive failed charge count that suspends access.
	SuspensionThreshold = 3
)

// trialReminderThresholds are the days-remaining marks that trigger a reminder, descending.
var trialReminderThresholds = []int{7, 3, 1}

// MonthlyAmount prices a property count. Negative counts price as zero.
func MonthlyAmount(count int) int64 {
	if count <= 0 {
		return 0
	}
	return int64(count) * UnitPrice
}

// NextPaymentStatus maps a consecutive failed charge count to a payment status.
func NextPaymentStatus(failedCount int) models.PaymentStatus {
	switch {
	case failedCount >= SuspensionThreshold:
		return models.PaymentStatusSuspended
	case failedCount > 0:
		return models.PaymentStatusAtRisk
	default:
		return models.PaymentStatusActive
	}
}

// TrialEnd returns the end of a trial started at start.
func TrialEnd(start time.Time) time.Time {
	return start.Add(TrialPeriod)
}

// TrialDaysRemaining rounds the time left up to whole days; 0 once expired.
func TrialDaysRemaining(end, now time.Time) int {
	remaining := end.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

// reminderThreshold returns the smallest threshold that days has crossed, or 0.
func reminderThreshold(days int) int {
	if days <= 0 {
		return 0
	}
	threshold := 0
	for _, t := range trialReminderThresholds {
		if days <= t {
			threshold = t
		}
	}
	return threshold
}

// nextBillingDate is one calendar month after from.
func nextBillingDate(from time.Time) time.Time {
	return from.AddDate(0, 1, 0)
}
