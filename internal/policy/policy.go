package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/adhub/core-service/internal/domain"
)

const ReasonMonthlyLimitExceeded = "monthly topup limit exceeded"

// ComputeBMApplicationFee returns the fee for a business manager application.
// The first business manager of an organization is free.
func ComputeBMApplicationFee(plan Plan, existingBMCount int) int64 {
	if existingBMCount <= 0 {
		return 0
	}
	return plan.BMApplicationFeeCents
}

// ComputeTopupFee applies the plan rate to the topup amount, rounding half up to
// the nearest cent.
func ComputeTopupFee(plan Plan, amountCents int64) int64 {
	if amountCents <= 0 || plan.TopupFeeRate.IsZero() {
		return 0
	}
	return decimal.NewFromInt(amountCents).Mul(plan.TopupFeeRate).Round(0).IntPart()
}

// EvaluateTopupLimit checks a requested topup against the month-to-date usage.
func EvaluateTopupLimit(plan Plan, currentUsageCents, requestedCents int64) domain.TopupEligibility {
	out := domain.TopupEligibility{
		Allowed:           true,
		CurrentUsageCents: currentUsageCents,
	}
	if plan.MonthlyTopupLimitCents == nil {
		return out
	}

	limitCents := *plan.MonthlyTopupLimitCents
	available := limitCents - currentUsageCents
	if available < 0 {
		available = 0
	}
	out.LimitCents = &limitCents
	out.AvailableCents = &available
	if requestedCents > available {
		out.Allowed = false
		out.Reason = ReasonMonthlyLimitExceeded
	}
	return out
}

// Usage reports month-to-date usage against the plan limit.
func Usage(plan Plan, currentUsageCents int64, periodStart, periodEnd time.Time) domain.TopupUsage {
	e := EvaluateTopupLimit(plan, currentUsageCents, 0)
	return domain.TopupUsage{
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		CurrentUsageCents: currentUsageCents,
		LimitCents:        e.LimitCents,
		AvailableCents:    e.AvailableCents,
	}
}

// CalendarMonth returns the UTC calendar month containing now as [start, end).
func CalendarMonth(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
