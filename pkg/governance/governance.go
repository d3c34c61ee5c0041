// Package governance implements the per-scope limit model: abstract action
// costs, rolling rate windows, daily budgets, execution windows, and
// approval thresholds. The package is pure; counters live in the repository
// and are mutated only inside the engine's atomic commit.
package governance

import (
	"fmt"
	"strings"
	"time"
)

// Risk multipliers applied to an action's base cost.
const (
	multiplierLow    = 1
	multiplierMedium = 5
	multiplierHigh   = 20
)

// Window is a time-of-day/day-of-week allowance. Days use lowercase
// three-letter abbreviations (mon..sun); Start and End are HH:MM in UTC.
type Window struct {
	// Days lists the allowed days of week.
	Days []string `json:"days" yaml:"days"`

	// Start is the inclusive window start (HH:MM, 24h UTC).
	Start string `json:"start" yaml:"start"`

	// End is the inclusive window end (HH:MM, 24h UTC).
	End string `json:"end" yaml:"end"`
}

// ApprovalRule escalates expensive actions to a higher role. An action whose
// cost reaches MinCost requires either the named role or an explicit
// confirmation after out-of-band approval.
type ApprovalRule struct {
	// MinCost is the inclusive cost threshold that triggers the rule.
	MinCost float64 `json:"min_cost" yaml:"min_cost"`

	// RequiredRole is the role that may execute without approval.
	RequiredRole string `json:"required_role" yaml:"required_role"`
}

// Limits are the declared governance ceilings for one scope. Zero values
// mean "no limit" for rates, and a nil DailyBudget means unlimited spend.
type Limits struct {
	// RatePerMinute caps successful executions per rolling minute.
	RatePerMinute int `json:"rate_per_minute" yaml:"rate_per_minute"`

	// RatePerHour caps successful executions per rolling hour.
	RatePerHour int `json:"rate_per_hour" yaml:"rate_per_hour"`

	// DailyBudget caps cumulative cost per UTC day.
	DailyBudget *float64 `json:"daily_budget,omitempty" yaml:"daily_budget"`

	// Windows restricts execution to the listed time windows. Empty means
	// always allowed.
	Windows []Window `json:"windows,omitempty" yaml:"windows"`

	// Approvals lists cost thresholds requiring role-based approval.
	Approvals []ApprovalRule `json:"approvals,omitempty" yaml:"approvals"`
}

// Usage are the per-scope rolling counters read optimistically before a
// commit and advanced atomically with it.
type Usage struct {
	// MinuteCount is the number of successful executions in the last minute.
	MinuteCount int `json:"minute_count"`

	// HourCount is the number of successful executions in the last hour.
	HourCount int `json:"hour_count"`

	// DailySpent is the cumulative cost charged since DayStart.
	DailySpent float64 `json:"daily_spent"`

	// DayStart is the UTC midnight the daily spend belongs to.
	DayStart time.Time `json:"day_start"`
}

// LimitKind identifies which limit a violation tripped.
type LimitKind string

const (
	// LimitRateMinute is the per-minute rate ceiling.
	LimitRateMinute LimitKind = "rate_per_minute"

	// LimitRateHour is the per-hour rate ceiling.
	LimitRateHour LimitKind = "rate_per_hour"

	// LimitBudget is the daily budget ceiling.
	LimitBudget LimitKind = "daily_budget"
)

// LimitError reports a tripped governance limit.
type LimitError struct {
	// Kind is the limit that was exceeded.
	Kind LimitKind

	// Detail is a human-readable explanation.
	Detail string
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// ActionCost computes the abstract cost of one execution: base cost times
// the risk multiplier, optionally scaled by a caller-supplied unit count.
// A non-positive unit count is treated as one unit.
func ActionCost(base float64, risk string, units float64) float64 {
	mult := multiplierLow
	switch risk {
	case "medium":
		mult = multiplierMedium
	case "high":
		mult = multiplierHigh
	}
	if units <= 0 {
		units = 1
	}
	return base * float64(mult) * units
}

// CheckRate verifies the rolling rate counters against the declared
// ceilings. Returns nil when within limits.
func CheckRate(l Limits, u Usage) *LimitError {
	if l.RatePerMinute > 0 && u.MinuteCount >= l.RatePerMinute {
		return &LimitError{
			Kind:   LimitRateMinute,
			Detail: fmt.Sprintf("rate limit exceeded (%d/min)", l.RatePerMinute),
		}
	}
	if l.RatePerHour > 0 && u.HourCount >= l.RatePerHour {
		return &LimitError{
			Kind:   LimitRateHour,
			Detail: fmt.Sprintf("hourly rate limit exceeded (%d/hour)", l.RatePerHour),
		}
	}
	return nil
}

// CheckBudget verifies the remaining daily budget covers the given cost.
// Returns nil when no budget is declared or the cost fits.
func CheckBudget(l Limits, u Usage, cost float64) *LimitError {
	if l.DailyBudget == nil {
		return nil
	}
	if u.DailySpent+cost > *l.DailyBudget {
		return &LimitError{
			Kind: LimitBudget,
			Detail: fmt.Sprintf("daily budget exceeded (%.1f + %.1f > %.1f)",
				u.DailySpent, cost, *l.DailyBudget),
		}
	}
	return nil
}

// InWindow reports whether now falls inside any declared execution window.
// No declared windows means execution is always allowed.
func InWindow(windows []Window, now time.Time) bool {
	if len(windows) == 0 {
		return true
	}

	utc := now.UTC()
	day := strings.ToLower(utc.Format("Mon"))
	clock := utc.Format("15:04")

	for _, w := range windows {
		if !containsDay(w.Days, day) {
			continue
		}
		if w.Start <= clock && clock <= w.End {
			return true
		}
	}
	return false
}

func containsDay(days []string, day string) bool {
	for _, d := range days {
		if strings.EqualFold(d, day) {
			return true
		}
	}
	return false
}

// MatchApproval returns the first approval rule the given cost triggers for
// a caller that does not hold the required role. hasRole reports whether the
// caller's role satisfies the named role. A nil return means no approval is
// needed.
func MatchApproval(rules []ApprovalRule, cost float64, hasRole func(role string) bool) *ApprovalRule {
	for i := range rules {
		if cost >= rules[i].MinCost && !hasRole(rules[i].RequiredRole) {
			return &rules[i]
		}
	}
	return nil
}

// Rollover resets the daily spend when now has crossed into a new UTC day.
func Rollover(u Usage, now time.Time) Usage {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	if !u.DayStart.Equal(dayStart) {
		u.DailySpent = 0
		u.DayStart = dayStart
	}
	return u
}
