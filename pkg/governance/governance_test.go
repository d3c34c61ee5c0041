package governance

import (
	"testing"
	"time"
)

func TestActionCost(t *testing.T) {
	tests := []struct {
		name  string
		base  float64
		risk  string
		units float64
		want  float64
	}{
		{"low risk single unit", 2, "low", 0, 2},
		{"medium risk multiplies by five", 2, "medium", 0, 10},
		{"high risk multiplies by twenty", 2, "high", 0, 40},
		{"units scale the cost", 3, "low", 4, 12},
		{"unknown risk treated as low", 3, "", 0, 3},
		{"negative units treated as one", 3, "low", -2, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ActionCost(tt.base, tt.risk, tt.units); got != tt.want {
				t.Fatalf("ActionCost(%v, %q, %v) = %v, want %v", tt.base, tt.risk, tt.units, got, tt.want)
			}
		})
	}
}

func TestCheckRate(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
		usage  Usage
		want   LimitKind
	}{
		{"no limits", Limits{}, Usage{MinuteCount: 100, HourCount: 1000}, ""},
		{"under both", Limits{RatePerMinute: 5, RatePerHour: 50}, Usage{MinuteCount: 4, HourCount: 49}, ""},
		{"minute ceiling hit", Limits{RatePerMinute: 5}, Usage{MinuteCount: 5}, LimitRateMinute},
		{"hour ceiling hit", Limits{RatePerHour: 50}, Usage{HourCount: 50}, LimitRateHour},
		{"minute reported before hour", Limits{RatePerMinute: 1, RatePerHour: 1}, Usage{MinuteCount: 1, HourCount: 1}, LimitRateMinute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRate(tt.limits, tt.usage)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("CheckRate() = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Kind != tt.want {
				t.Fatalf("CheckRate() = %v, want kind %s", err, tt.want)
			}
		})
	}
}

func TestCheckBudget(t *testing.T) {
	budget := 10.0
	tests := []struct {
		name  string
		limit Limits
		usage Usage
		cost  float64
		ok    bool
	}{
		{"no budget declared", Limits{}, Usage{DailySpent: 1000}, 50, true},
		{"fits exactly", Limits{DailyBudget: &budget}, Usage{DailySpent: 7}, 3, true},
		{"overruns", Limits{DailyBudget: &budget}, Usage{DailySpent: 9}, 3, false},
		{"zero cost always fits", Limits{DailyBudget: &budget}, Usage{DailySpent: 10}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckBudget(tt.limit, tt.usage, tt.cost)
			if tt.ok && err != nil {
				t.Fatalf("CheckBudget() = %v, want nil", err)
			}
			if !tt.ok {
				if err == nil || err.Kind != LimitBudget {
					t.Fatalf("CheckBudget() = %v, want budget violation", err)
				}
			}
		})
	}
}

func TestInWindow(t *testing.T) {
	// 2026-01-05 is a Monday.
	monMorning := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	monEvening := time.Date(2026, 1, 5, 22, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, 1, 4, 9, 30, 0, 0, time.UTC)

	weekdays := []string{"mon", "tue", "wed", "thu", "fri"}
	business := []Window{{Days: weekdays, Start: "09:00", End: "17:00"}}

	tests := []struct {
		name    string
		windows []Window
		now     time.Time
		want    bool
	}{
		{"no windows means always", nil, monEvening, true},
		{"inside business hours", business, monMorning, true},
		{"after hours", business, monEvening, false},
		{"wrong day", business, sunday, false},
		{"inclusive start", business, time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC), true},
		{"inclusive end", business, time.Date(2026, 1, 5, 17, 0, 0, 0, time.UTC), true},
		{"second window matches", []Window{
			{Days: []string{"sat"}, Start: "00:00", End: "23:59"},
			{Days: weekdays, Start: "09:00", End: "17:00"},
		}, monMorning, true},
		{"day match is case insensitive", []Window{
			{Days: []string{"MON"}, Start: "09:00", End: "17:00"},
		}, monMorning, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InWindow(tt.windows, tt.now); got != tt.want {
				t.Fatalf("InWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchApproval(t *testing.T) {
	rules := []ApprovalRule{
		{MinCost: 50, RequiredRole: "admin"},
		{MinCost: 20, RequiredRole: "operator"},
	}
	isAdmin := func(role string) bool { return true }
	isViewer := func(role string) bool { return false }

	if rule := MatchApproval(rules, 10, isViewer); rule != nil {
		t.Fatalf("cost below every threshold matched rule %+v", rule)
	}
	if rule := MatchApproval(rules, 60, isAdmin); rule != nil {
		t.Fatalf("holder of required role matched rule %+v", rule)
	}
	rule := MatchApproval(rules, 60, isViewer)
	if rule == nil || rule.RequiredRole != "admin" {
		t.Fatalf("expected first matching rule (admin), got %+v", rule)
	}
	rule = MatchApproval(rules, 30, isViewer)
	if rule == nil || rule.RequiredRole != "operator" {
		t.Fatalf("expected operator rule for mid cost, got %+v", rule)
	}
}

func TestRollover(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	u := Usage{DailySpent: 42, DayStart: day1}

	sameDay := Rollover(u, day1.Add(23*time.Hour))
	if sameDay.DailySpent != 42 {
		t.Fatalf("same-day rollover reset spend to %v", sameDay.DailySpent)
	}

	nextDay := Rollover(u, day1.Add(25*time.Hour))
	if nextDay.DailySpent != 0 {
		t.Fatalf("next-day rollover kept spend %v", nextDay.DailySpent)
	}
	if !nextDay.DayStart.Equal(day1.Add(24 * time.Hour)) {
		t.Fatalf("rollover day start = %v", nextDay.DayStart)
	}
}
