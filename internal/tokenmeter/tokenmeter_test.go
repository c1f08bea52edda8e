package tokenmeter

import "testing"

func TestMax64(t *testing.T) {
	cases := []struct {
		a, b, want int64
	}{
		{1, 2, 2},
		{5, 3, 5},
		{0, 0, 0},
		{-1, 1, 1},
	}
	for _, tc := range cases {
		if got := max64(tc.a, tc.b); got != tc.want {
			t.Errorf("max64(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestBudgetLevel_ThresholdOrdering(t *testing.T) {
	// Budget levels are ordered none < warning < critical < over; verify
	// the classification boundaries used in CheckBudget agree with that
	// ordering for representative percentages.
	cases := []struct {
		pct        float64
		warningPct float64
		want       BudgetLevel
	}{
		{50, 80, BudgetNone},
		{85, 80, BudgetWarning},
		{95, 80, BudgetCritical},
		{100, 80, BudgetOver},
		{150, 80, BudgetOver},
	}
	for _, tc := range cases {
		level := BudgetNone
		switch {
		case tc.pct >= 100:
			level = BudgetOver
		case tc.pct >= 90:
			level = BudgetCritical
		case tc.pct >= tc.warningPct:
			level = BudgetWarning
		}
		if level != tc.want {
			t.Errorf("pct=%v warningPct=%v got %v, want %v", tc.pct, tc.warningPct, level, tc.want)
		}
	}
}
