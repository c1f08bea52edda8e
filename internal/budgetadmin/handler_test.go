package budgetadmin

import (
	"testing"

	"github.com/google/uuid"

	"github.com/kestrix/agentcore/internal/httpserver"
	"github.com/kestrix/agentcore/internal/tokenmeter"
)

func TestToResponse(t *testing.T) {
	userID := uuid.New()
	daily := int64(1000)
	b := tokenmeter.Budget{
		UserID:                  userID,
		Workspace:               "acme",
		DailyLimit:              &daily,
		WarningThresholdPercent: 0.8,
		SoftBlock:               true,
	}

	resp := toResponse(b)
	if resp.UserID != userID.String() {
		t.Errorf("UserID = %q, want %q", resp.UserID, userID.String())
	}
	if resp.Workspace != "acme" {
		t.Errorf("Workspace = %q, want acme", resp.Workspace)
	}
	if resp.DailyLimit == nil || *resp.DailyLimit != 1000 {
		t.Errorf("DailyLimit = %v, want 1000", resp.DailyLimit)
	}
	if !resp.SoftBlock {
		t.Error("SoftBlock = false, want true")
	}
}

func TestSetBudgetRequest_ValidationRejectsOutOfRangeThreshold(t *testing.T) {
	req := setBudgetRequest{WarningThresholdPercent: 150}
	errs := httpserver.Validate(&req)
	if len(errs) == 0 {
		t.Fatal("expected validation error for threshold > 100, got none")
	}
}

func TestSetBudgetRequest_ValidationRejectsNegativeDailyLimit(t *testing.T) {
	neg := int64(-5)
	req := setBudgetRequest{WarningThresholdPercent: 80, DailyLimit: &neg}
	errs := httpserver.Validate(&req)
	if len(errs) == 0 {
		t.Fatal("expected validation error for negative daily_limit, got none")
	}
}

func TestSetBudgetRequest_ValidAccepted(t *testing.T) {
	daily := int64(1000)
	req := setBudgetRequest{WarningThresholdPercent: 80, DailyLimit: &daily}
	if errs := httpserver.Validate(&req); len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %+v", errs)
	}
}
