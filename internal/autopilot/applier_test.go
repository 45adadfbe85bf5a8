package autopilot

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"autopromote/internal/models"
)

func seedEligibleExperiment(store *stubStore, allowIncrease bool) {
	store.experiments["exp-1"] = &models.Experiment{
		ID:     "exp-1",
		Status: "active",
		Autopilot: models.AutopilotConfig{
			Enabled:                true,
			ConfidenceThreshold:    95,
			MinSample:              100,
			Mode:                   "auto",
			MaxBudgetChangePercent: 10,
			AllowBudgetIncrease:    allowIncrease,
		},
	}
	store.variants["exp-1"] = []models.Variant{
		{ExperimentID: "exp-1", VariantID: "A", Views: 1000, Conversions: 150, Revenue: decimal.NewFromInt(750), Budget: decimal.NewFromInt(100)},
		{ExperimentID: "exp-1", VariantID: "B", Views: 1000, Conversions: 80, Revenue: decimal.NewFromInt(320), Budget: decimal.NewFromInt(100)},
	}
}

func testApplier(store *stubStore) *Applier {
	return &Applier{Repo: store}
}

func testDecideOptions() DecideOptions {
	return DecideOptions{ConfidenceSamples: 4000, PosteriorSamples: 400, Seed: seedPtr(42)}
}

func TestApply_RoundTripWithRollback(t *testing.T) {
	store := newStubStore()
	seedEligibleExperiment(store, true)
	applier := testApplier(store)
	ctx := context.Background()

	result, err := applier.Apply(ctx, "exp-1", ApplyOptions{Decide: testDecideOptions()})
	if err != nil {
		t.Fatalf("apply err=%v", err)
	}
	if !result.Applied {
		t.Fatalf("not applied: reason=%q decision=%+v", result.Reason, result.Decision)
	}
	if result.Winner != "A" {
		t.Fatalf("winner=%q want A", result.Winner)
	}
	if !result.NewBudget.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("newBudget=%s want 110", result.NewBudget)
	}

	exp, _ := store.GetExperimentByID(ctx, "exp-1")
	if exp.Status != "completed" || exp.Winner == nil || *exp.Winner != "A" {
		t.Fatalf("experiment not completed with winner: %+v", exp)
	}
	winner, _ := store.GetVariant(ctx, "exp-1", "A")
	if !winner.Budget.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("budget=%s want 110", winner.Budget)
	}

	rb, err := applier.Rollback(ctx, "exp-1")
	if err != nil {
		t.Fatalf("rollback err=%v", err)
	}
	if !rb.Reverted || rb.RevertedSeq != 1 {
		t.Fatalf("rollback %+v want reverted seq 1", rb)
	}
	winner, _ = store.GetVariant(ctx, "exp-1", "A")
	if !winner.Budget.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("budget=%s want exact restore to 100", winner.Budget)
	}
	exp, _ = store.GetExperimentByID(ctx, "exp-1")
	if exp.Status != "active" || exp.Winner != nil {
		t.Fatalf("experiment not reactivated: %+v", exp)
	}

	actions, _ := store.ListActions(ctx, "exp-1", 0)
	if len(actions) != 2 {
		t.Fatalf("actions=%d want 2", len(actions))
	}
	// Newest first.
	if actions[0].ActionType != models.ActionRollback || actions[1].ActionType != models.ActionApply {
		t.Fatalf("action types %q, %q", actions[0].ActionType, actions[1].ActionType)
	}
	if actions[0].RevertedSeq == nil || *actions[0].RevertedSeq != actions[1].Seq {
		t.Fatalf("rollback does not reference the apply seq")
	}
	if !actions[1].RolledBack {
		t.Fatalf("apply action not marked rolled back")
	}
}

func TestApply_ApprovalRequired(t *testing.T) {
	store := newStubStore()
	seedEligibleExperiment(store, true)
	store.experiments["exp-1"].Autopilot.RequiresApproval = true
	applier := testApplier(store)

	result, err := applier.Apply(context.Background(), "exp-1", ApplyOptions{Decide: testDecideOptions()})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if result.Applied {
		t.Fatalf("applied without approval")
	}
	if result.Reason != ReasonApprovalRequired {
		t.Fatalf("reason=%q want %s", result.Reason, ReasonApprovalRequired)
	}
	if actions, _ := store.ListActions(context.Background(), "exp-1", 0); len(actions) != 0 {
		t.Fatalf("rejection appended %d actions", len(actions))
	}

	by := "reviewer"
	_ = store.SetExperimentApproval(context.Background(), "exp-1", &by, nil)
	result, err = applier.Apply(context.Background(), "exp-1", ApplyOptions{Decide: testDecideOptions()})
	if err != nil || !result.Applied {
		t.Fatalf("approved apply failed: %+v err=%v", result, err)
	}
}

func TestApply_BudgetIncreaseDisallowed(t *testing.T) {
	store := newStubStore()
	seedEligibleExperiment(store, false)
	applier := testApplier(store)

	result, err := applier.Apply(context.Background(), "exp-1", ApplyOptions{Decide: testDecideOptions()})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if result.Applied {
		t.Fatalf("applied a disallowed increase")
	}
	if result.Reason != ReasonBudgetIncreaseDisallow {
		t.Fatalf("reason=%q want %s", result.Reason, ReasonBudgetIncreaseDisallow)
	}

	// A decrease is still allowed.
	pct := -5.0
	result, err = applier.Apply(context.Background(), "exp-1", ApplyOptions{BudgetChangePct: &pct, Decide: testDecideOptions()})
	if err != nil || !result.Applied {
		t.Fatalf("decrease apply failed: %+v err=%v", result, err)
	}
	if !result.NewBudget.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("newBudget=%s want 95", result.NewBudget)
	}
}

func TestApply_PctClampedToCap(t *testing.T) {
	store := newStubStore()
	seedEligibleExperiment(store, true)
	applier := testApplier(store)

	pct := 50.0
	result, err := applier.Apply(context.Background(), "exp-1", ApplyOptions{BudgetChangePct: &pct, Decide: testDecideOptions()})
	if err != nil || !result.Applied {
		t.Fatalf("apply failed: %+v err=%v", result, err)
	}
	// Cap is 10 percent.
	if !result.NewBudget.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("newBudget=%s want 110 after clamping", result.NewBudget)
	}
}

func TestApply_IneligibleDecision(t *testing.T) {
	store := newStubStore()
	seedEligibleExperiment(store, true)
	store.variants["exp-1"][1].Views = 50
	applier := testApplier(store)

	result, err := applier.Apply(context.Background(), "exp-1", ApplyOptions{Decide: testDecideOptions()})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if result.Applied {
		t.Fatalf("applied an ineligible decision")
	}
	if result.Reason != ReasonInsufficientSample {
		t.Fatalf("reason=%q want %s", result.Reason, ReasonInsufficientSample)
	}
}

func TestApply_ExperimentNotFound(t *testing.T) {
	applier := testApplier(newStubStore())
	_, err := applier.Apply(context.Background(), "missing", ApplyOptions{Decide: testDecideOptions()})
	if !errors.Is(err, ErrExperimentNotFound) {
		t.Fatalf("err=%v want ErrExperimentNotFound", err)
	}
}

func TestApply_ConcurrentModification(t *testing.T) {
	store := newStubStore()
	seedEligibleExperiment(store, true)
	store.budgetCASFails = 2
	applier := testApplier(store)

	_, err := applier.Apply(context.Background(), "exp-1", ApplyOptions{Decide: testDecideOptions()})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("err=%v want ErrConcurrentModification", err)
	}
}

func TestApply_RetriesOnceAfterConflict(t *testing.T) {
	store := newStubStore()
	seedEligibleExperiment(store, true)
	store.budgetCASFails = 1
	applier := testApplier(store)

	result, err := applier.Apply(context.Background(), "exp-1", ApplyOptions{Decide: testDecideOptions()})
	if err != nil || !result.Applied {
		t.Fatalf("retry did not recover: %+v err=%v", result, err)
	}
}

func TestRollback_NoActionToRollback(t *testing.T) {
	store := newStubStore()
	seedEligibleExperiment(store, true)
	applier := testApplier(store)

	_, err := applier.Rollback(context.Background(), "exp-1")
	if !errors.Is(err, ErrNoActionToRollback) {
		t.Fatalf("err=%v want ErrNoActionToRollback", err)
	}
}

func TestRollback_TwiceFails(t *testing.T) {
	store := newStubStore()
	seedEligibleExperiment(store, true)
	applier := testApplier(store)
	ctx := context.Background()

	if _, err := applier.Apply(ctx, "exp-1", ApplyOptions{Decide: testDecideOptions()}); err != nil {
		t.Fatalf("apply err=%v", err)
	}
	if _, err := applier.Rollback(ctx, "exp-1"); err != nil {
		t.Fatalf("first rollback err=%v", err)
	}
	if _, err := applier.Rollback(ctx, "exp-1"); !errors.Is(err, ErrNoActionToRollback) {
		t.Fatalf("second rollback err=%v want ErrNoActionToRollback", err)
	}
}
