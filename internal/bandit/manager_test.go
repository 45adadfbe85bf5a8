package bandit

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"autopromote/internal/models"
)

func manualWeightsRow() *models.BanditWeightConfig {
	return &models.BanditWeightConfig{
		ConfigKey: DefaultConfigKey,
		Ctr:       0.6,
		Reach:     0.25,
		Quality:   0.15,
		Manual:    true,
	}
}

func checkValid(t *testing.T, w Weights) {
	t.Helper()
	if math.Abs(w.Sum()-1) > 1e-9 {
		t.Fatalf("sum=%v want 1: %+v", w.Sum(), w)
	}
	for _, v := range []float64{w.Ctr, w.Reach, w.Quality} {
		if v < weightFloor-1e-12 || v > weightCeil+1e-12 {
			t.Fatalf("component %v out of [%v,%v]: %+v", v, weightFloor, weightCeil, w)
		}
	}
}

func TestNormalizeWeights_Simple(t *testing.T) {
	got, err := NormalizeWeights(Weights{Ctr: 10, Reach: 5, Quality: 1})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	checkValid(t, got)
	if !(got.Ctr > got.Reach && got.Reach > got.Quality) {
		t.Fatalf("order not preserved: %+v", got)
	}
}

func TestNormalizeWeights_ClampsFloor(t *testing.T) {
	got, err := NormalizeWeights(Weights{Ctr: 1000, Reach: 1, Quality: 1})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	checkValid(t, got)
	if got.Reach < weightFloor || got.Quality < weightFloor {
		t.Fatalf("floor not enforced: %+v", got)
	}
	if got.Ctr > weightCeil {
		t.Fatalf("ceiling not enforced: %+v", got)
	}
}

func TestNormalizeWeights_AlreadyNormalized(t *testing.T) {
	got, err := NormalizeWeights(Weights{Ctr: 0.6, Reach: 0.25, Quality: 0.15})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if math.Abs(got.Ctr-0.6) > 1e-9 || math.Abs(got.Reach-0.25) > 1e-9 || math.Abs(got.Quality-0.15) > 1e-9 {
		t.Fatalf("already-valid weights changed: %+v", got)
	}
}

func TestNormalizeWeights_Invalid(t *testing.T) {
	cases := []Weights{
		{Ctr: 0, Reach: 1, Quality: 1},
		{Ctr: -1, Reach: 1, Quality: 1},
		{Ctr: math.NaN(), Reach: 1, Quality: 1},
		{Ctr: math.Inf(1), Reach: 1, Quality: 1},
	}
	for _, c := range cases {
		if _, err := NormalizeWeights(c); !errors.Is(err, ErrInvalidWeights) {
			t.Fatalf("err=%v want ErrInvalidWeights for %+v", err, c)
		}
	}
}

func testManager(store *stubStore) *Manager {
	return &Manager{Repo: store}
}

func TestManager_CurrentFallsBackToDefaults(t *testing.T) {
	m := testManager(&stubStore{})
	w, cfg, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg != nil {
		t.Fatalf("cfg=%+v want nil with no stored row", cfg)
	}
	if w != (Weights{Ctr: 0.6, Reach: 0.25, Quality: 0.15}) {
		t.Fatalf("defaults=%+v", w)
	}
}

func TestManager_SetWeightsCommitsAndLogs(t *testing.T) {
	store := &stubStore{}
	m := testManager(store)
	ctx := context.Background()

	got, err := m.SetWeights(ctx, Weights{Ctr: 10, Reach: 5, Quality: 1}, true, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	checkValid(t, got)
	if store.weights == nil || !store.weights.Manual {
		t.Fatalf("weights row not saved as manual: %+v", store.weights)
	}
	if len(store.history) != 1 {
		t.Fatalf("history rows=%d want 1", len(store.history))
	}
	if len(store.history[0].Prev) == 0 || len(store.history[0].Next) == 0 {
		t.Fatalf("history row missing prev/next")
	}
}

func TestManager_RollbackPrevious(t *testing.T) {
	store := &stubStore{}
	m := testManager(store)
	ctx := context.Background()

	first, err := m.SetWeights(ctx, Weights{Ctr: 0.6, Reach: 0.25, Quality: 0.15}, false, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := m.SetWeights(ctx, Weights{Ctr: 0.4, Reach: 0.4, Quality: 0.2}, false, nil); err != nil {
		t.Fatalf("err=%v", err)
	}

	outcome, err := m.Rollback(ctx, RollbackOptions{Strategy: "previous", Reason: "test"})
	if err != nil {
		t.Fatalf("rollback err=%v", err)
	}
	if outcome.Strategy != "previous" {
		t.Fatalf("strategy=%q", outcome.Strategy)
	}
	// The newest tuning commit's prev weights are the first committed set.
	if math.Abs(outcome.Restored.Ctr-first.Ctr) > 1e-9 {
		t.Fatalf("restored=%+v want %+v", outcome.Restored, first)
	}
	if store.weights.RollbackReason != "test" || store.weights.RolledBackAt == nil {
		t.Fatalf("rollback metadata missing: %+v", store.weights)
	}
	top := store.history[0]
	if !top.RollbackApplied || !top.Manual || top.Strategy != "previous" {
		t.Fatalf("history row %+v", top)
	}
	if len(top.Restored) == 0 || len(top.FromWeights) == 0 {
		t.Fatalf("history row missing restored/from")
	}
}

func TestManager_RollbackPrevious_SkipsRollbackRows(t *testing.T) {
	store := &stubStore{}
	m := testManager(store)
	ctx := context.Background()

	if _, err := m.SetWeights(ctx, Weights{Ctr: 0.6, Reach: 0.25, Quality: 0.15}, false, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := m.SetWeights(ctx, Weights{Ctr: 0.4, Reach: 0.4, Quality: 0.2}, false, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := m.Rollback(ctx, RollbackOptions{}); err != nil {
		t.Fatalf("first rollback err=%v", err)
	}
	// A second rollback still finds the newest ordinary commit, not the
	// rollback row on top of history.
	if _, err := m.Rollback(ctx, RollbackOptions{}); err != nil {
		t.Fatalf("second rollback err=%v", err)
	}
}

func TestManager_RollbackPrevious_NoTarget(t *testing.T) {
	store := &stubStore{}
	store.weights = manualWeightsRow()
	m := testManager(store)
	_, err := m.Rollback(context.Background(), RollbackOptions{Strategy: "previous"})
	if !errors.Is(err, ErrNoPreviousFound) {
		t.Fatalf("err=%v want ErrNoPreviousFound", err)
	}
}

func TestManager_RollbackNoCurrentWeights(t *testing.T) {
	m := testManager(&stubStore{})
	_, err := m.Rollback(context.Background(), RollbackOptions{Strategy: "previous"})
	if !errors.Is(err, ErrNoCurrentWeights) {
		t.Fatalf("err=%v want ErrNoCurrentWeights", err)
	}
}

func TestManager_RollbackCustom(t *testing.T) {
	store := &stubStore{}
	store.weights = manualWeightsRow()
	m := testManager(store)

	target := Weights{Ctr: 10, Reach: 5, Quality: 1}
	outcome, err := m.Rollback(context.Background(), RollbackOptions{Strategy: "custom", TargetWeights: &target})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	checkValid(t, outcome.Restored)

	if _, err := m.Rollback(context.Background(), RollbackOptions{Strategy: "custom"}); !errors.Is(err, ErrInvalidWeights) {
		t.Fatalf("err=%v want ErrInvalidWeights without a target", err)
	}
}

func TestManager_RollbackRevision(t *testing.T) {
	store := &stubStore{}
	m := testManager(store)
	ctx := context.Background()

	if _, err := m.SetWeights(ctx, Weights{Ctr: 0.6, Reach: 0.25, Quality: 0.15}, false, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
	at := store.history[0].At

	outcome, err := m.Rollback(ctx, RollbackOptions{Strategy: "revision", RevisionAt: &at})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	checkValid(t, outcome.Restored)

	missing := at.Add(time.Hour)
	if _, err := m.Rollback(ctx, RollbackOptions{Strategy: "revision", RevisionAt: &missing}); !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("err=%v want ErrRevisionNotFound", err)
	}
	if _, err := m.Rollback(ctx, RollbackOptions{Strategy: "revision"}); !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("err=%v want ErrRevisionNotFound without a timestamp", err)
	}
}

func TestManager_RollbackNormalizesStoredTarget(t *testing.T) {
	store := &stubStore{}
	store.weights = manualWeightsRow()
	raw, _ := json.Marshal(Weights{Ctr: 0.96, Reach: 0.03, Quality: 0.01})
	next, _ := json.Marshal(Weights{Ctr: 0.6, Reach: 0.25, Quality: 0.15})
	at := time.Now().UTC().Add(-time.Hour)
	store.history = []models.BanditWeightHistory{{At: at, Prev: raw, Next: next}}
	m := testManager(store)
	ctx := context.Background()

	// A hand-edited history row outside the bounds is re-projected on restore.
	outcome, err := m.Rollback(ctx, RollbackOptions{Strategy: "previous", Reason: "test"})
	if err != nil {
		t.Fatalf("previous err=%v", err)
	}
	checkValid(t, outcome.Restored)
	if outcome.Restored.Ctr > weightCeil+1e-12 {
		t.Fatalf("ceiling not enforced on restore: %+v", outcome.Restored)
	}

	outcome, err = m.Rollback(ctx, RollbackOptions{Strategy: "revision", RevisionAt: &at})
	if err != nil {
		t.Fatalf("revision err=%v", err)
	}
	checkValid(t, outcome.Restored)
}
