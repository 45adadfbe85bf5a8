package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"autopromote/internal/audit"
	"autopromote/internal/models"
	"autopromote/internal/repository"
)

var (
	ErrExperimentNotFound     = errors.New("experiment_not_found")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrNoActionToRollback     = errors.New("no_action_to_rollback")
)

// applyAttempts bounds the guarded read-modify-write: one retry of the whole
// apply after a detected conflict, then ErrConcurrentModification.
const applyAttempts = 2

// Applier is the experiment mutation state machine. All budget writes go
// through its guarded compare-and-set path; the budget write and the action
// append happen in one transaction, or neither happens.
type Applier struct {
	Repo   repository.Repository
	Logger *zap.Logger
	Audit  audit.Recorder
}

// ApplyOptions tunes one apply call. BudgetChangePct is the requested percent
// change to the winner's budget; zero means "use the experiment's cap".
type ApplyOptions struct {
	Actor           string
	BudgetChangePct *float64
	Decide          DecideOptions
}

type ApplyResult struct {
	Applied        bool             `json:"applied"`
	Reason         string           `json:"reason,omitempty"`
	Winner         string           `json:"winner,omitempty"`
	Decision       *Decision        `json:"decision,omitempty"`
	PreviousBudget *decimal.Decimal `json:"previousBudget,omitempty"`
	NewBudget      *decimal.Decimal `json:"newBudget,omitempty"`
}

type RollbackResult struct {
	Reverted       bool             `json:"reverted"`
	RevertedSeq    int              `json:"revertedSeq,omitempty"`
	Winner         string           `json:"winner,omitempty"`
	PreviousBudget *decimal.Decimal `json:"previousBudget,omitempty"`
}

var errBudgetConflict = errors.New("budget conflict")

// Apply recomputes the decision, checks the approval and budget gates, then
// performs the guarded read-modify-write: the winning variant's budget is
// compared against the value the decision saw and swapped in the same
// transaction that appends the apply action and completes the experiment.
// A conflict retries the whole sequence once.
func (a *Applier) Apply(ctx context.Context, experimentID string, opts ApplyOptions) (ApplyResult, error) {
	if a == nil || a.Repo == nil {
		return ApplyResult{}, errors.New("applier not configured")
	}

	for attempt := 0; attempt < applyAttempts; attempt++ {
		result, err := a.applyOnce(ctx, experimentID, opts)
		if errors.Is(err, errBudgetConflict) {
			continue
		}
		return result, err
	}
	return ApplyResult{Applied: false, Reason: ErrConcurrentModification.Error()}, ErrConcurrentModification
}

func (a *Applier) applyOnce(ctx context.Context, experimentID string, opts ApplyOptions) (ApplyResult, error) {
	exp, err := a.Repo.GetExperimentByID(ctx, experimentID)
	if err != nil {
		return ApplyResult{}, err
	}
	if exp == nil {
		return ApplyResult{}, ErrExperimentNotFound
	}
	variants, err := a.Repo.ListVariantsByExperimentID(ctx, experimentID)
	if err != nil {
		return ApplyResult{}, err
	}

	decision := Decide(exp, variants, opts.Decide)
	if !decision.Eligible {
		reason := ""
		if len(decision.Reasons) > 0 {
			reason = decision.Reasons[0]
		}
		return ApplyResult{Applied: false, Reason: reason, Decision: &decision}, nil
	}

	if exp.Autopilot.RequiresApproval && exp.Autopilot.ApprovedBy == nil {
		return ApplyResult{Applied: false, Reason: ReasonApprovalRequired, Decision: &decision}, nil
	}

	var winner *models.Variant
	for i := range variants {
		if variants[i].VariantID == decision.Winner {
			winner = &variants[i]
			break
		}
	}
	if winner == nil {
		return ApplyResult{}, ErrExperimentNotFound
	}

	maxChange := exp.Autopilot.MaxBudgetChangePercent
	if maxChange <= 0 {
		maxChange = 10
	}
	pct := maxChange
	if opts.BudgetChangePct != nil {
		pct = *opts.BudgetChangePct
	}
	requested := pct
	// Hard cap, then hard floor against increases.
	pct = math.Max(-maxChange, math.Min(maxChange, pct))
	if !exp.Autopilot.AllowBudgetIncrease && pct > 0 {
		pct = 0
	}
	if pct == 0 {
		reason := ReasonNoBudgetChange
		if requested > 0 && !exp.Autopilot.AllowBudgetIncrease {
			reason = ReasonBudgetIncreaseDisallow
		}
		return ApplyResult{Applied: false, Reason: reason, Decision: &decision}, nil
	}

	previousBudget := winner.Budget
	newBudget := previousBudget.Mul(decimal.NewFromFloat(1 + pct/100))
	confidence := decision.Confidence
	snapshot, _ := json.Marshal(decision)
	now := time.Now().UTC()

	err = a.Repo.InTx(ctx, func(tx *gorm.DB) error {
		ok, err := a.Repo.UpdateVariantBudgetGuardedTx(ctx, tx, experimentID, winner.VariantID, previousBudget, newBudget)
		if err != nil {
			return err
		}
		if !ok {
			return errBudgetConflict
		}
		seq, err := a.Repo.NextActionSeqTx(ctx, tx, experimentID)
		if err != nil {
			return err
		}
		winnerID := winner.VariantID
		prev := previousBudget
		next := newBudget
		if err := a.Repo.AppendActionTx(ctx, tx, &models.AutopilotAction{
			ExperimentID:     experimentID,
			Seq:              seq,
			ActionType:       models.ActionApply,
			Winner:           &winnerID,
			Confidence:       &confidence,
			PreviousBudget:   &prev,
			NewBudget:        &next,
			DecisionSnapshot: datatypes.JSON(snapshot),
			At:               now,
		}); err != nil {
			return err
		}
		return a.Repo.CompleteExperimentTx(ctx, tx, experimentID, winner.VariantID, now)
	})
	if err != nil {
		return ApplyResult{}, err
	}

	a.record(ctx, "autopilot_apply", map[string]any{
		"experiment_id":   experimentID,
		"winner":          winner.VariantID,
		"confidence":      confidence,
		"previous_budget": previousBudget.String(),
		"new_budget":      newBudget.String(),
		"actor":           opts.Actor,
	})
	if a.Logger != nil {
		a.Logger.Info("autopilot applied",
			zap.String("experiment_id", experimentID),
			zap.String("winner", winner.VariantID),
			zap.Float64("confidence", confidence),
			zap.String("new_budget", newBudget.String()),
		)
	}
	return ApplyResult{
		Applied:        true,
		Winner:         winner.VariantID,
		Decision:       &decision,
		PreviousBudget: &previousBudget,
		NewBudget:      &newBudget,
	}, nil
}

// Rollback reverts the newest not-yet-rolled-back apply action: the budget
// CAS back to previousBudget, the rolled_back mark, and the rollback action
// append are one transaction. Conflicts retry once.
func (a *Applier) Rollback(ctx context.Context, experimentID string) (RollbackResult, error) {
	if a == nil || a.Repo == nil {
		return RollbackResult{}, errors.New("applier not configured")
	}

	for attempt := 0; attempt < applyAttempts; attempt++ {
		result, err := a.rollbackOnce(ctx, experimentID)
		if errors.Is(err, errBudgetConflict) {
			continue
		}
		return result, err
	}
	return RollbackResult{}, ErrConcurrentModification
}

func (a *Applier) rollbackOnce(ctx context.Context, experimentID string) (RollbackResult, error) {
	exp, err := a.Repo.GetExperimentByID(ctx, experimentID)
	if err != nil {
		return RollbackResult{}, err
	}
	if exp == nil {
		return RollbackResult{}, ErrExperimentNotFound
	}

	action, err := a.Repo.LatestApplyAction(ctx, experimentID)
	if err != nil {
		return RollbackResult{}, err
	}
	if action == nil {
		return RollbackResult{}, ErrNoActionToRollback
	}
	if action.Winner == nil || action.PreviousBudget == nil || action.NewBudget == nil {
		return RollbackResult{}, ErrNoActionToRollback
	}
	winnerID := *action.Winner
	restored := *action.PreviousBudget
	expected := *action.NewBudget
	now := time.Now().UTC()

	err = a.Repo.InTx(ctx, func(tx *gorm.DB) error {
		ok, err := a.Repo.UpdateVariantBudgetGuardedTx(ctx, tx, experimentID, winnerID, expected, restored)
		if err != nil {
			return err
		}
		if !ok {
			return errBudgetConflict
		}
		if err := a.Repo.MarkActionRolledBackTx(ctx, tx, experimentID, action.Seq); err != nil {
			return err
		}
		seq, err := a.Repo.NextActionSeqTx(ctx, tx, experimentID)
		if err != nil {
			return err
		}
		reverted := action.Seq
		if err := a.Repo.AppendActionTx(ctx, tx, &models.AutopilotAction{
			ExperimentID: experimentID,
			Seq:          seq,
			ActionType:   models.ActionRollback,
			Winner:       &winnerID,
			RevertedSeq:  &reverted,
			At:           now,
		}); err != nil {
			return err
		}
		if exp.Winner != nil && *exp.Winner == winnerID {
			return a.Repo.ReactivateExperimentTx(ctx, tx, experimentID)
		}
		return nil
	})
	if err != nil {
		return RollbackResult{}, err
	}

	a.record(ctx, "autopilot_rollback", map[string]any{
		"experiment_id":   experimentID,
		"winner":          winnerID,
		"reverted_seq":    action.Seq,
		"restored_budget": restored.String(),
	})
	if a.Logger != nil {
		a.Logger.Info("autopilot rolled back",
			zap.String("experiment_id", experimentID),
			zap.Int("reverted_seq", action.Seq),
			zap.String("restored_budget", restored.String()),
		)
	}
	return RollbackResult{
		Reverted:       true,
		RevertedSeq:    action.Seq,
		Winner:         winnerID,
		PreviousBudget: &restored,
	}, nil
}

// record writes to the audit sink with a short timeout; failures are logged
// and swallowed, never propagated.
func (a *Applier) record(ctx context.Context, eventType string, payload map[string]any) {
	if a.Audit == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.Audit.Record(recordCtx, eventType, payload); err != nil && a.Logger != nil {
		a.Logger.Warn("audit record failed", zap.String("event", eventType), zap.Error(err))
	}
}
