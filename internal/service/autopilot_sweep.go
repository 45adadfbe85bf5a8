package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"autopromote/internal/autopilot"
	"autopromote/internal/config"
	"autopromote/internal/models"
	"autopromote/internal/repository"
)

// AutopilotSweepService periodically evaluates every active experiment with
// autopilot enabled. "auto" mode experiments are applied through the guarded
// applier; otherwise an eligible decision is logged as a recommend action.
type AutopilotSweepService struct {
	Repo    repository.Repository
	Applier *autopilot.Applier
	Logger  *zap.Logger
	Config  config.AutopilotConfig
	Sim     config.SimulationConfig
	Flags   *SystemSettingsService
}

func (s *AutopilotSweepService) Run(ctx context.Context, interval time.Duration) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.ScanOnce(ctx); err != nil && s.Logger != nil {
			s.Logger.Warn("autopilot sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *AutopilotSweepService) ScanOnce(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	if s.Flags != nil && !s.Flags.IsEnabled(ctx, FeatureAutopilotSweep, true) {
		return nil
	}
	batch := s.Config.SweepBatchSize
	if batch <= 0 {
		batch = 100
	}
	active := "active"
	enabled := true
	asc := true
	exps, err := s.Repo.ListExperiments(ctx, repository.ListExperimentsParams{
		Status:           &active,
		AutopilotEnabled: &enabled,
		Limit:            batch,
		Offset:           0,
		OrderBy:          "created_at",
		Asc:              &asc,
	})
	if err != nil {
		return err
	}
	for _, exp := range exps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.processExperiment(ctx, exp); err != nil && s.Logger != nil {
			s.Logger.Warn("autopilot sweep skipped experiment",
				zap.String("experiment_id", exp.ID), zap.Error(err))
		}
	}
	return nil
}

// EvaluateExperiment runs a single experiment through the sweep policy,
// used after inline metric updates. No-op for inactive or unmanaged
// experiments and when the sweep switch is off.
func (s *AutopilotSweepService) EvaluateExperiment(ctx context.Context, experimentID string) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	if s.Flags != nil && !s.Flags.IsEnabled(ctx, FeatureAutopilotSweep, true) {
		return nil
	}
	exp, err := s.Repo.GetExperimentByID(ctx, experimentID)
	if err != nil || exp == nil {
		return err
	}
	if exp.Status != "active" || !exp.Autopilot.Enabled {
		return nil
	}
	return s.processExperiment(ctx, *exp)
}

func (s *AutopilotSweepService) processExperiment(ctx context.Context, exp models.Experiment) error {
	opts := s.decideOptions()
	if exp.Autopilot.Mode == "auto" && s.Applier != nil {
		result, err := s.Applier.Apply(ctx, exp.ID, autopilot.ApplyOptions{
			Actor:  "autopilot_sweep",
			Decide: opts,
		})
		if err != nil {
			return err
		}
		if result.Applied && s.Logger != nil {
			s.Logger.Info("autopilot sweep applied winner",
				zap.String("experiment_id", exp.ID),
				zap.String("winner", result.Winner),
			)
		}
		return nil
	}
	return s.recommend(ctx, exp, opts)
}

// recommend appends a recommend action when the decision is eligible and the
// newest action is not already an identical recommendation.
func (s *AutopilotSweepService) recommend(ctx context.Context, exp models.Experiment, opts autopilot.DecideOptions) error {
	variants, err := s.Repo.ListVariantsByExperimentID(ctx, exp.ID)
	if err != nil {
		return err
	}
	decision := autopilot.Decide(&exp, variants, opts)
	if !decision.Eligible {
		return nil
	}

	last, err := s.Repo.ListActions(ctx, exp.ID, 1)
	if err != nil {
		return err
	}
	if len(last) > 0 && last[0].ActionType == models.ActionRecommend &&
		last[0].Winner != nil && *last[0].Winner == decision.Winner {
		return nil
	}

	snapshot, _ := json.Marshal(decision)
	winner := decision.Winner
	confidence := decision.Confidence
	now := time.Now().UTC()
	err = s.Repo.InTx(ctx, func(tx *gorm.DB) error {
		seq, err := s.Repo.NextActionSeqTx(ctx, tx, exp.ID)
		if err != nil {
			return err
		}
		return s.Repo.AppendActionTx(ctx, tx, &models.AutopilotAction{
			ExperimentID:     exp.ID,
			Seq:              seq,
			ActionType:       models.ActionRecommend,
			Winner:           &winner,
			Confidence:       &confidence,
			DecisionSnapshot: datatypes.JSON(snapshot),
			At:               now,
		})
	})
	if err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Info("autopilot sweep recorded recommendation",
			zap.String("experiment_id", exp.ID),
			zap.String("winner", winner),
			zap.Float64("confidence", confidence),
		)
	}
	return nil
}

func (s *AutopilotSweepService) decideOptions() autopilot.DecideOptions {
	opts := autopilot.DecideOptions{
		ConfidenceSamples: s.Sim.ConfidenceSamples,
		PosteriorSamples:  s.Sim.PosteriorSamples,
	}
	if s.Sim.Seed > 0 {
		seed := uint32(s.Sim.Seed)
		opts.Seed = &seed
	}
	return opts
}
