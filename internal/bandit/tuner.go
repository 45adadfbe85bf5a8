package bandit

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"autopromote/internal/models"
	"autopromote/internal/repository"
)

const (
	defaultTuneWindow       = 180 * time.Minute
	defaultMinEvents        = 50
	defaultLearningRate     = 0.05
	defaultRollbackDropPct  = 0.25
	defaultRollbackLookback = 60 * time.Minute

	// The tuner's suggestion bounds are softer than the hard weight bounds;
	// the final smoothed weights still pass through NormalizeWeights.
	suggestFloor = 0.05
	suggestCeil  = 0.85

	metricScanLimit = 5000
)

// Tuner periodically re-derives bandit weights from observed selection
// rewards and nudges the live weights toward the suggestion. A CTR drop
// beyond RollbackDropPct between the recent half-window and the preceding
// window triggers an automatic rollback instead of a commit.
type Tuner struct {
	Repo    repository.Repository
	Manager *Manager
	Logger  *zap.Logger

	Window           time.Duration
	MinEvents        int
	LearningRate     float64
	RollbackDropPct  float64
	RollbackLookback time.Duration
}

type TuneOutcome struct {
	Applied    bool     `json:"applied"`
	RolledBack bool     `json:"rolledBack"`
	Skipped    string   `json:"skipped,omitempty"`
	Events     int      `json:"events"`
	Suggested  *Weights `json:"suggested,omitempty"`
	Committed  *Weights `json:"committed,omitempty"`
	DropPct    *float64 `json:"dropPct,omitempty"`
}

func (t *Tuner) window() time.Duration {
	if t.Window > 0 {
		return t.Window
	}
	return defaultTuneWindow
}

func (t *Tuner) minEvents() int {
	if t.MinEvents > 0 {
		return t.MinEvents
	}
	return defaultMinEvents
}

func (t *Tuner) learningRate() float64 {
	if t.LearningRate > 0 && t.LearningRate <= 1 {
		return t.LearningRate
	}
	return defaultLearningRate
}

func (t *Tuner) rollbackDropPct() float64 {
	if t.RollbackDropPct > 0 {
		return t.RollbackDropPct
	}
	return defaultRollbackDropPct
}

func (t *Tuner) rollbackLookback() time.Duration {
	if t.RollbackLookback > 0 {
		return t.RollbackLookback
	}
	return defaultRollbackLookback
}

// RecordOutcome stores one selection reward observation.
func (t *Tuner) RecordOutcome(ctx context.Context, item *models.BanditSelectionMetric) error {
	if t == nil || t.Repo == nil {
		return errors.New("bandit tuner not configured")
	}
	if item.At.IsZero() {
		item.At = time.Now().UTC()
	}
	return t.Repo.InsertSelectionMetric(ctx, item)
}

// SuggestWeights derives a weight suggestion from the reward averages inside
// the rolling window. With zscore set, each dimension's average is divided by
// its standard deviation before normalizing, favoring consistent signals.
func (t *Tuner) SuggestWeights(ctx context.Context, zscore bool) (Weights, int, error) {
	if t == nil || t.Repo == nil {
		return Weights{}, 0, errors.New("bandit tuner not configured")
	}
	since := time.Now().UTC().Add(-t.window())
	rows, err := t.Repo.ListSelectionMetricsSince(ctx, since, metricScanLimit)
	if err != nil {
		return Weights{}, 0, err
	}
	n := len(rows)
	if n == 0 {
		return Weights{}, 0, nil
	}

	var sumCtr, sumReach, sumQuality float64
	for _, row := range rows {
		sumCtr += row.RewardCtr
		sumReach += row.RewardReach
		sumQuality += row.RewardQuality
	}
	fn := float64(n)
	avg := [3]float64{sumCtr / fn, sumReach / fn, sumQuality / fn}

	score := avg
	if zscore {
		var varCtr, varReach, varQuality float64
		for _, row := range rows {
			varCtr += (row.RewardCtr - avg[0]) * (row.RewardCtr - avg[0])
			varReach += (row.RewardReach - avg[1]) * (row.RewardReach - avg[1])
			varQuality += (row.RewardQuality - avg[2]) * (row.RewardQuality - avg[2])
		}
		stds := [3]float64{
			math.Sqrt(varCtr / fn),
			math.Sqrt(varReach / fn),
			math.Sqrt(varQuality / fn),
		}
		for i := range score {
			if stds[i] > 0 {
				score[i] = avg[i] / stds[i]
			}
		}
	}

	sum := score[0] + score[1] + score[2]
	if sum <= 0 {
		return Weights{}, n, nil
	}
	for i := range score {
		score[i] /= sum
	}
	for i := range score {
		score[i] = math.Max(suggestFloor, math.Min(suggestCeil, score[i]))
	}
	sum = score[0] + score[1] + score[2]
	return Weights{Ctr: score[0] / sum, Reach: score[1] / sum, Quality: score[2] / sum}, n, nil
}

// Run executes one tuning pass: gate on event volume, check the CTR drop
// guard, then commit the smoothed weights prev*(1-lr) + suggestion*lr.
func (t *Tuner) Run(ctx context.Context) (TuneOutcome, error) {
	if t == nil || t.Repo == nil || t.Manager == nil {
		return TuneOutcome{}, errors.New("bandit tuner not configured")
	}

	suggestion, events, err := t.SuggestWeights(ctx, false)
	if err != nil {
		return TuneOutcome{}, err
	}
	if events < t.minEvents() {
		return TuneOutcome{Skipped: "insufficient_events", Events: events}, nil
	}
	if suggestion.Sum() <= 0 {
		return TuneOutcome{Skipped: "no_reward_signal", Events: events}, nil
	}

	dropped, dropPct, err := t.ctrDropped(ctx)
	if err != nil {
		return TuneOutcome{}, err
	}
	if dropped {
		_, err := t.Manager.Rollback(ctx, RollbackOptions{
			Strategy: "previous",
			Reason:   "ctr_drop_auto_rollback",
		})
		if err != nil {
			if errors.Is(err, ErrNoPreviousFound) || errors.Is(err, ErrNoCurrentWeights) {
				return TuneOutcome{Skipped: "ctr_drop_no_restore_target", Events: events, DropPct: &dropPct}, nil
			}
			return TuneOutcome{}, err
		}
		if t.Logger != nil {
			t.Logger.Warn("bandit tuner rolled back on ctr drop", zap.Float64("drop_pct", dropPct))
		}
		return TuneOutcome{RolledBack: true, Events: events, DropPct: &dropPct}, nil
	}

	prev, _, err := t.Manager.Current(ctx)
	if err != nil {
		return TuneOutcome{}, err
	}
	lr := t.learningRate()
	smoothed := Weights{
		Ctr:     prev.Ctr*(1-lr) + suggestion.Ctr*lr,
		Reach:   prev.Reach*(1-lr) + suggestion.Reach*lr,
		Quality: prev.Quality*(1-lr) + suggestion.Quality*lr,
	}
	committed, err := t.Manager.SetWeights(ctx, smoothed, false, map[string]any{
		"source":     "auto_tune",
		"events":     events,
		"suggestion": suggestion,
	})
	if err != nil {
		return TuneOutcome{}, err
	}
	if t.Logger != nil {
		t.Logger.Info("bandit weights tuned",
			zap.Int("events", events),
			zap.Float64("ctr", committed.Ctr),
			zap.Float64("reach", committed.Reach),
			zap.Float64("quality", committed.Quality),
		)
	}
	return TuneOutcome{Applied: true, Events: events, Suggested: &suggestion, Committed: &committed}, nil
}

// ctrDropped compares the CTR reward average of the most recent half-window
// against the average over the preceding window plus lookback.
func (t *Tuner) ctrDropped(ctx context.Context) (bool, float64, error) {
	now := time.Now().UTC()
	recent, recentN, err := t.ctrAverage(ctx, now.Add(-t.window()/2), now)
	if err != nil {
		return false, 0, err
	}
	baseline, baseN, err := t.ctrAverage(ctx, now.Add(-(t.window()+t.rollbackLookback())), now.Add(-t.window()/2))
	if err != nil {
		return false, 0, err
	}
	if recentN == 0 || baseN == 0 || baseline <= 0 {
		return false, 0, nil
	}
	drop := (baseline - recent) / baseline
	return drop >= t.rollbackDropPct(), drop, nil
}

func (t *Tuner) ctrAverage(ctx context.Context, from, to time.Time) (float64, int, error) {
	rows, err := t.Repo.ListSelectionMetricsSince(ctx, from, metricScanLimit)
	if err != nil {
		return 0, 0, err
	}
	var sum float64
	var n int
	for _, row := range rows {
		if row.At.After(to) {
			continue
		}
		sum += row.RewardCtr
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / float64(n), n, nil
}
