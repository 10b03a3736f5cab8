// Package accuracy tracks baseline and check snapshots for one campaign and
// turns them into an effectiveness delta.
package accuracy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/logging"
	"github.com/unclebandit/miasma-console/internal/model"
)

type Remote interface {
	ListSnapshots(ctx context.Context, campaignID int) ([]model.AccuracySnapshot, error)
	GetAccuracy(ctx context.Context, campaignID int) (*model.Accuracy, error)
	TakeBaseline(ctx context.Context, campaignID int) error
	TakeCheck(ctx context.Context, campaignID int) error
}

type Config struct {
	CampaignID int
	Remote     Remote
	// Status returns the campaign's last known status.
	Status func() (model.CampaignStatus, bool)
	Logger *zap.Logger
}

// Summary is the view of a campaign's accuracy.
type Summary struct {
	BaselineScore *float64      `json:"baseline_score,omitempty"`
	BaselineDate  *time.Time    `json:"baseline_date,omitempty"`
	LatestScore   *float64      `json:"latest_score,omitempty"`
	LatestDate    *time.Time    `json:"latest_date,omitempty"`
	ChecksCount   int           `json:"checks_count"`
	Delta         *float64      `json:"delta,omitempty"`
	Outcome       model.Outcome `json:"outcome"`
	Snapshots     int           `json:"snapshots"`
}

type Tracker struct {
	id     int
	remote Remote
	status func() (model.CampaignStatus, bool)
	logger *zap.Logger

	mu        sync.RWMutex
	snapshots []model.AccuracySnapshot
	aggregate *model.Accuracy
}

func NewTracker(cfg Config) *Tracker {
	t := &Tracker{
		id:     cfg.CampaignID,
		remote: cfg.Remote,
		status: cfg.Status,
		logger: logging.OrNop(cfg.Logger).With(zap.Int("campaign_id", cfg.CampaignID)),
	}
	if t.status == nil {
		t.status = func() (model.CampaignStatus, bool) { return "", false }
	}
	return t
}

// LoadData fetches the snapshot list and the aggregate side by side. Either
// result is kept when the other call fails. Only when both fail is an error
// returned, and the previously loaded data stays in place.
func (t *Tracker) LoadData(ctx context.Context) error {
	var (
		g         errgroup.Group
		snapshots []model.AccuracySnapshot
		aggregate *model.Accuracy
		snapErr   error
		aggErr    error
	)
	g.Go(func() error {
		snapshots, snapErr = t.remote.ListSnapshots(ctx, t.id)
		return snapErr
	})
	g.Go(func() error {
		aggregate, aggErr = t.remote.GetAccuracy(ctx, t.id)
		return aggErr
	})
	_ = g.Wait()

	if snapErr != nil && aggErr != nil {
		return fmt.Errorf("loading accuracy for campaign %d: %w", t.id, errors.Join(snapErr, aggErr))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if snapErr == nil {
		t.snapshots = sortedByCreation(snapshots)
	} else {
		t.logger.Warn("snapshot list unavailable, keeping previous", zap.Error(snapErr))
	}
	if aggErr == nil {
		t.aggregate = aggregate
	} else {
		t.logger.Warn("accuracy aggregate unavailable, keeping previous", zap.Error(aggErr))
	}
	return nil
}

func sortedByCreation(in []model.AccuracySnapshot) []model.AccuracySnapshot {
	out := append([]model.AccuracySnapshot(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TakeBaseline records the pre-campaign measurement. The campaign has to be a
// draft with no snapshots yet. The server has the final say on uniqueness.
func (t *Tracker) TakeBaseline(ctx context.Context) error {
	const op = "take baseline"
	status, ok := t.status()
	if !ok {
		return appErrors.NewPrecondition(op, "campaign not loaded")
	}
	t.mu.RLock()
	n := len(t.snapshots)
	t.mu.RUnlock()
	if n > 0 || t.hasBaseline() {
		return appErrors.NewPrecondition(op, "campaign already has accuracy snapshots")
	}
	if status != model.CampaignDraft {
		return appErrors.NewPrecondition(op, fmt.Sprintf("campaign is %s, baselines are taken on drafts", status))
	}
	if err := t.remote.TakeBaseline(ctx, t.id); err != nil {
		return err
	}
	t.logger.Info("baseline requested")
	return t.reload(ctx)
}

// TakeCheck records a follow-up measurement against the baseline.
func (t *Tracker) TakeCheck(ctx context.Context) error {
	const op = "take check"
	if !t.hasBaseline() {
		return appErrors.NewPrecondition(op, "no baseline has been taken")
	}
	status, ok := t.status()
	switch {
	case !ok:
		return appErrors.NewPrecondition(op, "campaign not loaded")
	case status != model.CampaignCompleted && status != model.CampaignRunning && status != model.CampaignPaused:
		return appErrors.NewPrecondition(op, fmt.Sprintf("campaign is %s", status))
	}
	if err := t.remote.TakeCheck(ctx, t.id); err != nil {
		return err
	}
	t.logger.Info("accuracy check requested")
	return t.reload(ctx)
}

func (t *Tracker) reload(ctx context.Context) error {
	if err := t.LoadData(ctx); err != nil {
		return fmt.Errorf("snapshot requested: %w", err)
	}
	return nil
}

func (t *Tracker) hasBaseline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.aggregate != nil && t.aggregate.BaselineScore != nil {
		return true
	}
	for _, s := range t.snapshots {
		if s.SnapshotType == model.SnapshotBaseline {
			return true
		}
	}
	return false
}

func (t *Tracker) Snapshots() []model.AccuracySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]model.AccuracySnapshot(nil), t.snapshots...)
}

// Summary combines the aggregate with the snapshot list. Aggregate fields win;
// the list fills whatever the aggregate did not report.
func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var acc model.Accuracy
	if t.aggregate != nil {
		acc = *t.aggregate
	}
	var checks int
	for i := range t.snapshots {
		s := &t.snapshots[i]
		switch s.SnapshotType {
		case model.SnapshotBaseline:
			if acc.BaselineScore == nil && s.AccuracyScore != nil {
				created := s.CreatedAt
				acc.BaselineScore, acc.BaselineDate = s.AccuracyScore, &created
			}
		case model.SnapshotCheck:
			checks++
		}
	}
	if acc.LatestScore == nil {
		for i := len(t.snapshots) - 1; i >= 0; i-- {
			s := &t.snapshots[i]
			if s.SnapshotType == model.SnapshotCheck && s.AccuracyScore != nil {
				created := s.CreatedAt
				acc.LatestScore, acc.LatestDate = s.AccuracyScore, &created
				break
			}
		}
	}
	if acc.ChecksCount < checks {
		acc.ChecksCount = checks
	}

	sum := Summary{
		BaselineScore: acc.BaselineScore,
		BaselineDate:  acc.BaselineDate,
		LatestScore:   acc.LatestScore,
		LatestDate:    acc.LatestDate,
		ChecksCount:   acc.ChecksCount,
		Snapshots:     len(t.snapshots),
	}
	delta, ok := acc.Delta()
	if ok {
		sum.Delta = &delta
	}
	sum.Outcome = model.OutcomeOf(delta, ok)
	return sum
}
