// Package engine is the dev server's stand-in for the real submission
// backend. It expands a running campaign into pending submissions, works
// through them against mock sites and scores accuracy snapshots.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/generator"
	"github.com/unclebandit/miasma-console/internal/logging"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/queue"
	"github.com/unclebandit/miasma-console/internal/repository"
)

// ProgressSink receives a snapshot after every processed submission.
type ProgressSink interface {
	PublishProgress(ctx context.Context, ev model.ProgressEvent) error
}

type Config struct {
	// SuccessRate is the chance a mock site accepts a submission.
	SuccessRate float64
	// BaselineScore is the accuracy measured before any poisoning.
	BaselineScore float64
	StepDelay     time.Duration
	// Sites lists the sites a submitter exists for. Campaigns that name no
	// site are given this list.
	Sites []string
	Seed  uint64
}

type Engine struct {
	Campaigns   repository.CampaignRepositoryInterface
	Submissions repository.SubmissionRepositoryInterface
	Snapshots   repository.SnapshotRepositoryInterface
	Queue       queue.Queue
	Generator   *generator.Generator
	Progress    ProgressSink

	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	rnd     *rand.Rand
	running map[int]bool
}

func New(campaigns repository.CampaignRepositoryInterface, submissions repository.SubmissionRepositoryInterface,
	snapshots repository.SnapshotRepositoryInterface, q queue.Queue, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		Campaigns:   campaigns,
		Submissions: submissions,
		Snapshots:   snapshots,
		Queue:       q,
		Generator:   generator.New(cfg.Seed),
		cfg:         cfg,
		logger:      logging.OrNop(logger),
		rnd:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		running:     make(map[int]bool),
	}
}

type snapshotJob struct {
	CampaignID int
	Type       model.SnapshotType
}

// Start subscribes the engine to its queue topics.
func (e *Engine) Start() error {
	if err := e.Queue.Subscribe(queue.TopicCampaignRuns, func(ctx context.Context, payload any) error {
		id, ok := payload.(int)
		if !ok {
			e.logger.Warn("invalid run payload", zap.Any("payload", payload))
			return nil
		}
		return e.Run(ctx, id)
	}); err != nil {
		return err
	}
	return e.Queue.Subscribe(queue.TopicSnapshots, func(ctx context.Context, payload any) error {
		job, ok := payload.(snapshotJob)
		if !ok {
			e.logger.Warn("invalid snapshot payload", zap.Any("payload", payload))
			return nil
		}
		_, err := e.Measure(ctx, job.CampaignID, job.Type)
		return err
	})
}

// Enqueue schedules a run of campaign id in the background.
func (e *Engine) Enqueue(id int) error {
	return e.Queue.Publish(queue.TopicCampaignRuns, id)
}

// EnqueueSnapshot schedules an accuracy measurement in the background.
func (e *Engine) EnqueueSnapshot(id int, typ model.SnapshotType) error {
	return e.Queue.Publish(queue.TopicSnapshots, snapshotJob{CampaignID: id, Type: typ})
}

func (e *Engine) claim(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[id] {
		return false
	}
	e.running[id] = true
	return true
}

func (e *Engine) release(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

// Run works through the pending submissions of a running campaign. It
// returns early when the campaign leaves running, leaving the rest pending
// for a later resume. Only one run per campaign is active at a time.
func (e *Engine) Run(ctx context.Context, id int) error {
	if !e.claim(id) {
		e.logger.Debug("campaign already being processed", zap.Int("campaign_id", id))
		return nil
	}
	defer e.release(id)

	c, err := e.Campaigns.GetByID(ctx, id)
	if appErrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status != model.CampaignRunning {
		return nil
	}

	counts, err := e.Submissions.CountByStatus(ctx, id)
	if err != nil {
		return err
	}
	if total(counts) == 0 {
		if err := e.expand(ctx, c); err != nil {
			return err
		}
		if c.Status != model.CampaignRunning {
			return nil
		}
	}

	for {
		c, err = e.Campaigns.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != model.CampaignRunning {
			e.logger.Info("campaign left running, stopping", zap.Int("campaign_id", id), zap.String("status", string(c.Status)))
			return nil
		}

		sub, err := e.Submissions.NextPending(ctx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return e.finish(ctx, c, model.CampaignCompleted, "completed")
		}
		if err := e.process(ctx, sub); err != nil {
			return err
		}

		if e.cfg.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.StepDelay):
			}
		}
	}
}

func total(counts map[model.SubmissionStatus]int) int {
	n := 0
	for _, v := range counts {
		n += v
	}
	return n
}

// ResolveSites returns sites, or the configured site list when sites is
// empty. Campaigns store the resolved list so Capacity matches what runs.
func (e *Engine) ResolveSites(sites []string) []string {
	if len(sites) > 0 {
		return sites
	}
	return slices.Clone(e.cfg.Sites)
}

// expand creates one pending submission per generated profile and site.
func (e *Engine) expand(ctx context.Context, c *model.Campaign) error {
	sites := e.ResolveSites(c.TargetSites)
	if len(sites) == 0 {
		e.logger.Warn("campaign has no target sites", zap.Int("campaign_id", c.ID))
		return e.finish(ctx, c, model.CampaignFailed, "no target sites")
	}

	target := generator.Target{FirstName: c.TargetFirstName, LastName: c.TargetLastName}
	if c.TargetState != nil {
		target.State = *c.TargetState
	}
	if c.TargetAge != nil {
		target.Age = *c.TargetAge
	}
	var profiles []model.Profile
	if target.FirstName != "" && target.LastName != "" {
		profiles = e.Generator.ForTarget(target, c.TargetCount)
	} else {
		profiles = e.Generator.Profiles(c.TargetCount, generator.Template{})
	}

	created := 0
	for _, p := range profiles {
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		for _, site := range sites {
			if _, err := e.Submissions.CreatePending(ctx, c.ID, site, raw); err != nil {
				return fmt.Errorf("creating submission for campaign %d: %w", c.ID, err)
			}
			created++
		}
	}

	now := time.Now()
	c.TargetSites = sites
	c.LastExecution = &now
	if err := e.Campaigns.Update(ctx, c); err != nil {
		return err
	}
	e.logger.Info("campaign expanded",
		zap.Int("campaign_id", c.ID),
		zap.Int("profiles", len(profiles)),
		zap.Int("submissions", created),
	)
	if created == 0 {
		return e.finish(ctx, c, model.CampaignCompleted, "nothing to submit")
	}
	return nil
}

func (e *Engine) process(ctx context.Context, sub *model.Submission) error {
	completed, failed := 0, 0
	now := time.Now()
	switch {
	case !slices.Contains(e.cfg.Sites, sub.Site):
		sub.Status = model.SubmissionSkipped
		msg := "no submitter for site " + sub.Site
		sub.ErrorMessage = &msg
		failed = 1
	case e.accept():
		sub.Status = model.SubmissionSubmitted
		ref := uuid.NewString()
		sub.ReferenceID = &ref
		sub.SubmittedAt = &now
		completed = 1
	default:
		sub.Status = model.SubmissionFailed
		msg := "site rejected submission"
		sub.ErrorMessage = &msg
		failed = 1
	}

	if err := e.Submissions.UpdateResult(ctx, sub); err != nil {
		return err
	}
	c, err := e.Campaigns.AddProgress(ctx, sub.CampaignID, completed, failed)
	if err != nil {
		return err
	}
	e.publish(ctx, *c, "progress")
	return nil
}

func (e *Engine) accept() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rnd.Float64() < e.cfg.SuccessRate
}

func (e *Engine) finish(ctx context.Context, c *model.Campaign, status model.CampaignStatus, reason string) error {
	if err := e.Campaigns.UpdateStatus(ctx, c.ID, status); err != nil {
		return err
	}
	c.Status = status
	if fresh, err := e.Campaigns.GetByID(ctx, c.ID); err == nil {
		*c = *fresh
	}
	e.logger.Info("campaign finished", zap.Int("campaign_id", c.ID), zap.String("status", string(status)), zap.String("reason", reason))
	e.publish(ctx, *c, reason)
	return nil
}

func (e *Engine) publish(ctx context.Context, c model.Campaign, reason string) {
	if e.Progress == nil {
		return
	}
	if err := e.Progress.PublishProgress(ctx, model.ProgressEvent{Campaign: c, Reason: reason}); err != nil {
		e.logger.Warn("failed to publish progress", zap.Int("campaign_id", c.ID), zap.Error(err))
	}
}

// Discard drops the submissions of a campaign that was reset to draft.
func (e *Engine) Discard(ctx context.Context, id int) error {
	return e.Submissions.DeleteByCampaign(ctx, id)
}

// Measure scores and stores a snapshot. A baseline measures the configured
// score; a check decays it with the share of submissions that went through.
func (e *Engine) Measure(ctx context.Context, id int, typ model.SnapshotType) (*model.AccuracySnapshot, error) {
	c, err := e.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	sites := len(c.TargetSites)
	if sites == 0 {
		sites = len(e.cfg.Sites)
	}

	score := e.cfg.BaselineScore
	if typ == model.SnapshotCheck {
		share := 0.0
		if capacity := c.Capacity(); capacity > 0 {
			share = float64(c.SubmissionsCompleted) / float64(capacity)
		}
		score = e.cfg.BaselineScore * (1 - 0.5*share)
	}
	score = max(0, min(1, score))

	points := 10 * max(sites, 1)
	snap := &model.AccuracySnapshot{
		CampaignID:         id,
		SnapshotType:       typ,
		AccuracyScore:      &score,
		SourcesChecked:     sites,
		RecordsFound:       sites + c.SubmissionsCompleted,
		DataPointsTotal:    points,
		DataPointsAccurate: int(score * float64(points)),
	}
	if err := e.Snapshots.Create(ctx, snap); err != nil {
		if appErrors.IsPrecondition(err) {
			e.logger.Warn("snapshot rejected", zap.Int("campaign_id", id), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	e.logger.Info("accuracy snapshot stored",
		zap.Int("campaign_id", id),
		zap.String("type", string(typ)),
		zap.Float64("score", score),
	)
	return snap, nil
}
