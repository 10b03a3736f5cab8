package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/model"
)

// Memory keeps campaigns, submissions and snapshots in process. The dev
// server uses it when no database is configured.
type Memory struct {
	mu          sync.Mutex
	campaigns   map[int]model.Campaign
	submissions map[int]model.Submission
	snapshots   []model.AccuracySnapshot
	lastID      int
}

func NewMemory() *Memory {
	return &Memory{
		campaigns:   make(map[int]model.Campaign),
		submissions: make(map[int]model.Submission),
	}
}

func (m *Memory) Campaigns() CampaignRepositoryInterface     { return memCampaigns{m} }
func (m *Memory) Submissions() SubmissionRepositoryInterface { return memSubmissions{m} }
func (m *Memory) Snapshots() SnapshotRepositoryInterface     { return memSnapshots{m} }

func (m *Memory) nextID() int {
	m.lastID++
	return m.lastID
}

func cloneCampaign(c model.Campaign) *model.Campaign {
	c.TargetSites = append([]string{}, c.TargetSites...)
	return &c
}

type memCampaigns struct{ m *Memory }

func (r memCampaigns) ListCampaigns(ctx context.Context, offset, limit int, status model.CampaignStatus) ([]*model.Campaign, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var all []*model.Campaign
	for _, c := range r.m.campaigns {
		if status == "" || c.Status == status {
			all = append(all, cloneCampaign(c))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return window(all, offset, limit), len(all), nil
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

func (r memCampaigns) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

func (r memCampaigns) Create(ctx context.Context, c *model.Campaign) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c.ID = r.m.nextID()
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.TargetSites == nil {
		c.TargetSites = []string{}
	}
	r.m.campaigns[c.ID] = *cloneCampaign(*c)
	return nil
}

func (r memCampaigns) Update(ctx context.Context, c *model.Campaign) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	prev, ok := r.m.campaigns[c.ID]
	if !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	now := time.Now()
	c.UpdatedAt = &now
	c.CreatedAt = prev.CreatedAt
	r.m.campaigns[c.ID] = *cloneCampaign(*c)
	return nil
}

func (r memCampaigns) UpdateStatus(ctx context.Context, id int, status model.CampaignStatus) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	now := time.Now()
	c.Status, c.UpdatedAt = status, &now
	r.m.campaigns[id] = c
	return nil
}

func (r memCampaigns) AddProgress(ctx context.Context, id, completed, failed int) (*model.Campaign, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	now := time.Now()
	c.SubmissionsCompleted += completed
	c.SubmissionsFailed += failed
	c.UpdatedAt = &now
	r.m.campaigns[id] = c
	return cloneCampaign(c), nil
}

func (r memCampaigns) Delete(ctx context.Context, id int) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.campaigns[id]; !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	delete(r.m.campaigns, id)
	for sid, s := range r.m.submissions {
		if s.CampaignID == id {
			delete(r.m.submissions, sid)
		}
	}
	kept := r.m.snapshots[:0]
	for _, s := range r.m.snapshots {
		if s.CampaignID != id {
			kept = append(kept, s)
		}
	}
	r.m.snapshots = kept
	return nil
}

type memSubmissions struct{ m *Memory }

func (r memSubmissions) CreatePending(ctx context.Context, campaignID int, site string, profile json.RawMessage) (*model.Submission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s := model.Submission{
		ID:          r.m.nextID(),
		CampaignID:  campaignID,
		Site:        site,
		Status:      model.SubmissionPending,
		ProfileData: append(json.RawMessage{}, profile...),
		CreatedAt:   time.Now(),
	}
	r.m.submissions[s.ID] = s
	return &s, nil
}

func (r memSubmissions) GetByID(ctx context.Context, id int) (*model.Submission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.submissions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r memSubmissions) sorted(campaignID int, keep func(model.Submission) bool) []model.Submission {
	var out []model.Submission
	for _, s := range r.m.submissions {
		if s.CampaignID == campaignID && keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r memSubmissions) NextPending(ctx context.Context, campaignID int) (*model.Submission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	pending := r.sorted(campaignID, func(s model.Submission) bool { return s.Status == model.SubmissionPending })
	if len(pending) == 0 {
		return nil, nil
	}
	return &pending[0], nil
}

func (r memSubmissions) UpdateResult(ctx context.Context, s *model.Submission) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := time.Now()
	s.UpdatedAt = &now
	if _, ok := r.m.submissions[s.ID]; ok {
		r.m.submissions[s.ID] = *s
	}
	return nil
}

func (r memSubmissions) List(ctx context.Context, campaignID, offset, limit int, status model.SubmissionStatus) ([]model.Submission, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	items := r.sorted(campaignID, func(s model.Submission) bool { return status == "" || s.Status == status })
	// newest first, like the SQL repository
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return window(items, offset, limit), len(items), nil
}

func (r memSubmissions) CountByStatus(ctx context.Context, campaignID int) (map[model.SubmissionStatus]int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	stats := map[model.SubmissionStatus]int{}
	for _, s := range r.m.submissions {
		if s.CampaignID == campaignID {
			stats[s.Status]++
		}
	}
	return stats, nil
}

func (r memSubmissions) DeleteByCampaign(ctx context.Context, campaignID int) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, s := range r.m.submissions {
		if s.CampaignID == campaignID {
			delete(r.m.submissions, id)
		}
	}
	return nil
}

type memSnapshots struct{ m *Memory }

func (r memSnapshots) Create(ctx context.Context, s *model.AccuracySnapshot) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if s.SnapshotType == model.SnapshotBaseline {
		for _, existing := range r.m.snapshots {
			if existing.CampaignID == s.CampaignID && existing.SnapshotType == model.SnapshotBaseline {
				return appErrors.NewPrecondition("take baseline", "campaign already has a baseline")
			}
		}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.ID = r.m.nextID()
	r.m.snapshots = append(r.m.snapshots, *s)
	return nil
}

func (r memSnapshots) ListByCampaign(ctx context.Context, campaignID int) ([]model.AccuracySnapshot, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []model.AccuracySnapshot{}
	for _, s := range r.m.snapshots {
		if s.CampaignID == campaignID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r memSnapshots) Aggregate(ctx context.Context, campaignID int) (*model.Accuracy, error) {
	list, _ := r.ListByCampaign(ctx, campaignID)
	acc := &model.Accuracy{}
	for i := range list {
		s := list[i]
		switch s.SnapshotType {
		case model.SnapshotBaseline:
			if acc.BaselineScore == nil {
				acc.BaselineScore, acc.BaselineDate = s.AccuracyScore, &s.CreatedAt
			}
		case model.SnapshotCheck:
			acc.LatestScore, acc.LatestDate = s.AccuracyScore, &s.CreatedAt
			acc.ChecksCount++
		}
	}
	return acc, nil
}

var (
	_ CampaignRepositoryInterface   = memCampaigns{}
	_ SubmissionRepositoryInterface = memSubmissions{}
	_ SnapshotRepositoryInterface   = memSnapshots{}
)
