package service

import (
	"github.com/unclebandit/miasma-console/internal/accuracy"
	"github.com/unclebandit/miasma-console/internal/ledger"
	"github.com/unclebandit/miasma-console/internal/model"
)

// Ledger returns the submission ledger for a campaign, creating it on first
// use. It polls only while the campaign's local status is running.
func (s *CampaignService) Ledger(id int) *ledger.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.ledgers[id]; ok {
		return l
	}
	l := ledger.New(ledger.Config{
		CampaignID: id,
		Remote:     s.Remote,
		Scheduler:  s.Scheduler,
		Running:    func() bool { return s.isRunning(id) },
		Interval:   s.opts.SubmissionInterval,
		Logger:     s.logger,
	})
	s.ledgers[id] = l
	return l
}

// CloseLedger stops and forgets the ledger for id.
func (s *CampaignService) CloseLedger(id int) {
	s.mu.Lock()
	l := s.ledgers[id]
	delete(s.ledgers, id)
	s.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

// Tracker returns the accuracy tracker for a campaign.
func (s *CampaignService) Tracker(id int) *accuracy.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trackers[id]; ok {
		return t
	}
	t := accuracy.NewTracker(accuracy.Config{
		CampaignID: id,
		Remote:     s.Remote,
		Status:     func() (model.CampaignStatus, bool) { return s.Store.Status(id) },
		Logger:     s.logger,
	})
	s.trackers[id] = t
	return t
}
