// Package reconcile is the single merge point for campaign snapshots. Command
// completions, scheduled polls, manual refreshes and pushed progress events
// all land here.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/miasma-console/internal/logging"
	"github.com/unclebandit/miasma-console/internal/model"
)

// Liveness is implemented by subscription tokens. A response fetched on
// behalf of a token that is no longer live is discarded.
type Liveness interface {
	Live() bool
}

// Entry is the locally held campaign plus fields that exist only in the
// console and survive merges.
type Entry struct {
	Campaign model.Campaign

	Busy       bool
	Notice     string
	Watched    bool
	Seq        uint64
	ReceivedAt time.Time
}

// Merge replaces the whole server-owned part of local with incoming. There
// is no field-level merging.
func Merge(local Entry, incoming model.Campaign) Entry {
	return Entry{
		Campaign: incoming,
		Busy:     local.Busy,
		Notice:   local.Notice,
		Watched:  local.Watched,
	}
}

// Listener observes applied snapshots. existed is false on first sight of a
// campaign. Listeners run outside the store lock.
type Listener func(prev, next Entry, existed bool)

type Store struct {
	mu        sync.RWMutex
	entries   map[int]Entry
	seq       *Sequence[int]
	listeners []Listener
	logger    *zap.Logger
	now       func() time.Time
}

func NewStore(logger *zap.Logger) *Store {
	return &Store{
		entries: make(map[int]Entry),
		seq:     NewSequence[int](),
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Begin numbers a fetch for campaign id. Call it before the request is sent.
func (s *Store) Begin(id int) uint64 {
	return s.seq.Next()
}

// Apply merges incoming into the local entry unless the response is stale
// (an equal or newer sequence was already applied) or its token is dead.
func (s *Store) Apply(id int, seq uint64, tok Liveness, incoming model.Campaign) bool {
	return s.apply(id, seq, tok, incoming, false)
}

// ApplyPushed merges a snapshot that arrived without a request, such as a
// progress event. Pushes are numbered on arrival, so a push that is older
// than the local entry (see Older) is dropped instead.
func (s *Store) ApplyPushed(incoming model.Campaign) bool {
	return s.apply(incoming.ID, s.Begin(incoming.ID), nil, incoming, true)
}

// Older reports whether a is an earlier server state of the same campaign
// than b. updated_at decides; counters only break ties or stand in when a
// timestamp is missing, since they never go down outside a reset.
func Older(a, b model.Campaign) bool {
	if a.UpdatedAt != nil && b.UpdatedAt != nil && !a.UpdatedAt.Equal(*b.UpdatedAt) {
		return a.UpdatedAt.Before(*b.UpdatedAt)
	}
	return a.Processed() < b.Processed()
}

func (s *Store) apply(id int, seq uint64, tok Liveness, incoming model.Campaign, pushed bool) bool {
	if tok != nil && !tok.Live() {
		s.logger.Debug("dropping response for cancelled consumer", zap.Int("campaign_id", id), zap.Uint64("seq", seq))
		return false
	}

	s.mu.Lock()
	prev, existed := s.entries[id]
	if pushed && existed && Older(incoming, prev.Campaign) {
		s.mu.Unlock()
		s.logger.Debug("dropping pushed snapshot older than local state",
			zap.Int("campaign_id", id),
			zap.Int("processed", incoming.Processed()),
			zap.Int("local_processed", prev.Campaign.Processed()),
		)
		return false
	}
	if !s.seq.Accept(id, seq) {
		s.mu.Unlock()
		s.logger.Debug("dropping stale response",
			zap.Int("campaign_id", id),
			zap.Uint64("seq", seq),
			zap.Uint64("applied", s.seq.Applied(id)),
		)
		return false
	}
	next := Merge(prev, incoming)
	next.Seq = seq
	next.ReceivedAt = s.now()
	s.entries[id] = next
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(prev, next, existed)
	}
	return true
}

// Remove forgets a campaign. Responses for requests issued before the call
// are discarded if they arrive later.
func (s *Store) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	s.seq.Reset(id)
}

func (s *Store) Get(id int) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Store) Status(id int) (model.CampaignStatus, bool) {
	e, ok := s.Get(id)
	return e.Campaign.Status, ok
}

// List returns all entries, newest campaign first.
func (s *Store) List() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Campaign.ID > out[j].Campaign.ID })
	return out
}

// SetBusy flips the in-flight marker shown by views.
func (s *Store) SetBusy(id int, busy bool) {
	s.update(id, func(e *Entry) { e.Busy = busy })
}

func (s *Store) SetNotice(id int, notice string) {
	s.update(id, func(e *Entry) { e.Notice = notice })
}

func (s *Store) SetWatched(id int, watched bool) {
	s.update(id, func(e *Entry) { e.Watched = watched })
}

func (s *Store) update(id int, fn func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	fn(&e)
	s.entries[id] = e
}
