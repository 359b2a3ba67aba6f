package hookserver

import (
	"sync"
	"time"

	"github.com/mudco/bridge/internal/config"
)

// maxTurnEntries bounds the per-turn sequence map. Old turns are evicted
// oldest-first once the bound is hit; a re-seen old turn then restarts at
// its incoming seq, which is harmless because that turn is long finished.
const maxTurnEntries = 50000

// Sequencer enforces per-turn event ordering. An event whose seq is not
// strictly greater than the last accepted seq for its
// (instance key, turnId) is a replay or an out-of-order delivery: it is
// counted and dropped so a stale progress event can never land after the
// final one.
type Sequencer struct {
	mu       sync.Mutex
	lastSeq  map[string]int64
	order    []string
	rejected map[string]uint64
	progress map[string]progressState
	now      func() time.Time
}

type progressState struct {
	mode  config.ProgressMode
	setAt time.Time
}

// NewSequencer creates an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{
		lastSeq:  make(map[string]int64),
		rejected: make(map[string]uint64),
		progress: make(map[string]progressState),
		now:      time.Now,
	}
}

// Accept reports whether the event should be applied. Events without a
// turn id or without a sequence number are unsequenced and always pass.
func (s *Sequencer) Accept(instanceKey, turnID string, seq int64) bool {
	if turnID == "" || seq <= 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turnKey := instanceKey + "|" + turnID
	last, seen := s.lastSeq[turnKey]
	if seen && seq <= last {
		s.rejected[instanceKey]++
		return false
	}
	if !seen {
		s.order = append(s.order, turnKey)
		if len(s.order) > maxTurnEntries {
			delete(s.lastSeq, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.lastSeq[turnKey] = seq
	return true
}

// LastSeq returns the last accepted sequence for a turn, 0 if none.
func (s *Sequencer) LastSeq(instanceKey, turnID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq[instanceKey+"|"+turnID]
}

// Rejected returns how many events were dropped as stale for an instance.
func (s *Sequencer) Rejected(instanceKey string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected[instanceKey]
}

// SetProgressMode records an instance's requested progress delivery mode.
func (s *Sequencer) SetProgressMode(instanceKey string, mode config.ProgressMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[instanceKey] = progressState{mode: mode, setAt: s.now()}
}

// ProgressMode returns the instance's progress mode and how long ago it
// was set. ok is false when the instance never announced one.
func (s *Sequencer) ProgressMode(instanceKey string) (config.ProgressMode, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.progress[instanceKey]
	if !ok {
		return "", 0, false
	}
	return st.mode, s.now().Sub(st.setAt), true
}

// ForgetInstance drops all sequencing state for a torn-down instance.
func (s *Sequencer) ForgetInstance(instanceKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := instanceKey + "|"
	kept := s.order[:0]
	for _, turnKey := range s.order {
		if len(turnKey) >= len(prefix) && turnKey[:len(prefix)] == prefix {
			delete(s.lastSeq, turnKey)
			continue
		}
		kept = append(kept, turnKey)
	}
	s.order = kept
	delete(s.rejected, instanceKey)
	delete(s.progress, instanceKey)
}
