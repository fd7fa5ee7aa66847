package app

import (
	"sync"

	"quiz-sync-service/internal/domain"
)

// Presence counts attempts per session. It is fed only by attempt events and
// listings; there is no heartbeat, so a participant stays counted once joined.
// An Aggregator shares one Presence across its watches and forgets a session
// when the last watch on it ends.
type Presence struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{}
}

func NewPresence() *Presence {
	return &Presence{sessions: make(map[string]map[string]struct{})}
}

// Seed records every attempt of a listing.
func (p *Presence) Seed(sessionID string, attempts []domain.Attempt) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.sessionLocked(sessionID)
	for _, a := range attempts {
		set[a.ParticipantID] = struct{}{}
	}
	return len(set)
}

// Observe applies an attempt event and returns the session's new count.
// Update events also register the participant, so a missed create is healed.
func (p *Presence) Observe(ev domain.AttemptEvent) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.sessionLocked(ev.Attempt.SessionID)
	set[ev.Attempt.ParticipantID] = struct{}{}
	return len(set)
}

// Count returns the number of known attempts for the session.
func (p *Presence) Count(sessionID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions[sessionID])
}

// Forget drops a session's bookkeeping.
func (p *Presence) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}

func (p *Presence) sessionLocked(sessionID string) map[string]struct{} {
	set, ok := p.sessions[sessionID]
	if !ok {
		set = make(map[string]struct{})
		p.sessions[sessionID] = set
	}
	return set
}
