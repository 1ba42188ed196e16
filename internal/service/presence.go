package service

import (
	"sort"
	"sync"

	"github.com/agentdevsl/claudorc-sub000/internal/model"
)

// presenceRegistry holds live viewers per session. It is never persisted and
// starts empty after a restart.
type presenceRegistry struct {
	mu       sync.Mutex
	sessions map[string]map[string]model.PresenceEntry
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{sessions: make(map[string]map[string]model.PresenceEntry)}
}

// join inserts or replaces the user's entry.
func (p *presenceRegistry) join(sessionID string, entry model.PresenceEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	users, ok := p.sessions[sessionID]
	if !ok {
		users = make(map[string]model.PresenceEntry)
		p.sessions[sessionID] = users
	}
	users[entry.UserID] = entry
}

func (p *presenceRegistry) leave(sessionID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	users, ok := p.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(p.sessions, sessionID)
	}
	return true
}

func (p *presenceRegistry) update(sessionID, userID string, update PresenceUpdate) (model.PresenceEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.sessions[sessionID][userID]
	if !ok {
		return model.PresenceEntry{}, false
	}
	if update.Cursor != nil {
		cursor := *update.Cursor
		entry.Cursor = &cursor
	}
	if update.ActiveFile != nil {
		file := *update.ActiveFile
		entry.ActiveFile = &file
	}
	p.sessions[sessionID][userID] = entry
	return entry, true
}

// list returns a copy ordered by join time.
func (p *presenceRegistry) list(sessionID string) []model.PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]model.PresenceEntry, 0, len(p.sessions[sessionID]))
	for _, entry := range p.sessions[sessionID] {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt != entries[j].JoinedAt {
			return entries[i].JoinedAt < entries[j].JoinedAt
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

func (p *presenceRegistry) drop(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}
