package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// VolatileStore is the in-process fallback tier. It never fails, holds at
// most maxSessions sessions and evicts the session with the fewest
// messages once the cap is exceeded.
type VolatileStore struct {
	mu          sync.RWMutex
	sessions    map[string][]Message
	maxSessions int
}

func NewVolatileStore(maxSessions int) *VolatileStore {
	if maxSessions <= 0 {
		maxSessions = 100
	}
	return &VolatileStore{
		sessions:    make(map[string][]Message),
		maxSessions: maxSessions,
	}
}

var _ Store = (*VolatileStore)(nil)

func (s *VolatileStore) CreateSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.sessions[sessionID] = nil
		s.evictLocked()
	}
	return nil
}

func (s *VolatileStore) AppendMessage(_ context.Context, sessionID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.sessions[sessionID]
	s.sessions[sessionID] = append(s.sessions[sessionID], Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if !existed {
		s.evictLocked()
	}
	return nil
}

func (s *VolatileStore) Messages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.sessions[sessionID]
	if len(msgs) == 0 {
		return nil, nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *VolatileStore) RecentSessions(_ context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	summaries := make([]SessionSummary, 0, len(s.sessions))
	for id, msgs := range s.sessions {
		if len(msgs) == 0 {
			continue
		}
		sum := SessionSummary{
			SessionID:    id,
			Preview:      "New chat",
			CreatedAt:    msgs[0].Timestamp,
			UpdatedAt:    msgs[len(msgs)-1].Timestamp,
			MessageCount: countConversational(msgs),
		}
		for _, m := range msgs {
			if m.Role == RoleUser {
				sum.Preview = previewOf(m.Content)
				break
			}
		}
		summaries = append(summaries, sum)
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func (s *VolatileStore) DeleteSession(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(s.sessions, sessionID)
	return true, nil
}

// SessionCount reports how many sessions the fallback currently tracks.
func (s *VolatileStore) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *VolatileStore) Close() error { return nil }

// evictLocked drops the session holding the fewest messages whenever the
// cap is exceeded. Deliberately crude: not LRU, no TTL.
func (s *VolatileStore) evictLocked() {
	for len(s.sessions) > s.maxSessions {
		victim := ""
		fewest := -1
		for id, msgs := range s.sessions {
			if fewest < 0 || len(msgs) < fewest {
				victim = id
				fewest = len(msgs)
			}
		}
		if victim == "" {
			return
		}
		delete(s.sessions, victim)
	}
}
