package matchmaker

import (
	"context"
	"sync"
	"time"
)

type memRepo struct {
	mu      sync.Mutex
	entries map[string]*WaitingEntry // userID -> entry
	matches map[string]*Match        // matchID -> match
	active  map[string]string        // userID -> active matchID
	history map[string][]string      // userID -> matchIDs, oldest first
}

// NewMemoryRepo 返回进程内实现（开发与测试用），支持 AtomicRepo。
func NewMemoryRepo() Repo {
	return &memRepo{
		entries: make(map[string]*WaitingEntry),
		matches: make(map[string]*Match),
		active:  make(map[string]string),
		history: make(map[string][]string),
	}
}

func copyEntry(e *WaitingEntry) *WaitingEntry {
	c := *e
	c.Interests = append([]string(nil), e.Interests...)
	return &c
}

func copyMatch(m *Match) *Match {
	c := *m
	c.MatchedOn = append([]string(nil), m.MatchedOn...)
	return &c
}

func (m *memRepo) Upsert(ctx context.Context, userID string, interests []string, now time.Time) (*WaitingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[userID]
	if !ok {
		e = &WaitingEntry{UserID: userID}
		m.entries[userID] = e
	}
	e.Interests = append([]string(nil), interests...)
	e.JoinedAt = now
	if _, busy := m.active[userID]; busy {
		e.Status = EntryMatched
	} else {
		e.Status = EntryWaiting
	}
	return copyEntry(e), nil
}

func (m *memRepo) Get(ctx context.Context, userID string) (*WaitingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		return nil, nil
	}
	return copyEntry(e), nil
}

func (m *memRepo) Remove(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[userID]; ok && e.Status == EntryWaiting {
		delete(m.entries, userID)
	}
	return nil
}

// oldestLocked 调用方需持有 m.mu
func (m *memRepo) oldestLocked(exclude string) *WaitingEntry {
	var best *WaitingEntry
	for _, e := range m.entries {
		if e.Status != EntryWaiting || e.UserID == exclude {
			continue
		}
		if best == nil || e.JoinedAt.Before(best.JoinedAt) ||
			(e.JoinedAt.Equal(best.JoinedAt) && e.UserID < best.UserID) {
			best = e
		}
	}
	return best
}

// OldestWaiting 跳过已被占用（active 配对已写入、条目尚未置 matched）的用户
func (m *memRepo) OldestWaiting(ctx context.Context, exclude string) (*WaitingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *WaitingEntry
	for _, e := range m.entries {
		if e.Status != EntryWaiting || e.UserID == exclude {
			continue
		}
		if _, busy := m.active[e.UserID]; busy {
			continue
		}
		if best == nil || e.JoinedAt.Before(best.JoinedAt) ||
			(e.JoinedAt.Equal(best.JoinedAt) && e.UserID < best.UserID) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyEntry(best), nil
}

func (m *memRepo) MarkMatched(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[userID]; ok {
		e.Status = EntryMatched
	}
	return nil
}

func (m *memRepo) EvictBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.entries {
		if e.Status == EntryWaiting && e.JoinedAt.Before(cutoff) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

func (m *memRepo) CountWaiting(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.Status == EntryWaiting {
			n++
		}
	}
	return n, nil
}

// saveLocked 调用方需持有 m.mu
func (m *memRepo) saveLocked(match *Match) error {
	if _, busy := m.active[match.UserA]; busy {
		return ErrMatchConflict
	}
	if _, busy := m.active[match.UserB]; busy {
		return ErrMatchConflict
	}
	c := copyMatch(match)
	m.matches[c.ID] = c
	if c.Status == MatchActive {
		m.active[c.UserA] = c.ID
		m.active[c.UserB] = c.ID
	}
	m.history[c.UserA] = append(m.history[c.UserA], c.ID)
	m.history[c.UserB] = append(m.history[c.UserB], c.ID)
	return nil
}

func (m *memRepo) SaveMatch(ctx context.Context, match *Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(match)
}

func (m *memRepo) ActiveMatch(ctx context.Context, userID string) (*Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[userID]
	if !ok {
		return nil, nil
	}
	return copyMatch(m.matches[id]), nil
}

func (m *memRepo) GetMatch(ctx context.Context, matchID string) (*Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[matchID]
	if !ok {
		return nil, nil
	}
	return copyMatch(match), nil
}

func (m *memRepo) EndMatch(ctx context.Context, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[matchID]
	if !ok {
		return nil
	}
	match.Status = MatchEnded
	for _, u := range []string{match.UserA, match.UserB} {
		if m.active[u] == matchID {
			delete(m.active, u)
			if e, ok := m.entries[u]; ok && e.Status == EntryMatched {
				delete(m.entries, u)
			}
		}
	}
	return nil
}

func (m *memRepo) RecentMatches(ctx context.Context, userID string, limit int) ([]*Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.history[userID]
	out := make([]*Match, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyMatch(m.matches[ids[i]]))
	}
	return out, nil
}

// PairOldest 整个过程持有同一把锁，与其它 Repo 操作线性一致。
func (m *memRepo) PairOldest(ctx context.Context, match *Match) (*Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	self, ok := m.entries[match.UserA]
	if !ok || self.Status != EntryWaiting {
		return nil, nil
	}
	if _, busy := m.active[match.UserA]; busy {
		return nil, nil
	}
	var peer *WaitingEntry
	for {
		peer = m.oldestLocked(match.UserA)
		if peer == nil {
			return nil, nil
		}
		if _, busy := m.active[peer.UserID]; !busy {
			break
		}
		// matched 但状态未同步的残留条目不参与选人
		peer.Status = EntryMatched
	}

	c := copyMatch(match)
	c.UserB = peer.UserID
	c.MatchedOn = append([]string(nil), peer.Interests...)
	c.Status = MatchActive
	if err := m.saveLocked(c); err != nil {
		return nil, err
	}
	self.Status = EntryMatched
	peer.Status = EntryMatched
	return copyMatch(c), nil
}
