package matchmaker

import (
	"PeerSupport/internal/utils"
	"PeerSupport/internal/websocket"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultRecentLimit = 10
	maxInterests       = 16
)

type Service struct {
	repo        Repo
	hub         HubNotifier
	atomic      Matcher
	fallback    Matcher
	now         func() time.Time
	RecentLimit int
	OnMatched   func(*Match) // 成对后调用（事件发布等）
	OnEnded     func(*Match)
}

// HubNotifier 向在线用户推送消息；为 nil 时只依赖客户端轮询
type HubNotifier interface {
	SendToUser(userID string, msg websocket.OutgoingMessage)
}

func NewService(repo Repo, hub HubNotifier) *Service {
	s := &Service{repo: repo, hub: hub, now: time.Now, RecentLimit: defaultRecentLimit}
	s.atomic = NewAtomicMatcher(repo, s.clock)
	s.fallback = NewFallbackMatcher(repo, s.clock)
	return s
}

func (s *Service) clock() time.Time { return s.now() }

// retryOnce 仅对存储不可达重试一次
func retryOnce[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil || !errors.Is(err, ErrStoreUnavailable) || ctx.Err() != nil {
		return v, err
	}
	return fn()
}

func normalizeInterests(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, tag := range in {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == maxInterests {
			break
		}
	}
	return out
}

func (s *Service) activeMatch(ctx context.Context, userID string) (*Match, error) {
	return retryOnce(ctx, func() (*Match, error) { return s.repo.ActiveMatch(ctx, userID) })
}

// JoinQueue 入队并立即尝试成对。已在 active 配对中的用户直接拿到原配对。
// 只有入队本身失败才返回错误；之后的存储故障都降级为 waiting。
func (s *Service) JoinQueue(ctx context.Context, userID string, interests []string) (Outcome, error) {
	if userID == "" {
		return Outcome{}, ErrUnauthenticated
	}
	if m, err := s.activeMatch(ctx, userID); err == nil && m != nil {
		return matchedFor(userID, m), nil
	} else if err != nil {
		utils.Log.Warn("active match lookup failed", "user", userID, "err", err)
	}

	entry, err := retryOnce(ctx, func() (*WaitingEntry, error) {
		return s.repo.Upsert(ctx, userID, normalizeInterests(interests), s.now())
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("join queue: %w", err)
	}
	if entry.Status == EntryMatched {
		// 检查之后、写入之前被别人配上了
		if m, err := s.activeMatch(ctx, userID); err == nil && m != nil {
			return matchedFor(userID, m), nil
		}
		return waiting(), nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if m, err := s.activeMatch(ctx, userID); err == nil && m != nil {
				return matchedFor(userID, m), nil
			}
		}
		res := s.pair(ctx, userID)
		switch res.Kind {
		case Matched:
			s.announce(res.Match)
			utils.Log.Info("matched", "user", userID, "peer", res.Match.Peer(userID), "room", res.Match.RoomID)
			if res.Err != nil {
				utils.Log.Warn("queue status update failed", "match", res.Match.ID, "err", res.Err)
			}
			return matchedFor(userID, res.Match), nil
		case RaceLost:
			utils.Log.Warn("match race lost", "user", userID, "attempt", attempt+1, "err", res.Err)
			continue
		case Unavailable:
			utils.Log.Error("both matchers unavailable", "user", userID, "err", res.Err)
		}
		break
	}
	// 对方可能在本次选人期间先把自己配上了
	if m, err := s.activeMatch(ctx, userID); err == nil && m != nil {
		return matchedFor(userID, m), nil
	}
	return waiting(), nil
}

// pair 先走原子匹配器，仅当其不可用时才走降级匹配器
func (s *Service) pair(ctx context.Context, userID string) MatchResult {
	res := s.atomic.Pair(ctx, userID)
	if res.Kind != Unavailable {
		return res
	}
	utils.Log.Warn("atomic matcher unavailable, falling back", "user", userID, "err", res.Err)
	return s.fallback.Pair(ctx, userID)
}

func (s *Service) announce(m *Match) {
	if s.hub != nil {
		for _, u := range []string{m.UserA, m.UserB} {
			s.hub.SendToUser(u, websocket.OutgoingMessage{
				Event: "matched",
				Data:  NewStatusResponse(matchedFor(u, m)),
			})
		}
	}
	if s.OnMatched != nil {
		go s.OnMatched(m)
	}
}

// CheckStatus 只读；轮询可以无限次调用。
func (s *Service) CheckStatus(ctx context.Context, userID string) (Outcome, error) {
	if userID == "" {
		return Outcome{}, ErrUnauthenticated
	}
	m, err := s.activeMatch(ctx, userID)
	if err != nil {
		utils.Log.Error("check status failed", "user", userID, "err", err)
		return waiting(), nil
	}
	if m == nil {
		return waiting(), nil
	}
	return matchedFor(userID, m), nil
}

// LeaveQueue 删除 waiting 条目；已 matched 或不存在时是 no-op。
func (s *Service) LeaveQueue(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	_, err := retryOnce(ctx, func() (struct{}, error) {
		return struct{}{}, s.repo.Remove(ctx, userID)
	})
	if err != nil {
		return fmt.Errorf("leave queue: %w", err)
	}
	return nil
}

// EndSession 由参与者结束会话：MATCHED -> ABSENT。重复调用是 no-op。
func (s *Service) EndSession(ctx context.Context, userID, matchID string) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	m, err := retryOnce(ctx, func() (*Match, error) { return s.repo.GetMatch(ctx, matchID) })
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if m == nil || !m.Has(userID) {
		return ErrNotParticipant
	}
	if m.Status == MatchEnded {
		return nil
	}
	if err := s.repo.EndMatch(ctx, matchID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	m.Status = MatchEnded
	utils.Log.Info("session ended", "match", m.ID, "by", userID)
	if s.OnEnded != nil {
		go s.OnEnded(m)
	}
	return nil
}

// RoomMatch 返回 userID 当前 active 配对，房间号必须一致（申请房间凭证前校验）
func (s *Service) RoomMatch(ctx context.Context, userID, roomID string) (*Match, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	m, err := s.activeMatch(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m == nil || m.RoomID != roomID {
		return nil, ErrNotParticipant
	}
	return m, nil
}

// Stats 在线等待人数与最近会话；存储故障时返回零值。
func (s *Service) Stats(ctx context.Context, userID string) Stats {
	st := Stats{RecentConnections: []Connection{}}
	n, err := s.repo.CountWaiting(ctx)
	if err != nil {
		utils.Log.Error("count waiting failed", "err", err)
	}
	st.OnlineUsers = n
	if userID == "" {
		return st
	}
	matches, err := s.repo.RecentMatches(ctx, userID, s.RecentLimit)
	if err != nil {
		utils.Log.Error("recent matches failed", "user", userID, "err", err)
		return st
	}
	for _, m := range matches {
		st.RecentConnections = append(st.RecentConnections, Connection{
			ID:        m.ID,
			Topic:     topic(m.MatchedOn),
			Status:    m.Status,
			CreatedAt: m.CreatedAt,
		})
	}
	return st
}

func topic(tags []string) string {
	if len(tags) == 0 {
		return "Peer support conversation"
	}
	return "Conversation about " + strings.Join(tags, ", ")
}

// EvictStale 清理 joined_at 早于 now-staleAfter 的 waiting 条目
func (s *Service) EvictStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	return s.repo.EvictBefore(ctx, s.now().Add(-staleAfter))
}

// RunSweeper 定时清理遗留的 waiting 条目，ctx 取消时退出
func (s *Service) RunSweeper(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.EvictStale(ctx, staleAfter)
			if err != nil {
				utils.Log.Error("sweep failed", "err", err)
				continue
			}
			if n > 0 {
				utils.Log.Info("evicted stale waiters", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
