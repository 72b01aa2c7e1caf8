package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Matcher 为 userID 寻找一个对方。结果通过 MatchResult.Kind 表达，不通过 error。
type Matcher interface {
	Pair(ctx context.Context, userID string) MatchResult
}

var errAtomicUnsupported = errors.New("store has no atomic pairing")

// finalizer 生成房间号并在写入后复核配对（两种匹配器共用）
type finalizer struct {
	repo Repo
	now  func() time.Time
}

func newRoomID(now time.Time) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("peer-room-%d-%s", now.UnixMilli(), token[:16])
}

// candidate 生成待写入的配对；UserB 由匹配器填充
func (f finalizer) candidate(userID string) *Match {
	now := f.now()
	return &Match{
		ID:        uuid.NewString(),
		UserA:     userID,
		RoomID:    newRoomID(now),
		Status:    MatchActive,
		CreatedAt: now,
	}
}

// verify 重新读取双方的 active 配对，必须都是刚写入的那一个。
func (f finalizer) verify(ctx context.Context, m *Match) MatchResult {
	for _, u := range []string{m.UserA, m.UserB} {
		got, err := f.repo.ActiveMatch(ctx, u)
		if err != nil {
			return MatchResult{Kind: RaceLost, Err: fmt.Errorf("re-read %s: %w", u, err)}
		}
		if got == nil || got.ID != m.ID {
			return MatchResult{Kind: RaceLost, Err: ErrRaceLost}
		}
	}
	return MatchResult{Kind: Matched, Match: m}
}

// AtomicMatcher 依赖 Repo 的 AtomicRepo 能力，选人与成对在一个不可分割的操作中完成。
// Repo 不支持或存储不可达时返回 Unavailable，与 NoMatch 区分。
type AtomicMatcher struct {
	finalizer
}

func NewAtomicMatcher(repo Repo, now func() time.Time) *AtomicMatcher {
	return &AtomicMatcher{finalizer{repo: repo, now: now}}
}

func (a *AtomicMatcher) Pair(ctx context.Context, userID string) MatchResult {
	ar, ok := a.repo.(AtomicRepo)
	if !ok {
		return MatchResult{Kind: Unavailable, Err: errAtomicUnsupported}
	}
	m, err := ar.PairOldest(ctx, a.candidate(userID))
	if err != nil {
		return MatchResult{Kind: Unavailable, Err: err}
	}
	if m == nil {
		return MatchResult{Kind: NoMatch}
	}
	return a.verify(ctx, m)
}

// FallbackMatcher 降级路径：读-再-写，没有原子原语。
//
// 弱于 AtomicMatcher 的保证：并发时两个调用方可能选中同一个对方，
// 由 SaveMatch 的占用冲突和写后复核判定输家（RaceLost），
// 输家由 Service 整体重试一次 JoinQueue，之后降级为 waiting。
type FallbackMatcher struct {
	finalizer
}

func NewFallbackMatcher(repo Repo, now func() time.Time) *FallbackMatcher {
	return &FallbackMatcher{finalizer{repo: repo, now: now}}
}

func (f *FallbackMatcher) Pair(ctx context.Context, userID string) MatchResult {
	peer, err := f.repo.OldestWaiting(ctx, userID)
	if err != nil {
		return MatchResult{Kind: Unavailable, Err: err}
	}
	if peer == nil {
		return MatchResult{Kind: NoMatch}
	}

	m := f.candidate(userID)
	m.UserB = peer.UserID
	m.MatchedOn = append([]string(nil), peer.Interests...)
	if err := f.repo.SaveMatch(ctx, m); err != nil {
		if errors.Is(err, ErrMatchConflict) {
			return MatchResult{Kind: RaceLost, Err: err}
		}
		return MatchResult{Kind: Unavailable, Err: err}
	}

	res := f.verify(ctx, m)
	if res.Kind != Matched {
		// 撤销自己写入的配对；EndMatch 只释放指向本配对的占用
		_ = f.repo.EndMatch(ctx, m.ID)
		return res
	}

	// 逐个更新，非事务；对已删除的条目是 no-op
	for _, u := range []string{m.UserA, m.UserB} {
		if err := f.repo.MarkMatched(ctx, u); err != nil {
			res.Err = errors.Join(res.Err, err)
		}
	}
	return res
}
