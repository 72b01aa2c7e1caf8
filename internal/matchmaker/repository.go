package matchmaker

import (
	"context"
	"time"
)

// Repo 定义队列表（WaitingEntry）与配对表（Match）的抽象操作。
// 所有共享状态都在 Repo 中，Service 本身不持有跨请求的可变状态。
type Repo interface {
	// Upsert 入队或刷新 interests/joined_at。
	// 用户已有 active 配对时不会把 matched 回退为 waiting。返回写入后的条目。
	Upsert(ctx context.Context, userID string, interests []string, now time.Time) (*WaitingEntry, error)
	// Get 返回用户的队列条目，不存在时返回 (nil, nil)
	Get(ctx context.Context, userID string) (*WaitingEntry, error)
	// Remove 仅当条目为 waiting 时删除；matched 或不存在时什么也不做
	Remove(ctx context.Context, userID string) error
	// OldestWaiting 返回除 exclude 外最早入队的 waiting 条目（joined_at, user_id 排序），没有时返回 (nil, nil)
	OldestWaiting(ctx context.Context, exclude string) (*WaitingEntry, error)
	// MarkMatched 把条目置为 matched；幂等，条目不存在时是 no-op
	MarkMatched(ctx context.Context, userID string) error
	// EvictBefore 删除 joined_at 早于 cutoff 的 waiting 条目
	EvictBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// CountWaiting 返回 waiting 人数
	CountWaiting(ctx context.Context) (int64, error)

	// SaveMatch 写入配对；任一参与者已有 active 配对时返回 ErrMatchConflict
	SaveMatch(ctx context.Context, m *Match) error
	// ActiveMatch 返回包含 userID 的 active 配对，没有时返回 (nil, nil)
	ActiveMatch(ctx context.Context, userID string) (*Match, error)
	// GetMatch 按 id 读取配对，不存在时返回 (nil, nil)
	GetMatch(ctx context.Context, matchID string) (*Match, error)
	// EndMatch 置为 ended，释放双方的 active 占用并删除双方 matched 状态的队列条目；幂等
	EndMatch(ctx context.Context, matchID string) error
	// RecentMatches 返回用户最近的配对（任意状态），新的在前
	RecentMatches(ctx context.Context, userID string, limit int) ([]*Match, error)
}

// AtomicRepo 是可选能力：在一次不可分割的操作里完成选人、双方置 matched、写入配对。
type AtomicRepo interface {
	// PairOldest 为 m.UserA 选出最早入队的 waiting 对方并原子成对，填充 m.UserB 与 m.MatchedOn。
	// m.UserA 不是 waiting 或没有可用对方时返回 (nil, nil)。
	// 存储不可达时返回包装了 ErrStoreUnavailable 的错误。
	PairOldest(ctx context.Context, m *Match) (*Match, error)
}
