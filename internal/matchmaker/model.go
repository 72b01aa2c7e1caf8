package matchmaker

import (
	"errors"
	"time"
)

// EntryStatus 队列条目状态
type EntryStatus string

const (
	EntryWaiting EntryStatus = "waiting"
	EntryMatched EntryStatus = "matched"
)

// MatchStatus 配对状态
type MatchStatus string

const (
	MatchActive MatchStatus = "active"
	MatchEnded  MatchStatus = "ended"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrStoreUnavailable = errors.New("match store unavailable")
	ErrRaceLost         = errors.New("match race lost")
	ErrMatchConflict    = errors.New("participant already in an active match")
	ErrNotParticipant   = errors.New("user is not a participant of this match")
)

// WaitingEntry 一个用户在匹配队列中的记录（每个用户至多一条）
type WaitingEntry struct {
	UserID    string      `json:"user_id"`
	Interests []string    `json:"interests"`
	Status    EntryStatus `json:"status"`
	JoinedAt  time.Time   `json:"joined_at"`
}

// Match 已成立的一对一配对
type Match struct {
	ID        string      `json:"id"`
	UserA     string      `json:"user_a"`
	UserB     string      `json:"user_b"`
	RoomID    string      `json:"room_id"`
	MatchedOn []string    `json:"matched_on"`
	Status    MatchStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Peer 返回 user 在该配对中的对方；user 不在配对中时返回 ""。
func (m *Match) Peer(user string) string {
	switch user {
	case m.UserA:
		return m.UserB
	case m.UserB:
		return m.UserA
	}
	return ""
}

func (m *Match) Has(user string) bool {
	return m.Peer(user) != ""
}

// ResultKind 匹配器返回值的标签
type ResultKind int

const (
	NoMatch ResultKind = iota
	Matched
	Unavailable
	RaceLost
)

func (k ResultKind) String() string {
	switch k {
	case Matched:
		return "matched"
	case Unavailable:
		return "unavailable"
	case RaceLost:
		return "race_lost"
	}
	return "no_match"
}

// MatchResult 是匹配器的带标签返回值；编排层按 Kind 选择下一步，而不是按 error。
// Err 只用于日志。
type MatchResult struct {
	Kind  ResultKind
	Match *Match
	Err   error
}

// State 客户端可见的匹配状态
type State string

const (
	StateWaiting State = "waiting"
	StateMatched State = "matched"
)

// Outcome 是 JoinQueue / CheckStatus 的结果
type Outcome struct {
	State   State
	PeerID  string
	RoomID  string
	MatchID string
}

func waiting() Outcome { return Outcome{State: StateWaiting} }

func matchedFor(user string, m *Match) Outcome {
	return Outcome{State: StateMatched, PeerID: m.Peer(user), RoomID: m.RoomID, MatchID: m.ID}
}

// Connection 是 stats 中返回的一条最近会话
type Connection struct {
	ID        string      `json:"id"`
	Topic     string      `json:"type"`
	Status    MatchStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Stats 在线人数与最近会话
type Stats struct {
	OnlineUsers       int64        `json:"onlineUsers"`
	RecentConnections []Connection `json:"recentConnections"`
}

// PeerMatchRequest 单入口请求，按 action 分发
type PeerMatchRequest struct {
	Action    string   `json:"action"`
	Interests []string `json:"interests"`
}

// JoinRequest 入队请求
type JoinRequest struct {
	Interests []string `json:"interests"`
}

// EndRequest 结束会话
type EndRequest struct {
	MatchID string `json:"matchId" binding:"required"`
}

// TokenRequest 申请房间凭证
type TokenRequest struct {
	RoomName string `json:"roomName" binding:"required"`
	CallType string `json:"callType"`
}

// MatchView 客户端看到的对方信息（匿名）
type MatchView struct {
	ID     string `json:"id"`
	Alias  string `json:"alias"`
	Mood   string `json:"mood,omitempty"`
	RoomID string `json:"roomId"`
}

// StatusResponse join_queue / check_status 的返回
type StatusResponse struct {
	Status  State      `json:"status"`
	PeerID  string     `json:"peer_id,omitempty"`
	RoomID  string     `json:"room_id,omitempty"`
	MatchID string     `json:"match_id,omitempty"`
	Match   *MatchView `json:"match,omitempty"`
}

const (
	anonymousAlias = "Anonymous Peer"
	peerMood       = "Ready to listen"
)

func NewStatusResponse(o Outcome) StatusResponse {
	if o.State != StateMatched {
		return StatusResponse{Status: StateWaiting}
	}
	return StatusResponse{
		Status:  StateMatched,
		PeerID:  o.PeerID,
		RoomID:  o.RoomID,
		MatchID: o.MatchID,
		Match:   &MatchView{ID: o.PeerID, Alias: anonymousAlias, Mood: peerMood, RoomID: o.RoomID},
	}
}

// OutcomeFromResponse 由 HTTP 返回还原 Outcome（客户端轮询用）
func OutcomeFromResponse(r StatusResponse) Outcome {
	if r.Status != StateMatched {
		return waiting()
	}
	o := Outcome{State: StateMatched, PeerID: r.PeerID, RoomID: r.RoomID, MatchID: r.MatchID}
	if r.Match != nil {
		if o.PeerID == "" {
			o.PeerID = r.Match.ID
		}
		if o.RoomID == "" {
			o.RoomID = r.Match.RoomID
		}
	}
	return o
}
