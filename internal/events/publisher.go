package events

import (
	"encoding/json"
	"time"

	"PeerSupport/internal/matchmaker"
	"PeerSupport/internal/utils"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// MatchEvent is published on <prefix>.matched and <prefix>.ended for the
// session-lifecycle service. Only that service reads matches outside the matchmaker.
type MatchEvent struct {
	Type      string    `json:"type"`
	MatchID   string    `json:"match_id"`
	RoomID    string    `json:"room_id"`
	Users     [2]string `json:"users"`
	MatchedOn []string  `json:"matched_on,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher struct {
	conn   Conn
	prefix string
	now    func() time.Time
}

func NewPublisher(conn Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "peer"
	}
	return &Publisher{conn: conn, prefix: prefix, now: time.Now}
}

func (p *Publisher) publish(kind string, m *matchmaker.Match) {
	ev := MatchEvent{
		Type:      kind,
		MatchID:   m.ID,
		RoomID:    m.RoomID,
		Users:     [2]string{m.UserA, m.UserB},
		MatchedOn: m.MatchedOn,
		At:        p.now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		utils.Log.Error("encode match event", "err", err)
		return
	}
	subject := p.prefix + "." + kind
	if err := p.conn.Publish(subject, data); err != nil {
		utils.Log.Error("publish match event", "subject", subject, "match", m.ID, "err", err)
	}
}

func (p *Publisher) Matched(m *matchmaker.Match) { p.publish("matched", m) }

func (p *Publisher) Ended(m *matchmaker.Match) { p.publish("ended", m) }
