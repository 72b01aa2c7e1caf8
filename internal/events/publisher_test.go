package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"PeerSupport/internal/matchmaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu   sync.Mutex
	subs []string
	msgs [][]byte
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, subject)
	f.msgs = append(f.msgs, data)
	return f.err
}

func TestPublisherMatchedAndEnded(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "support")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return at }

	m := &matchmaker.Match{ID: "m1", UserA: "a", UserB: "b", RoomID: "peer-room-1", MatchedOn: []string{"anxiety"}}
	p.Matched(m)
	p.Ended(m)

	require.Len(t, conn.msgs, 2)
	assert.Equal(t, []string{"support.matched", "support.ended"}, conn.subs)

	var ev MatchEvent
	require.NoError(t, json.Unmarshal(conn.msgs[0], &ev))
	assert.Equal(t, "matched", ev.Type)
	assert.Equal(t, "m1", ev.MatchID)
	assert.Equal(t, "peer-room-1", ev.RoomID)
	assert.Equal(t, [2]string{"a", "b"}, ev.Users)
	assert.Equal(t, []string{"anxiety"}, ev.MatchedOn)
	assert.True(t, at.Equal(ev.At))
}

func TestPublisherDefaultPrefixAndErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := NewPublisher(conn, "")

	assert.NotPanics(t, func() {
		p.Matched(&matchmaker.Match{ID: "m2", UserA: "a", UserB: "b"})
	})
	assert.Equal(t, []string{"peer.matched"}, conn.subs)
}

func TestConnectDisabledWithoutURL(t *testing.T) {
	nc, err := Connect("", "")
	assert.NoError(t, err)
	assert.Nil(t, nc)
}
