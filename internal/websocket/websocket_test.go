package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(hub *Hub, id string, buf int) *Client {
	return &Client{UserID: id, Send: make(chan OutgoingMessage, buf), Hub: hub}
}

func recv(t *testing.T, c *Client) OutgoingMessage {
	t.Helper()
	select {
	case m, ok := <-c.Send:
		require.True(t, ok, "send channel closed for %s", c.UserID)
		return m
	case <-time.After(time.Second):
		t.Fatalf("%s received nothing", c.UserID)
	}
	return OutgoingMessage{}
}

func TestHubBroadcastToUsers(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	c1 := newClient(hub, "u-a", 1)
	c2 := newClient(hub, "u-b", 1)
	hub.register <- c1
	hub.register <- c2

	hub.BroadcastToUsers([]string{"u-a", "u-b"}, OutgoingMessage{
		Event: "matched",
		Data:  map[string]interface{}{"roomId": "room123"},
	})

	assert.Equal(t, "matched", recv(t, c1).Event)
	assert.Equal(t, "matched", recv(t, c2).Event)
}

func TestHubSendToUser(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	c1 := newClient(hub, "u-a", 1)
	c2 := newClient(hub, "u-b", 1)
	hub.register <- c1
	hub.register <- c2

	hub.SendToUser("u-a", OutgoingMessage{Event: "matched", Data: "hello A"})

	received := recv(t, c1)
	assert.Equal(t, "matched", received.Event)
	assert.Equal(t, "hello A", received.Data)

	// SendToUser 经过 hub 协程串行处理，再发一条给 B 作为屏障
	hub.SendToUser("u-b", OutgoingMessage{Event: "barrier"})
	assert.Equal(t, "barrier", recv(t, c2).Event)
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	c := newClient(hub, "u-a", 1)
	hub.register <- c
	assert.Eventually(t, func() bool { return hub.Online("u-a") }, time.Second, 5*time.Millisecond)

	hub.unregister <- c
	assert.Eventually(t, func() bool { return !hub.Online("u-a") }, time.Second, 5*time.Millisecond)

	_, ok := <-c.Send
	assert.False(t, ok, "send channel should be closed after unregister")
}

func TestHubReconnectReplacesOldClient(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	old := newClient(hub, "u-a", 1)
	fresh := newClient(hub, "u-a", 1)
	hub.register <- old
	hub.register <- fresh

	_, ok := <-old.Send
	assert.False(t, ok, "old connection should be closed")

	// 旧连接的迟到注销不能踢掉新连接
	hub.unregister <- old
	hub.SendToUser("u-a", OutgoingMessage{Event: "matched"})
	assert.Equal(t, "matched", recv(t, fresh).Event)
	assert.True(t, hub.Online("u-a"))
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	c := newClient(hub, "u-a", 1)
	hub.register <- c

	hub.SendToUser("u-a", OutgoingMessage{Event: "first"})
	hub.SendToUser("u-a", OutgoingMessage{Event: "second"}) // 丢弃，不阻塞 hub
	hub.BroadcastToUsers([]string{"u-a"}, OutgoingMessage{Event: "third"})

	assert.Equal(t, "first", recv(t, c).Event)
}

func TestHubIncoming(t *testing.T) {
	hub := NewHub()
	got := make(chan IncomingMessage, 1)
	hub.OnIncoming = func(m IncomingMessage) { got <- m }
	go hub.Run()
	defer hub.Close()

	hub.incoming <- IncomingMessage{From: "u-a", Event: "check_status"}

	select {
	case m := <-got:
		assert.Equal(t, "u-a", m.From)
		assert.Equal(t, "check_status", m.Event)
	case <-time.After(time.Second):
		t.Fatal("OnIncoming not called")
	}
}

func TestHubSendAfterCloseDoesNotBlock(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	hub.Close()

	done := make(chan struct{})
	go func() {
		hub.SendToUser("u-a", OutgoingMessage{Event: "late"})
		hub.BroadcastToUsers([]string{"u-a"}, OutgoingMessage{Event: "late"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send after close blocked")
	}
}

func BenchmarkHubSendToUser(b *testing.B) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	c := &Client{UserID: "u-bench", Send: make(chan OutgoingMessage, 1024), Hub: hub}
	go func() {
		for range c.Send {
		}
	}()
	hub.register <- c

	msg := OutgoingMessage{Event: "bench"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.SendToUser("u-bench", msg)
	}
}
