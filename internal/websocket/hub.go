package websocket

import (
	"sync"

	"PeerSupport/internal/utils"
)

type HubInterface interface {
	BroadcastToUsers(userIDs []string, msg OutgoingMessage)
	SendToUser(userID string, msg OutgoingMessage)
	Online(userID string) bool
	Close()
}

// Hub 持有在线连接；同一用户只保留最新一条连接
type Hub struct {
	clients    map[string]*Client // userID -> client
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastReq
	sendOne    chan sendReq
	incoming   chan IncomingMessage
	OnIncoming func(IncomingMessage)
	quit       chan struct{}
	mu         sync.RWMutex
}

type broadcastReq struct {
	UserIDs []string
	Message OutgoingMessage
}

type sendReq struct {
	UserID  string
	Message OutgoingMessage
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastReq),
		sendOne:    make(chan sendReq),
		incoming:   make(chan IncomingMessage),
		quit:       make(chan struct{}),
	}
}

// deliver 不阻塞 hub：慢客户端的消息直接丢弃，客户端仍可轮询 check_status
func deliver(c *Client, msg OutgoingMessage) {
	select {
	case c.Send <- msg:
	default:
		utils.Log.Warn("hub: send buffer full, dropping", "user", c.UserID, "event", msg.Event)
	}
}

func (h *Hub) Run() {
	utils.Log.Info("hub started")

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[c.UserID]; ok && old != c {
				close(old.Send)
			}
			h.clients[c.UserID] = c
			utils.Log.Debug("hub register", "user", c.UserID, "online", len(h.clients))
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[c.UserID]; ok && cur == c {
				delete(h.clients, c.UserID)
				close(c.Send)
				utils.Log.Debug("hub unregister", "user", c.UserID, "online", len(h.clients))
			}
			h.mu.Unlock()

		case req := <-h.broadcast:
			h.mu.RLock()
			for _, id := range req.UserIDs {
				if client, ok := h.clients[id]; ok {
					deliver(client, req.Message)
				}
			}
			h.mu.RUnlock()

		case req := <-h.sendOne:
			h.mu.RLock()
			if client, ok := h.clients[req.UserID]; ok {
				deliver(client, req.Message)
			}
			h.mu.RUnlock()

		case req := <-h.incoming:
			if h.OnIncoming != nil {
				h.OnIncoming(req)
			}

		case <-h.quit:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.Send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// BroadcastToUsers sends the same message to every listed user that is online.
func (h *Hub) BroadcastToUsers(userIDs []string, msg OutgoingMessage) {
	select {
	case h.broadcast <- broadcastReq{UserIDs: userIDs, Message: msg}:
	case <-h.quit:
	}
}

// SendToUser is safe for concurrent use.
func (h *Hub) SendToUser(userID string, msg OutgoingMessage) {
	select {
	case h.sendOne <- sendReq{UserID: userID, Message: msg}:
	case <-h.quit:
	}
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

func (h *Hub) Close() {
	close(h.quit)
}
