package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

type envelope struct {
	channel string
	data    []byte
}

// Hub keeps websocket clients and broadcasts trades to the ones subscribed
// to a pair. The clients map is owned by Run.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan envelope
	done       chan struct{}
}

// NewHub accepts connections from allowedOrigins, or from anywhere when empty.
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Hub{
		log: log.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
		},
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan envelope, sendBuffer),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.log.Debug("client connected", zap.String("client", c.id), zap.Int("total", len(h.clients)))

		case c := <-h.unregister:
			h.drop(c)

		case env := <-h.broadcast:
			for c := range h.clients {
				if !c.isSubscribed(env.channel) {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					// slow consumer
					h.drop(c)
				}
			}

		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return nil
		}
	}
}

func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.log.Debug("client disconnected", zap.String("client", c.id), zap.Int("total", len(h.clients)))
}

// PublishTrade queues t for subscribers of its pair. It never blocks the
// caller; events are dropped when the hub is saturated.
func (h *Hub) PublishTrade(_ context.Context, t models.Trade) error {
	data, err := json.Marshal(NewTradeEvent(t))
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- envelope{channel: TradeChannel(t.Pair), data: data}:
	default:
		h.log.Warn("broadcast buffer full, dropping trade", zap.String("trade", t.ID))
	}
	return nil
}

// ServeWS upgrades the request and starts the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

type subscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

type subscribeReply struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu        sync.RWMutex
	subscriptions map[string]bool
}

func (c *client) isSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *client) setSubscribed(channels []string, on bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range channels {
		if on {
			c.subscriptions[ch] = true
		} else {
			delete(c.subscriptions, ch)
		}
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debug("invalid message", zap.String("client", c.id), zap.Error(err))
			continue
		}
		switch req.Op {
		case "subscribe":
			c.setSubscribed(req.Channels, true)
		case "unsubscribe":
			c.setSubscribed(req.Channels, false)
		default:
			c.hub.log.Debug("unknown op", zap.String("client", c.id), zap.String("op", req.Op))
			continue
		}
		// send is closed only by Run, so replies go through the hub too
		reply, _ := json.Marshal(subscribeReply{Type: req.Op + "d", Channels: req.Channels})
		c.reply(reply)
	}
}

// reply delivers a message to this client only.
func (c *client) reply(data []byte) {
	ch := "client:" + c.id
	c.setSubscribed([]string{ch}, true)
	select {
	case c.hub.broadcast <- envelope{channel: ch, data: data}:
	case <-c.hub.done:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
