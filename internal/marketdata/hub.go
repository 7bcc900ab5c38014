package marketdata

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/matching-engine/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// client is one websocket connection. An empty market subscribes to all.
type client struct {
	conn   *websocket.Conn
	market string
	send   chan []byte
}

func (c *client) wants(market string) bool {
	return c.market == "" || c.market == market
}

type outbound struct {
	market string
	data   []byte
}

// Hub fans market data out to websocket clients. Clients pick a market with
// ?market=<id>; each new client first receives the latest snapshot of the
// markets it follows.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu     sync.RWMutex
	latest map[string][]byte

	count atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		latest:     make(map[string][]byte),
	}
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "market", c.market, "total", len(h.clients))
			h.replay(c)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(msg.market) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow consumer.
					metrics.MarketDataDropped.WithLabelValues("ws").Inc()
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Add(-1)
	metrics.WebSocketClients.Dec()
}

func (h *Hub) replay(c *client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for market, data := range h.latest {
		if !c.wants(market) {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

func (h *Hub) PublishBook(_ context.Context, s BookSnapshot) error {
	data, err := encode(KindDepth, s.Market, s)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.latest[s.Market] = data
	h.mu.Unlock()
	h.enqueue(outbound{market: s.Market, data: data})
	return nil
}

func (h *Hub) PublishTrade(_ context.Context, t TradePrint) error {
	data, err := encode(KindTrade, t.Market, t)
	if err != nil {
		return err
	}
	h.enqueue(outbound{market: t.Market, data: data})
	return nil
}

func (h *Hub) enqueue(msg outbound) {
	select {
	case h.broadcast <- msg:
	default:
		metrics.MarketDataDropped.WithLabelValues("ws").Inc()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		conn:   conn,
		market: r.URL.Query().Get("market"),
		send:   make(chan []byte, 64),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump detects disconnects. Clients never send anything meaningful.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
