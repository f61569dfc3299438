// Package feed streams market events to websocket clients and serves a small
// read-only JSON API over the hosted worlds.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gexchange/logger"
	"gexchange/models"
)

const (
	MessageSale   = "sale"
	MessageExpiry = "expiry"
)

// Message is the JSON frame sent to clients.
type Message struct {
	Type   string              `json:"type"`
	World  string              `json:"world"`
	Sale   *models.SaleEvent   `json:"sale,omitempty"`
	Expiry *models.ExpiryEvent `json:"expiry,omitempty"`
}

type HubStats struct {
	Clients   int64
	Broadcast int64
	Delivered int64
	Dropped   int64
}

type client struct {
	conn  *websocket.Conn
	send  chan []byte
	world string
	item  string
}

func (c *client) wants(m Message) bool {
	if c.world != "" && c.world != m.World {
		return false
	}
	if c.item == "" {
		return true
	}
	switch {
	case m.Sale != nil:
		return m.Sale.ItemKind == c.item
	case m.Expiry != nil:
		return m.Expiry.ItemKind == c.item
	}
	return false
}

// Hub fans events out to every connected client. A client whose buffer is
// full misses the frame.
type Hub struct {
	sales    <-chan models.SaleEvent
	expiries <-chan models.ExpiryEvent

	upgrader     websocket.Upgrader
	clientBuffer int
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
	log     *logger.Log

	clientCount atomic.Int64
	broadcast   atomic.Int64
	delivered   atomic.Int64
	dropped     atomic.Int64
}

func NewHub(sales <-chan models.SaleEvent, expiries <-chan models.ExpiryEvent, clientBuffer int, writeTimeout time.Duration) *Hub {
	if clientBuffer <= 0 {
		clientBuffer = 64
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{
		sales:    sales,
		expiries: expiries,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clientBuffer: clientBuffer,
		writeTimeout: writeTimeout,
		clients:      make(map[*client]struct{}),
		log:          logger.GetLogger(),
	}
}

// Run broadcasts events until ctx is done or both event channels are closed,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	sales, expiries := h.sales, h.expiries
	for sales != nil || expiries != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sales:
			if !ok {
				sales = nil
				continue
			}
			h.Broadcast(Message{Type: MessageSale, World: ev.World, Sale: &ev})
		case ev, ok := <-expiries:
			if !ok {
				expiries = nil
				continue
			}
			h.Broadcast(Message{Type: MessageExpiry, World: ev.World, Expiry: &ev})
		}
	}
}

func (h *Hub) Broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		h.log.WithComponent("feed").WithError(err).Error("failed to encode feed message")
		return
	}
	h.broadcast.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(m) {
			continue
		}
		select {
		case c.send <- data:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

// ServeHTTP upgrades the request. The optional world and item query
// parameters restrict the frames the client receives.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithComponent("feed").WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &client{
		conn:  conn,
		send:  make(chan []byte, h.clientBuffer),
		world: r.URL.Query().Get("world"),
		item:  r.URL.Query().Get("item"),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.clientCount.Add(1)

	h.log.WithComponent("feed").WithFields(logger.Fields{
		"remote": r.RemoteAddr,
		"world":  c.world,
		"item":   c.item,
	}).Debug("feed client connected")

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.clientCount.Add(-1)
	}
	h.mu.Unlock()
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readPump discards client frames and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		h.clientCount.Add(-1)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients:   h.clientCount.Load(),
		Broadcast: h.broadcast.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}
