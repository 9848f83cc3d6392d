package broker

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/logging"
	"github.com/lcwei/shelfsync/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The relay only serves contexts of the local application.
		return true
	},
}

// hubClient is one connected execution context.
type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// relayed is a raw message together with its sender, so the hub can skip
// echoing it back.
type relayed struct {
	from string
	data []byte
}

// Hub relays broadcast-channel messages between connected contexts. Every
// message a client posts is forwarded verbatim to all other clients, giving
// the same semantics as the in-process bus across processes.
type Hub struct {
	clients    map[string]*hubClient
	relay      chan relayed
	register   chan *hubClient
	unregister chan *hubClient
}

// NewHub creates a Hub and starts its relay loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*hubClient),
		relay:      make(chan relayed, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client.id] = client
			logging.Debug("relay client connected", map[string]interface{}{
				"client": client.id,
				"total":  len(h.clients),
			})

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			logging.Debug("relay client disconnected", map[string]interface{}{
				"client": client.id,
				"total":  len(h.clients),
			})

		case msg := <-h.relay:
			for id, client := range h.clients {
				if id == msg.from {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Send buffer full; drop the connection.
					close(client.send)
					delete(h.clients, id)
				}
			}
		}
	}
}

// Handler returns the HTTP handler upgrading connections into the relay.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("failed to upgrade relay connection", err)
			return
		}
		client := &hubClient{
			id:   uuid.New(),
			conn: conn,
			send: make(chan []byte, 256),
			hub:  h,
		}
		h.register <- client
		go client.writePump()
		go client.readPump()
	}
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("relay read error", map[string]interface{}{"error": err.Error()})
			}
			break
		}
		c.hub.relay <- relayed{from: c.id, data: message}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WSChannel is a Channel backed by a websocket connection to a relay hub.
type WSChannel struct {
	conn    *websocket.Conn
	in      chan Message
	writeMu sync.Mutex
	once    sync.Once
}

// Dial connects a new channel endpoint to the relay at url.
func Dial(url string) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "dial relay", err)
	}
	ch := &WSChannel{
		conn: conn,
		in:   make(chan Message, endpointBuffer),
	}
	go ch.readLoop()
	return ch, nil
}

// readLoop is the sole sender on c.in and the sole goroutine that closes
// it, so an external Close can never race a send on a closed channel.
func (c *WSChannel) readLoop() {
	defer close(c.in)
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case c.in <- msg:
		default:
			logging.Warn("dropping relay message, inbox full", map[string]interface{}{
				"type":      msg.Type,
				"messageId": msg.MessageID,
			})
		}
	}
}

// Post sends a message to every other connected context via the relay.
func (c *WSChannel) Post(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return apperrors.Wrap(apperrors.ErrChannelClosed, "post to relay", err)
	}
	return nil
}

// Receive returns the inbound message stream.
func (c *WSChannel) Receive() <-chan Message {
	return c.in
}

// Close tears the endpoint down. The inbound stream is closed by readLoop
// once the connection unblocks it.
func (c *WSChannel) Close() error {
	c.once.Do(func() { c.conn.Close() })
	return nil
}
