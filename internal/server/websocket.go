package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/qvote/internal/notify"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the API is token-authenticated, so origin is not a credential
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is a notify.Subscriber writing events to one websocket.
type wsClient struct {
	id   string
	send chan notify.Event
	done chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// newWSClient buffers events until attach hands it a connection.
func newWSClient() *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		send: make(chan notify.Event, wsSendBuffer),
		done: make(chan struct{}),
	}
}

// Deliver queues evt without blocking the bus. A full queue drops the event.
func (c *wsClient) Deliver(evt notify.Event) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- evt:
		return nil
	default:
		log.WithField("client_id", c.id).Warn("WebSocket client send buffer full, dropping event")
		return notify.ErrSlowSubscriber
	}
}

// attach reports false if the client was closed before the handshake.
func (c *wsClient) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return false
	}
	c.conn = conn
	return true
}

func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// readPump only handles control frames; it returns when the peer goes away.
func (c *wsClient) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).WithField("client_id", c.id).Warn("Unexpected WebSocket close")
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case evt := <-c.send:
			data, err := json.Marshal(evt)
			if err != nil {
				log.WithError(err).WithField("client_id", c.id).Error("Failed to marshal event")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(wsWriteWait))
			return
		}
	}
}

// handleWebsocket streams events for one or more ?topic= values. Every topic
// is authorized before the upgrade.
func (s *Server) handleWebsocket(c *gin.Context) {
	topics := c.QueryArray("topic")
	if len(topics) == 0 {
		badRequest(c, "topic is required")
		return
	}
	caller := callerFrom(c)
	for _, t := range topics {
		if err := caller.CanSubscribe(notify.Topic(t)); err != nil {
			writeError(c, err)
			return
		}
	}

	// Subscribe before the handshake so nothing published right after the
	// client sees 101 is missed.
	client := newWSClient()
	ids := make(map[notify.Topic]notify.SubscriberID, len(topics))
	for _, t := range topics {
		topic := notify.Topic(t)
		if _, dup := ids[topic]; dup {
			continue
		}
		ids[topic] = s.deps.Bus.RegisterSubscriber(topic, client)
	}
	defer func() {
		for topic, id := range ids {
			s.deps.Bus.Unsubscribe(topic, id)
		}
		client.Close()
	}()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to upgrade WebSocket connection")
		return
	}
	if !client.attach(conn) {
		return
	}
	log.WithFields(log.Fields{
		"client_id": client.id,
		"topics":    topics,
	}).Info("WebSocket client connected")
	defer log.WithField("client_id", client.id).Info("WebSocket client disconnected")

	go client.writePump()
	client.readPump()
}
