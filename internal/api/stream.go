package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/callaudio/internal/events"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/observability/metrics"
)

const (
	streamEndpoint   = "/api/v1/audio/stream"
	streamBuffer     = 16
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
	maxClientMessage = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type streamClient struct {
	send chan []byte
}

// Hub fans published call audio states out to websocket clients. It is
// registered on the event bus as the "websocket" consumer.
type Hub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	log     logger.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*streamClient]struct{}),
		log:     logger.Global().Module("api").Module("stream"),
	}
}

// Name implements events.EventConsumer.
func (h *Hub) Name() string { return "websocket" }

// ProcessEvent implements events.EventConsumer. Only audio state events
// are streamed; a client whose buffer is full misses the update.
func (h *Hub) ProcessEvent(event events.Event) error {
	e, ok := event.(events.AudioStateEvent)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(newAudioStateResponse(e.New))
	if err != nil {
		return err
	}
	h.broadcast(payload)
	return nil
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- payload:
		default:
			h.log.Debug("stream client too slow, update skipped")
		}
	}
}

func (h *Hub) register() *streamClient {
	cl := &streamClient{send: make(chan []byte, streamBuffer)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	return cl
}

func (h *Hub) unregister(cl *streamClient) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
}

// Clients returns the number of connected stream clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// StreamAudioState handles GET /api/v1/audio/stream. The current state is
// sent on connect, then every published state follows.
func (c *Controller) StreamAudioState(ctx echo.Context) error {
	conn, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		c.log.Debug("stream upgrade failed", logger.Error(err))
		return nil
	}
	defer conn.Close()

	cl := c.hub.register()
	defer c.hub.unregister(cl)

	start := time.Now()
	if c.metrics != nil {
		c.metrics.HTTP.WebsocketConnectionStarted(streamEndpoint)
	}
	reason := metrics.CloseReasonClosed
	defer func() {
		if c.metrics != nil {
			c.metrics.HTTP.WebsocketConnectionClosed(streamEndpoint, time.Since(start).Seconds(), reason)
		}
	}()

	readDone := make(chan struct{})
	go c.readPump(conn, readDone)

	initial, err := json.Marshal(newAudioStateResponse(c.engine.CurrentState()))
	if err != nil {
		reason = metrics.CloseReasonError
		return nil
	}
	if err := c.writeMessage(conn, websocket.TextMessage, initial); err != nil {
		reason = metrics.CloseReasonError
		return nil
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	reqCtx := ctx.Request().Context()
	for {
		select {
		case payload := <-cl.send:
			if err := c.writeMessage(conn, websocket.TextMessage, payload); err != nil {
				reason = metrics.CloseReasonError
				return nil
			}
		case <-ticker.C:
			if err := c.writeMessage(conn, websocket.PingMessage, nil); err != nil {
				reason = metrics.CloseReasonError
				return nil
			}
		case <-readDone:
			return nil
		case <-reqCtx.Done():
			reason = metrics.CloseReasonCanceled
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return nil
		}
	}
}

// readPump drains client frames so pongs and close frames are handled.
func (c *Controller) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("stream client read failed", logger.Error(err))
			}
			return
		}
	}
}

func (c *Controller) writeMessage(conn *websocket.Conn, messageType int, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(messageType, payload); err != nil {
		return err
	}
	if c.metrics != nil && messageType == websocket.TextMessage {
		c.metrics.HTTP.RecordWebsocketMessage(streamEndpoint, "state")
	}
	return nil
}
