package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/meshroom/internal/adapter/driven/codec"
	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/port"
	"github.com/Wyydra/meshroom/internal/core/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Limits bounds each websocket connection.
type Limits struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendQueue      int
}

func DefaultLimits() Limits {
	return Limits{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendQueue:      256,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.WriteWait <= 0 {
		l.WriteWait = d.WriteWait
	}
	if l.PongWait <= 0 {
		l.PongWait = d.PongWait
	}
	if l.PingPeriod <= 0 || l.PingPeriod >= l.PongWait {
		l.PingPeriod = (l.PongWait * 9) / 10
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = d.MaxMessageSize
	}
	if l.SendQueue <= 0 {
		l.SendQueue = d.SendQueue
	}
	return l
}

var errClientClosed = errors.New("client closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Room membership is not authenticated; any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is one relay-side websocket connection.
type WSClient struct {
	id     domain.ConnID
	conn   *websocket.Conn
	codec  codec.Codec
	limits Limits
	log    zerolog.Logger

	send      chan domain.Event
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *WSClient) ID() domain.ConnID {
	return c.id
}

func (c *WSClient) Send(ev domain.Event) error {
	select {
	case <-c.closed:
		return errClientClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return port.ErrSlowConsumer
	}
}

// Close asks the write pump to send a close frame and drop the connection.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// ServeWS upgrades the request and pumps events between the socket and the relay.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	cd, err := codec.ByName(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	clientID := domain.NewConnID()
	l := h.log.With().Str("conn_id", clientID.String()).Str("codec", cd.Name()).Logger()
	client := &WSClient{
		id:     clientID,
		conn:   conn,
		codec:  cd,
		limits: h.Limits,
		log:    l,
		send:   make(chan domain.Event, h.Limits.SendQueue),
		closed: make(chan struct{}),
	}
	l.Info().Str("remote_addr", r.RemoteAddr).Msg("New client connected")

	h.Relay.Register(client)
	go client.writePump()

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Relay.Unregister(client)
		_ = client.Close()
	}()

	client.readPump(h.Relay)
}

func (c *WSClient) readPump(relay *service.Relay) {
	c.conn.SetReadLimit(c.limits.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.limits.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.limits.PongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		if msgType != c.codec.FrameType() {
			c.reject("unsupported_frame", "frame type does not match negotiated codec")
			continue
		}

		ev, err := c.codec.Decode(data)
		if err != nil {
			c.reject("invalid_event", err.Error())
			continue
		}
		if err := ev.ValidateInbound(); err != nil {
			c.reject("invalid_event", err.Error())
			continue
		}
		relay.Dispatch(c, ev)
	}
}

func (c *WSClient) reject(code, message string) {
	c.log.Warn().Str("code", code).Str("reason", message).Msg("Rejected client message")
	if err := c.Send(domain.ErrorEvent(code, message)); err != nil {
		c.log.Debug().Err(err).Msg("Failed to queue error event")
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.limits.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			if !c.write(ev) {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			// Flush what was queued before Close, e.g. a participant-left.
			for drained := false; !drained; {
				select {
				case ev := <-c.send:
					if !c.write(ev) {
						return
					}
				default:
					drained = true
				}
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.limits.WriteWait))
			return
		}
	}
}

// write sends one event and reports whether the connection is still usable.
func (c *WSClient) write(ev domain.Event) bool {
	data, err := c.codec.Encode(ev)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(ev.Type)).Msg("Error encoding event")
		return true
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteWait))
	if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
		c.log.Debug().Err(err).Msg("Error writing event")
		return false
	}
	return true
}
