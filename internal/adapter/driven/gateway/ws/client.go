package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/meshroom/internal/adapter/driven/codec"
	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("signaling client closed")

type Options struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Codec string

	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendQueue      int
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	return o
}

// Client is the coordinator's connection to the relay. Room events are
// delivered on Events; call signals addressed to this participant are
// delivered on Signals for the peer layer.
type Client struct {
	conn  *websocket.Conn
	codec codec.Codec
	opts  Options
	log   zerolog.Logger

	send    chan domain.Event
	events  chan domain.Event
	signals chan domain.Event

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func Dial(ctx context.Context, opts Options, logger zerolog.Logger) (*Client, error) {
	opts = opts.withDefaults()
	cd, err := codec.ByName(opts.Codec)
	if err != nil {
		return nil, err
	}

	u := opts.URL
	if opts.Codec != "" {
		u = fmt.Sprintf("%s?codec=%s", u, cd.Name())
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %s", domain.ErrTransport, opts.URL, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransport, opts.URL, err)
	}

	c := &Client{
		conn:    conn,
		codec:   cd,
		opts:    opts,
		log:     logger.With().Str("component", "signaling").Str("codec", cd.Name()).Logger(),
		send:    make(chan domain.Event, opts.SendQueue),
		events:  make(chan domain.Event, opts.SendQueue),
		signals: make(chan domain.Event, opts.SendQueue),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.log.Info().Str("url", opts.URL).Msg("Connected to relay")

	go c.writePump()
	go c.readPump()
	return c, nil
}

// Send queues ev for the relay. It blocks only while the queue is full.
func (c *Client) Send(ctx context.Context, ev domain.Event) error {
	if err := ev.ValidateInbound(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.done:
		return c.Err()
	default:
	}
	select {
	case c.send <- ev:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Events() <-chan domain.Event {
	return c.events
}

// Signals carries call-signal events. It is closed together with Events.
func (c *Client) Signals() <-chan domain.Event {
	return c.signals
}

// Err reports why the connection dropped, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteWait))
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Client) readPump() {
	defer func() {
		close(c.events)
		close(c.signals)
		close(c.done)
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				c.setErr(ErrClosed)
			default:
				c.log.Warn().Err(err).Msg("Relay connection lost")
				c.setErr(err)
			}
			return
		}
		if msgType != c.codec.FrameType() {
			c.log.Warn().Int("frame_type", msgType).Msg("Ignoring frame with unexpected type")
			continue
		}
		ev, err := c.codec.Decode(data)
		if err == nil {
			err = ev.ValidateOutbound()
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("Ignoring malformed relay event")
			continue
		}

		out := c.events
		if ev.Type == domain.EventCallSignal {
			out = c.signals
		}
		select {
		case out <- ev:
		case <-c.closed:
			c.setErr(ErrClosed)
			return
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case ev := <-c.send:
			data, err := c.codec.Encode(ev)
			if err != nil {
				c.log.Error().Err(err).Str("type", string(ev.Type)).Msg("Error encoding event")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				c.log.Debug().Err(err).Msg("Error writing event")
				_ = c.conn.Close()
				return
			}
		case <-c.closed:
			return
		case <-c.done:
			return
		}
	}
}
