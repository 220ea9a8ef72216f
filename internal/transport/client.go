package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"StampLedger/internal/event"
	"StampLedger/internal/observability"
)

// ClientConfig holds WebSocket tuning for the dialing side.
type ClientConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	InboundBuffer  int

	// ReconnectMin/Max bound the dial backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 16 << 20,
		SendBuffer:     256,
		InboundBuffer:  1024,
		ReconnectMin:   500 * time.Millisecond,
		ReconnectMax:   15 * time.Second,
	}
}

// Client maintains the connection to the authoritative peer, redialing
// with backoff and requesting a snapshot after every reconnect. It
// implements core.Proposer; inbound messages are queued for the session
// loop.
type Client struct {
	url     string
	author  uuid.UUID
	config  ClientConfig
	metrics *observability.Metrics
	log     zerolog.Logger

	mu   sync.RWMutex
	conn *websocket.Conn
	send chan []byte

	inbound chan Message
}

func NewClient(url string, author uuid.UUID, config ClientConfig, metrics *observability.Metrics) *Client {
	return &Client{
		url:     url,
		author:  author,
		config:  config,
		metrics: metrics,
		log:     observability.NewLogger("transport_client").With().Str("author", author.String()).Logger(),
		inbound: make(chan Message, config.InboundBuffer),
	}
}

// Inbound returns the queue the session loop drains once per tick.
// Confirmed/Rejected/Snapshot/StampData messages arrive here.
func (c *Client) Inbound() <-chan Message { return c.inbound }

// Run dials the host and keeps the connection alive until the context
// is cancelled. Each (re)connect announces the author with Resync set,
// so the session loop restores from the snapshot that follows.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.config.ReconnectMin
	first := true

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !first {
			if c.metrics != nil {
				c.metrics.Reconnects.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.ReconnectMax {
				backoff = c.config.ReconnectMax
			}
		}
		first = false

		if err := c.connectOnce(ctx); err != nil {
			c.log.Warn().Err(err).Dur("backoff", backoff).Msg("connection lost, retrying")
			continue
		}
		backoff = c.config.ReconnectMin
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(c.config.MaxMessageSize)

	send := make(chan []byte, c.config.SendBuffer)
	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.mu.Unlock()

	hello := Message{Type: MsgHello, Hello: &Hello{AuthorID: c.author, Resync: true}}
	data, _ := json.Marshal(hello)
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}
	c.log.Info().Msg("connected to host")

	done := make(chan struct{})
	go c.writePump(conn, send, done)
	err = c.readPump(ctx, conn)
	close(done)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.send = nil
	}
	c.mu.Unlock()
	conn.Close()
	return err
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("bad message from host, dropping")
			continue
		}
		if err := msg.Validate(); err != nil {
			c.log.Warn().Err(err).Msg("invalid message from host, dropping")
			continue
		}
		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg Message) error {
	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()
	if send == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	select {
	case send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// SendProposePlace implements core.Proposer.
func (c *Client) SendProposePlace(p event.ProposePlace) error {
	return c.sendMessage(Message{Type: MsgProposePlace, ProposePlace: &p})
}

// SendProposeRemove implements core.Proposer.
func (c *Client) SendProposeRemove(p event.ProposeRemove) error {
	return c.sendMessage(Message{Type: MsgProposeRemove, ProposeRemove: &p})
}

// SendStampData uploads raw source bytes so the host (and through it,
// every peer) can decode the fingerprint before a proposal references
// it.
func (c *Client) SendStampData(sd StampData) error {
	return c.sendMessage(Message{Type: MsgStampData, StampData: &sd})
}

// RequestSnapshot asks the host for a resync snapshot.
func (c *Client) RequestSnapshot() error {
	return c.sendMessage(Message{Type: MsgSnapshotRequest})
}
