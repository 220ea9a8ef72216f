package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"StampLedger/internal/event"
	"StampLedger/internal/observability"
)

// HostConfig holds WebSocket tuning for the host listener.
type HostConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	InboundBuffer  int
}

// DefaultHostConfig returns host defaults. MaxMessageSize must fit a
// StampData upload, not just control traffic.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 16 << 20,
		SendBuffer:     256,
		InboundBuffer:  1024,
	}
}

// Inbound is a decoded message tagged with its origin, queued for the
// session loop. All ledger mutation happens when the loop drains these,
// never on the read goroutine.
type Inbound struct {
	From uuid.UUID
	Msg  Message
}

type hostPeer struct {
	author uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	// done signals the writePump to finish. The send channel is never
	// closed: deliver may race unregister between its peer snapshot and
	// the enqueue, and a send on a closed channel would panic the host.
	done chan struct{}
}

// Host accepts peer connections for the authoritative role. It
// implements core.Broadcaster.
type Host struct {
	config   HostConfig
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	log      zerolog.Logger

	mu    sync.RWMutex
	peers map[uuid.UUID]*hostPeer

	inbound chan Inbound
}

func NewHost(config HostConfig, metrics *observability.Metrics) *Host {
	return &Host{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: metrics,
		log:     observability.NewLogger("transport_host"),
		peers:   make(map[uuid.UUID]*hostPeer),
		inbound: make(chan Inbound, config.InboundBuffer),
	}
}

// Inbound returns the queue the session loop drains once per tick.
func (h *Host) Inbound() <-chan Inbound { return h.inbound }

// Handler upgrades incoming peer connections. The first message must be
// a Hello identifying the author.
func (h *Host) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		conn.SetReadLimit(h.config.MaxMessageSize)
		conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))

		var hello Message
		if err := conn.ReadJSON(&hello); err != nil || hello.Type != MsgHello || hello.Hello == nil {
			h.log.Warn().Err(err).Msg("peer did not identify, closing")
			conn.Close()
			return
		}

		peer := &hostPeer{
			author: hello.Hello.AuthorID,
			conn:   conn,
			send:   make(chan []byte, h.config.SendBuffer),
			done:   make(chan struct{}),
		}
		h.register(peer)

		// Surface the Hello so the session loop can serve a snapshot.
		h.enqueue(Inbound{From: peer.author, Msg: hello})

		go h.writePump(peer)
		go h.readPump(peer)

		h.log.Info().Str("author", peer.author.String()).Msg("peer connected")
	})
}

func (h *Host) register(peer *hostPeer) {
	h.mu.Lock()
	if prev, ok := h.peers[peer.author]; ok {
		// Reconnect replaces the stale connection. Closing done here is
		// safe: unregister only closes it while prev still owns the map
		// slot, and it no longer does.
		close(prev.done)
		prev.conn.Close()
	}
	h.peers[peer.author] = peer
	count := len(h.peers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.PeersConnected.Set(float64(count))
	}
}

func (h *Host) unregister(peer *hostPeer) {
	h.mu.Lock()
	if h.peers[peer.author] == peer {
		delete(h.peers, peer.author)
		close(peer.done)
	}
	count := len(h.peers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.PeersConnected.Set(float64(count))
	}
}

func (h *Host) readPump(peer *hostPeer) {
	defer func() {
		h.unregister(peer)
		peer.conn.Close()
		h.log.Info().Str("author", peer.author.String()).Msg("peer disconnected")
	}()

	peer.conn.SetPongHandler(func(string) error {
		peer.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		return nil
	})

	for {
		peer.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn().Err(err).Str("author", peer.author.String()).Msg("bad message, dropping")
			continue
		}
		if err := msg.Validate(); err != nil {
			h.log.Warn().Err(err).Str("author", peer.author.String()).Msg("invalid message, dropping")
			continue
		}
		h.enqueue(Inbound{From: peer.author, Msg: msg})
	}
}

func (h *Host) enqueue(in Inbound) {
	select {
	case h.inbound <- in:
	default:
		// The session loop is stalled; dropping a proposal is safe (the
		// peer retries), dropping control traffic forces a resync.
		h.log.Warn().Str("author", in.From.String()).Str("type", string(in.Msg.Type)).
			Msg("inbound queue full, dropping message")
	}
}

func (h *Host) writePump(peer *hostPeer) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		peer.conn.Close()
	}()

	for {
		select {
		case <-peer.done:
			peer.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			peer.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-peer.send:
			peer.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := peer.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			peer.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := peer.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendTo marshals once and queues to a single peer; a full buffer drops
// the peer rather than stalling the session.
func (h *Host) sendTo(author uuid.UUID, msg Message) {
	h.mu.RLock()
	peer, ok := h.peers[author]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.deliver(peer, msg)
}

func (h *Host) deliver(peer *hostPeer, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal outbound message")
		return
	}
	select {
	case peer.send <- data:
	default:
		h.log.Warn().Str("author", peer.author.String()).Msg("send buffer full, dropping peer")
		if h.metrics != nil {
			h.metrics.BroadcastDrops.Inc()
		}
		h.unregister(peer)
		peer.conn.Close()
	}
}

// BroadcastConfirmed fans a confirmed envelope out to every connected
// peer. Implements core.Broadcaster.
func (h *Host) BroadcastConfirmed(env event.Envelope) {
	h.broadcast(Message{Type: MsgConfirmed, Confirmed: &env}, uuid.Nil)
}

// SendRejected routes a rejection to the proposal's origin only.
// Implements core.Broadcaster.
func (h *Host) SendRejected(authorID uuid.UUID, rej event.Rejected) {
	h.sendTo(authorID, Message{Type: MsgRejected, Rejected: &rej})
}

// SendSnapshot serves a resync snapshot to one peer.
func (h *Host) SendSnapshot(authorID uuid.UUID, snap event.Snapshot) {
	h.sendTo(authorID, Message{Type: MsgSnapshotResponse, Snapshot: &snap})
	if h.metrics != nil {
		h.metrics.SnapshotsServed.Inc()
	}
}

// RelayStampData forwards uploaded stamp bytes to every peer except the
// uploader, so all peers can decode the fingerprint locally.
func (h *Host) RelayStampData(sd StampData, except uuid.UUID) {
	h.broadcast(Message{Type: MsgStampData, StampData: &sd}, except)
}

func (h *Host) broadcast(msg Message, except uuid.UUID) {
	h.mu.RLock()
	targets := make([]*hostPeer, 0, len(h.peers))
	for author, peer := range h.peers {
		if author == except {
			continue
		}
		targets = append(targets, peer)
	}
	h.mu.RUnlock()

	for _, peer := range targets {
		h.deliver(peer, msg)
	}
}

// Close drops all peer connections.
func (h *Host) Close() {
	h.mu.Lock()
	peers := make([]*hostPeer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[uuid.UUID]*hostPeer)
	h.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
}
