package main

import (
	"StampLedger/internal/cache"
	"StampLedger/internal/core"
	"StampLedger/internal/event"
	"StampLedger/internal/feed"
	"StampLedger/internal/observability"
	"StampLedger/internal/persistence"
	"StampLedger/internal/render"
	"StampLedger/internal/transport"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Role: "host" runs the authoritative peer, "client" dials one.
	Role string

	// Host role: WebSocket listen address. Client role: host URL.
	ListenAddr string
	HostURL    string

	// AuthorID pins the peer identity across restarts; empty generates
	// a fresh one.
	AuthorID string

	// SQLite stamp store path.
	StorePath string

	// Decoded-frame cache budget in bytes.
	CacheBudget int64

	// NATS feed; empty disables publishing.
	NATSURL string

	MetricsAddr string

	// TickInterval paces the session loop (playback + inbound drain).
	TickInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Role:         envOrDefault("STAMP_ROLE", "host"),
		ListenAddr:   envOrDefault("STAMP_LISTEN_ADDR", ":7420"),
		HostURL:      envOrDefault("STAMP_HOST_URL", "ws://localhost:7420/ws"),
		AuthorID:     os.Getenv("STAMP_AUTHOR_ID"),
		StorePath:    envOrDefault("STAMP_STORE_PATH", "stamps.db"),
		CacheBudget:  int64(envIntOrDefault("STAMP_CACHE_BUDGET_BYTES", cache.DefaultBudgetBytes)),
		NATSURL:      os.Getenv("STAMP_NATS_URL"),
		MetricsAddr:  envOrDefault("STAMP_METRICS_ADDR", ":9091"),
		TickInterval: time.Duration(envIntOrDefault("STAMP_TICK_MS", 50)) * time.Millisecond,
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: StampLedger starting...")

	cfg := DefaultConfig()

	role, err := parseRole(cfg.Role)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	author, err := resolveAuthor(cfg.AuthorID)
	if err != nil {
		log.Fatalf("FATAL: author id: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Durable stamp store ---
	store, err := persistence.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("FATAL: open stamp store: %v", err)
	}
	defer store.Close()
	log.Printf("INFO: stamp store open at %s", cfg.StorePath)

	// --- Decoded-frame cache ---
	clock := clockwork.NewRealClock()
	assets := cache.New(store, clock).
		WithBudget(cfg.CacheBudget).
		WithMetrics(metrics)

	// --- Session ---
	bridge := render.NewBridge()
	sess := core.NewSession(role, author, assets, bridge, metrics)

	errChan := make(chan error, 4)

	// --- Optional NATS feed (host only) ---
	var feedChan chan event.Envelope
	if role == core.RoleHost && cfg.NATSURL != "" {
		nc, js, err := feed.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		defer nc.Close()
		if err := feed.EnsureStream(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure feed stream: %v", err)
		}
		feedChan = make(chan event.Envelope, 1024)
		publisher := feed.NewPublisher(js, feedChan, metrics)
		go func() {
			errChan <- publisher.Run(ctx)
		}()
		log.Println("INFO: NATS feed enabled")
	}

	// --- Transport + session loop ---
	switch role {
	case core.RoleHost:
		host := transport.NewHost(transport.DefaultHostConfig(), metrics)
		defer host.Close()

		if feedChan != nil {
			sess.AttachBroadcaster(&feedingBroadcaster{host: host, feed: feedChan})
		} else {
			sess.AttachBroadcaster(host)
		}

		mux := http.NewServeMux()
		mux.Handle("/ws", host.Handler())
		wsServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			wsServer.Shutdown(shutCtx)
		}()
		go func() {
			log.Printf("INFO: host listening on %s/ws", cfg.ListenAddr)
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("ws server: %w", err)
			}
		}()

		go runHostLoop(ctx, sess, host, clock, cfg.TickInterval)

	case core.RoleClient:
		client := transport.NewClient(cfg.HostURL, author, transport.DefaultClientConfig(), metrics)
		sess.AttachProposer(client)
		go func() {
			errChan <- client.Run(ctx)
		}()
		go runClientLoop(ctx, sess, client, clock, cfg.TickInterval)
	}

	// --- Metrics + health server ---
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsMux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		metricsMux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Printf("INFO: StampLedger ready (role=%s, author=%s, metrics=%s)",
		role, author, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	cancel()
	if feedChan != nil {
		close(feedChan)
	}
	log.Println("INFO: StampLedger shutdown complete")
}

// runHostLoop drains inbound peer messages and advances playback once
// per tick. All session mutation happens here.
func runHostLoop(ctx context.Context, sess *core.Session, host *transport.Host, clock clockwork.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	last := clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := clock.Now()
			drainHostInbound(ctx, sess, host)
			sess.Tick(now.Sub(last).Milliseconds())
			last = now
		}
	}
}

func drainHostInbound(ctx context.Context, sess *core.Session, host *transport.Host) {
	for {
		select {
		case in := <-host.Inbound():
			handleHostMessage(ctx, sess, host, in)
		default:
			return
		}
	}
}

func handleHostMessage(ctx context.Context, sess *core.Session, host *transport.Host, in transport.Inbound) {
	switch in.Msg.Type {
	case transport.MsgHello:
		if in.Msg.Hello.Resync {
			host.SendSnapshot(in.From, sess.Snapshot())
		}

	case transport.MsgSnapshotRequest:
		host.SendSnapshot(in.From, sess.Snapshot())

	case transport.MsgStampData:
		fp, err := sess.SubmitImage(ctx, in.Msg.StampData.Raw)
		if err != nil {
			log.Printf("WARN: stamp data from %s rejected: %v", in.From, err)
			return
		}
		if fp != in.Msg.StampData.Fingerprint {
			log.Printf("WARN: stamp data fingerprint mismatch from %s", in.From)
			return
		}
		host.RelayStampData(*in.Msg.StampData, in.From)

	case transport.MsgProposePlace:
		if rej := sess.HandleProposePlace(ctx, *in.Msg.ProposePlace); rej != nil {
			host.SendRejected(in.Msg.ProposePlace.AuthorID, *rej)
		}

	case transport.MsgProposeRemove:
		if rej := sess.HandleProposeRemove(ctx, *in.Msg.ProposeRemove); rej != nil {
			host.SendRejected(in.Msg.ProposeRemove.AuthorID, *rej)
		}

	default:
		log.Printf("WARN: unexpected message type %q from %s", in.Msg.Type, in.From)
	}
}

// runClientLoop mirrors the host loop for the dialing side.
func runClientLoop(ctx context.Context, sess *core.Session, client *transport.Client, clock clockwork.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	last := clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := clock.Now()
			drainClientInbound(ctx, sess, client)
			sess.Tick(now.Sub(last).Milliseconds())
			last = now
		}
	}
}

func drainClientInbound(ctx context.Context, sess *core.Session, client *transport.Client) {
	for {
		select {
		case msg := <-client.Inbound():
			handleClientMessage(ctx, sess, msg)
		default:
			return
		}
	}
}

func handleClientMessage(ctx context.Context, sess *core.Session, msg transport.Message) {
	switch msg.Type {
	case transport.MsgConfirmed:
		sess.HandleConfirmed(ctx, *msg.Confirmed)

	case transport.MsgRejected:
		sess.HandleRejected(*msg.Rejected)

	case transport.MsgSnapshotResponse:
		if err := sess.Restore(ctx, *msg.Snapshot); err != nil {
			log.Printf("ERROR: snapshot restore failed: %v", err)
		} else {
			log.Printf("INFO: restored from snapshot (next_sequence=%d)", msg.Snapshot.NextSequence)
		}

	case transport.MsgStampData:
		if _, err := sess.SubmitImage(ctx, msg.StampData.Raw); err != nil {
			log.Printf("WARN: relayed stamp data rejected: %v", err)
		}

	default:
		log.Printf("WARN: unexpected message type %q from host", msg.Type)
	}
}

// feedingBroadcaster tees confirmed envelopes to the NATS feed while
// delegating peer fan-out to the transport host. The feed push never
// blocks the session.
type feedingBroadcaster struct {
	host *transport.Host
	feed chan<- event.Envelope
}

func (f *feedingBroadcaster) BroadcastConfirmed(env event.Envelope) {
	f.host.BroadcastConfirmed(env)
	select {
	case f.feed <- env:
	default:
	}
}

func (f *feedingBroadcaster) SendRejected(authorID uuid.UUID, rej event.Rejected) {
	f.host.SendRejected(authorID, rej)
}

// --- Helpers ---

func parseRole(s string) (core.Role, error) {
	switch strings.ToLower(s) {
	case "host":
		return core.RoleHost, nil
	case "client":
		return core.RoleClient, nil
	default:
		return core.RoleClient, fmt.Errorf("unknown role %q (want host or client)", s)
	}
}

func resolveAuthor(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(s)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}
