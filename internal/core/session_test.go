package core_test

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"StampLedger/internal/cache"
	"StampLedger/internal/canvas"
	"StampLedger/internal/core"
	"StampLedger/internal/event"
	"StampLedger/internal/normalize"
	"StampLedger/internal/testutil"
	"StampLedger/internal/undo"
)

// renderLog records texture bind/unbind/frame calls per placement.
type renderLog struct {
	bound  map[uuid.UUID]normalize.Frame
	frames map[uuid.UUID]int
}

func newRenderLog() *renderLog {
	return &renderLog{
		bound:  make(map[uuid.UUID]normalize.Frame),
		frames: make(map[uuid.UUID]int),
	}
}

func (r *renderLog) BindTexture(id uuid.UUID, frame normalize.Frame) { r.bound[id] = frame }
func (r *renderLog) UnbindTexture(id uuid.UUID)                      { delete(r.bound, id) }
func (r *renderLog) SetFrame(id uuid.UUID, idx int)                  { r.frames[id] = idx }

// peer couples a session with its render log.
type peer struct {
	session *core.Session
	render  *renderLog
	author  uuid.UUID
}

// wire connects one host and any number of clients in-process. Manual
// mode holds confirmed envelopes per client until flushed, which lets
// tests reorder and duplicate delivery.
type wire struct {
	host    *peer
	clients map[uuid.UUID]*peer
	queues  map[uuid.UUID][]event.Envelope
	manual  bool
}

func (w *wire) BroadcastConfirmed(env event.Envelope) {
	for id := range w.clients {
		w.queues[id] = append(w.queues[id], env)
	}
	if !w.manual {
		w.flushAll()
	}
}

func (w *wire) SendRejected(authorID uuid.UUID, rej event.Rejected) {
	if c, ok := w.clients[authorID]; ok {
		c.session.HandleRejected(rej)
	}
}

func (w *wire) flushAll() {
	for id := range w.clients {
		w.flush(id)
	}
}

func (w *wire) flush(clientID uuid.UUID) {
	q := w.queues[clientID]
	w.queues[clientID] = nil
	for _, env := range q {
		w.clients[clientID].session.HandleConfirmed(context.Background(), env)
	}
}

// clientProposer routes a client's proposals straight into the host.
type clientProposer struct{ w *wire }

func (p *clientProposer) SendProposePlace(prop event.ProposePlace) error {
	p.w.host.session.HandleProposePlace(context.Background(), prop)
	return nil
}

func (p *clientProposer) SendProposeRemove(prop event.ProposeRemove) error {
	p.w.host.session.HandleProposeRemove(context.Background(), prop)
	return nil
}

// newCluster builds a host and clientCount clients with wired transport
// doubles and per-peer temp stores.
func newCluster(t *testing.T, clientCount int) (*wire, []*peer) {
	t.Helper()

	w := &wire{
		clients: make(map[uuid.UUID]*peer),
		queues:  make(map[uuid.UUID][]event.Envelope),
	}

	hostAuthor := uuid.New()
	hostRender := newRenderLog()
	host := &peer{
		session: core.NewSession(core.RoleHost, hostAuthor, testutil.TempCache(t), hostRender, nil),
		render:  hostRender,
		author:  hostAuthor,
	}
	host.session.AttachBroadcaster(w)
	w.host = host

	peers := []*peer{host}
	for i := 0; i < clientCount; i++ {
		author := uuid.New()
		render := newRenderLog()
		p := &peer{
			session: core.NewSession(core.RoleClient, author, testutil.TempCache(t), render, nil),
			render:  render,
			author:  author,
		}
		p.session.AttachProposer(&clientProposer{w})
		w.clients[author] = p
		w.queues[author] = nil
		peers = append(peers, p)
	}
	return w, peers
}

// submitAll submits the same raw bytes on every peer, as the transport's
// asset replication would, and returns the shared fingerprint.
func submitAll(t *testing.T, peers []*peer, raw []byte) string {
	t.Helper()
	var fingerprint string
	for _, p := range peers {
		fp, err := p.session.SubmitImage(context.Background(), raw)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		fingerprint = fp
	}
	return fingerprint
}

func canvasReq(id int32) canvas.PlacementRequest {
	return canvas.PlacementRequest{Target: canvas.TargetCanvas, Canvas: id}
}

func cursorReq(x float64) canvas.PlacementRequest {
	return canvas.PlacementRequest{Target: canvas.TargetCursor, Cursor: canvas.Vec3{X: x, Y: 1}}
}

func mustPlace(t *testing.T, p *peer, fp string, req canvas.PlacementRequest) uuid.UUID {
	t.Helper()
	id, err := p.session.RequestPlacement(context.Background(), fp, req, normalize.CanonicalUp)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	return id
}

func TestPlace_ConfirmedOnAllPeers(t *testing.T) {
	_, peers := newCluster(t, 2)
	raw := testutil.SolidPNG(t, 8, color.RGBA{R: 255, A: 255})
	fp := submitAll(t, peers, raw)

	placer := peers[1]
	id := mustPlace(t, placer, fp, canvasReq(1))

	for i, p := range peers {
		occ := p.session.Registry().Occupant(canvas.WorldCanvasSlot(1))
		if occ == nil {
			t.Fatalf("peer %d: canvas 1 empty", i)
		}
		if occ.PlacementID != id || occ.AuthorID != placer.author || occ.Fingerprint != fp {
			t.Errorf("peer %d: wrong occupant %+v", i, occ)
		}
		if _, ok := p.render.bound[id]; !ok {
			t.Errorf("peer %d: texture not bound", i)
		}
	}
	if placer.session.PendingCount() != 0 {
		t.Errorf("pending ops remain after confirmation: %d", placer.session.PendingCount())
	}
}

// Two concurrent placements on the same world canvas: the
// later-confirmed one is the final occupant on every peer.
func TestWorldCanvas_LastWriterDisplaces(t *testing.T) {
	_, peers := newCluster(t, 2)
	a, b := peers[1], peers[2]
	f1 := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{R: 255, A: 255}))
	f2 := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{G: 255, A: 255}))

	idA := mustPlace(t, a, f1, canvasReq(2))
	idB := mustPlace(t, b, f2, canvasReq(2))

	for i, p := range peers {
		occ := p.session.Registry().Occupant(canvas.WorldCanvasSlot(2))
		if occ == nil || occ.PlacementID != idB || occ.Fingerprint != f2 {
			t.Fatalf("peer %d: final occupant = %+v, want %s", i, occ, idB)
		}
		if p.session.Registry().IsLive(idA) {
			t.Errorf("peer %d: displaced placement still live", i)
		}
		if _, ok := p.render.bound[idA]; ok {
			t.Errorf("peer %d: displaced texture still bound", i)
		}
	}
	// Displacement costs an implicit Remove plus the Place.
	if occ := peers[0].session.Registry().Occupant(canvas.WorldCanvasSlot(2)); occ.Sequence != 3 {
		t.Errorf("final occupant sequence = %d, want 3", occ.Sequence)
	}
}

func TestFreestanding_CapacityFour(t *testing.T) {
	_, peers := newCluster(t, 0)
	host := peers[0]
	fp := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{B: 255, A: 255}))

	for i := 0; i < canvas.MaxFreestanding; i++ {
		mustPlace(t, host, fp, cursorReq(float64(i)))
	}
	_, err := host.session.RequestPlacement(context.Background(), fp, cursorReq(99), normalize.CanonicalUp)
	if !errors.Is(err, canvas.ErrOffCanvasFull) {
		t.Fatalf("5th freestanding: got %v, want ErrOffCanvasFull", err)
	}
	if got := host.session.Registry().FreestandingCount(); got != 4 {
		t.Errorf("freestanding count = %d, want 4", got)
	}

	// Removing one frees a slot.
	if err := host.session.RequestUndo(context.Background()); err != nil {
		t.Fatal(err)
	}
	mustPlace(t, host, fp, cursorReq(99))
	if got := host.session.Registry().FreestandingCount(); got != 4 {
		t.Errorf("freestanding count after refill = %d, want 4", got)
	}
}

// A client that has not yet seen the confirmed occupancy proposes a 5th
// freestanding placement; the host rejects it and the optimistic render
// rolls back.
func TestFreestanding_HostRejectsOverCapacity(t *testing.T) {
	w, peers := newCluster(t, 1)
	w.manual = true
	host, client := peers[0], peers[1]
	fp := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{B: 255, A: 255}))

	for i := 0; i < canvas.MaxFreestanding; i++ {
		mustPlace(t, host, fp, cursorReq(float64(i)))
	}

	// Client still sees an empty world, so the local precheck passes.
	id, err := client.session.RequestPlacement(context.Background(), fp, cursorReq(50), normalize.CanonicalUp)
	if err != nil {
		t.Fatalf("optimistic place: %v", err)
	}
	if _, ok := client.render.bound[id]; ok {
		t.Error("rejected placement should have been rolled back")
	}
	if client.session.PendingCount() != 0 {
		t.Errorf("pending after rejection: %d", client.session.PendingCount())
	}

	w.flushAll()
	if got := client.session.Registry().FreestandingCount(); got != 4 {
		t.Errorf("client freestanding count = %d, want 4", got)
	}
}

func TestUndo_StrictLIFO(t *testing.T) {
	_, peers := newCluster(t, 0)
	host := peers[0]
	fp := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{R: 1, A: 255}))
	ctx := context.Background()

	idA := mustPlace(t, host, fp, cursorReq(1))
	idB := mustPlace(t, host, fp, cursorReq(2))

	if err := host.session.RequestUndo(ctx); err != nil {
		t.Fatal(err)
	}
	if host.session.Registry().IsLive(idB) || !host.session.Registry().IsLive(idA) {
		t.Fatal("first undo must remove B and keep A")
	}
	if err := host.session.RequestUndo(ctx); err != nil {
		t.Fatal(err)
	}
	if host.session.Registry().IsLive(idA) {
		t.Fatal("second undo must remove A")
	}
	if err := host.session.RequestUndo(ctx); !errors.Is(err, undo.ErrEmpty) {
		t.Fatalf("third undo: got %v, want ErrEmpty", err)
	}
}

// An entry removed by another author's displacement is skipped by undo
// via lazy invalidation.
func TestUndo_SkipsRemotelyRemoved(t *testing.T) {
	_, peers := newCluster(t, 2)
	a, b := peers[1], peers[2]
	f1 := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{R: 2, A: 255}))
	f2 := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{R: 3, A: 255}))
	ctx := context.Background()

	mustPlace(t, a, f1, canvasReq(1))     // later displaced by B
	idFree := mustPlace(t, a, f1, cursorReq(7))
	mustPlace(t, b, f2, canvasReq(1)) // displaces A's canvas placement

	if err := a.session.RequestUndo(ctx); err != nil {
		t.Fatal(err)
	}
	if a.session.Registry().IsLive(idFree) {
		t.Fatal("first undo should remove the freestanding placement")
	}
	// The canvas entry is dead (displaced); lazy invalidation discards it.
	if err := a.session.RequestUndo(ctx); !errors.Is(err, undo.ErrEmpty) {
		t.Fatalf("second undo: got %v, want ErrEmpty", err)
	}
}

func TestRemove_DuplicateDeliveryIdempotent(t *testing.T) {
	w, peers := newCluster(t, 1)
	w.manual = true
	host, client := peers[0], peers[1]
	fp := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{R: 4, A: 255}))
	ctx := context.Background()

	mustPlace(t, host, fp, cursorReq(1))
	if err := host.session.RequestUndo(ctx); err != nil {
		t.Fatal(err)
	}

	queued := append([]event.Envelope(nil), w.queues[client.author]...)
	if len(queued) != 2 {
		t.Fatalf("expected place+remove envelopes, got %d", len(queued))
	}
	w.flushAll()

	if client.session.Registry().FreestandingCount() != 0 {
		t.Fatal("remove not applied")
	}
	digestBefore := core.OccupancyDigest(client.session.Registry().Live())

	// Redeliver the Remove.
	client.session.HandleConfirmed(ctx, queued[1])
	digestAfter := core.OccupancyDigest(client.session.Registry().Live())
	if !bytes.Equal(digestBefore, digestAfter) {
		t.Error("duplicate remove changed occupancy")
	}
}

func TestHandleConfirmed_BuffersOutOfOrder(t *testing.T) {
	w, peers := newCluster(t, 1)
	w.manual = true
	host, client := peers[0], peers[1]
	fp := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{R: 5, A: 255}))
	ctx := context.Background()

	id1 := mustPlace(t, host, fp, cursorReq(1))
	id2 := mustPlace(t, host, fp, cursorReq(2))

	queued := w.queues[client.author]
	if len(queued) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(queued))
	}

	// Deliver out of order: sequence 2 must wait for sequence 1.
	client.session.HandleConfirmed(ctx, queued[1])
	if client.session.Registry().IsLive(id2) || client.session.Registry().IsLive(id1) {
		t.Fatal("applied an event ahead of the sequence gap")
	}

	client.session.HandleConfirmed(ctx, queued[0])
	if !client.session.Registry().IsLive(id1) || !client.session.Registry().IsLive(id2) {
		t.Fatal("buffered event not released in order")
	}
}

func TestRejected_UnknownFingerprintRollsBack(t *testing.T) {
	_, peers := newCluster(t, 1)
	client := peers[1]

	// Submitted on the client only; the host has never seen the bytes.
	raw := testutil.SolidPNG(t, 8, color.RGBA{R: 6, A: 255})
	fp, err := client.session.SubmitImage(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}

	id, err := client.session.RequestPlacement(context.Background(), fp, cursorReq(1), normalize.CanonicalUp)
	if err != nil {
		t.Fatalf("optimistic place: %v", err)
	}
	if _, ok := client.render.bound[id]; ok {
		t.Error("optimistic render survived rejection")
	}
	if client.session.Registry().FreestandingCount() != 0 {
		t.Error("rejected placement reached the registry")
	}
}

// Undoing a not-yet-confirmed placement cancels it locally; when the
// confirmation lands anyway, a compensating Remove converges all peers.
func TestCancelPending_Compensates(t *testing.T) {
	w, peers := newCluster(t, 1)
	w.manual = true
	host, client := peers[0], peers[1]
	fp := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{R: 7, A: 255}))
	ctx := context.Background()

	id, err := client.session.RequestPlacement(ctx, fp, cursorReq(1), normalize.CanonicalUp)
	if err != nil {
		t.Fatal(err)
	}
	// Confirmation is queued but not yet delivered; undo cancels.
	if err := client.session.RequestUndo(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := client.render.bound[id]; ok {
		t.Error("cancelled placement still rendered")
	}

	// Deliver the confirm: the client must compensate with a Remove.
	w.flush(client.author)
	w.flushAll()

	for i, p := range []*peer{host, client} {
		if p.session.Registry().IsLive(id) {
			t.Errorf("peer %d: cancelled placement still live after compensation", i)
		}
	}
	if err := client.session.RequestUndo(ctx); !errors.Is(err, undo.ErrEmpty) {
		t.Errorf("cancelled placement reached the undo stack: %v", err)
	}
}

// A confirmed placement can reach a peer before the stamp bytes are
// relayed to it. The asset must survive eviction pressure from the
// moment the bytes land while the binding is live, the texture must
// bind once they arrive, and removal must make the asset reclaimable.
func TestPlace_ConfirmBeforeAssetRelay(t *testing.T) {
	w, peers := newCluster(t, 0)
	host := peers[0]
	raw := testutil.SolidPNG(t, 8, color.RGBA{R: 12, A: 255})
	ctx := context.Background()

	fp, err := host.session.SubmitImage(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}

	// A client under heavy memory pressure that has not seen the bytes.
	author := uuid.New()
	render := newRenderLog()
	assets := cache.New(testutil.TempStore(t), clockwork.NewFakeClock()).WithBudget(1)
	client := &peer{
		session: core.NewSession(core.RoleClient, author, assets, render, nil),
		render:  render,
		author:  author,
	}
	client.session.AttachProposer(&clientProposer{w})
	w.clients[author] = client
	w.queues[author] = nil

	id := mustPlace(t, host, fp, canvasReq(1))

	if !client.session.Registry().IsLive(id) {
		t.Fatal("confirmed placement not live on asset-less peer")
	}
	if _, ok := render.bound[id]; ok {
		t.Error("texture bound before the bytes arrived")
	}

	// The relay lands. The live binding pins the over-budget asset and
	// the texture binds now, without waiting for a resync.
	if _, err := client.session.SubmitImage(ctx, raw); err != nil {
		t.Fatal(err)
	}
	assets.EvictIfNeeded()
	if _, err := assets.Lookup(fp); err != nil {
		t.Fatalf("live-bound asset evicted: %v", err)
	}
	if _, ok := render.bound[id]; !ok {
		t.Error("texture not bound after the bytes arrived")
	}

	// Removal drops the last pin; the over-budget asset is reclaimable.
	if err := host.session.RequestUndo(ctx); err != nil {
		t.Fatal(err)
	}
	assets.EvictIfNeeded()
	if _, err := assets.Lookup(fp); !errors.Is(err, cache.ErrNotResident) {
		t.Errorf("removed placement left asset resident over budget: %v", err)
	}
	if _, ok := render.bound[id]; ok {
		t.Error("removed placement still rendered")
	}
}

func TestSnapshot_RestoreResyncsLateJoiner(t *testing.T) {
	w, peers := newCluster(t, 1)
	host := peers[0]
	raw := testutil.SolidPNG(t, 8, color.RGBA{R: 8, A: 255})
	fp := submitAll(t, peers, raw)
	ctx := context.Background()

	idCanvas := mustPlace(t, host, fp, canvasReq(3))
	idFree := mustPlace(t, host, fp, cursorReq(1))

	// A late joiner restores from the host snapshot instead of replaying
	// history.
	author := uuid.New()
	render := newRenderLog()
	late := &peer{
		session: core.NewSession(core.RoleClient, author, testutil.TempCache(t), render, nil),
		render:  render,
		author:  author,
	}
	late.session.AttachProposer(&clientProposer{w})
	w.clients[author] = late
	if _, err := late.session.SubmitImage(ctx, raw); err != nil {
		t.Fatal(err)
	}

	if err := late.session.Restore(ctx, host.session.Snapshot()); err != nil {
		t.Fatal(err)
	}

	for _, id := range []uuid.UUID{idCanvas, idFree} {
		if !late.session.Registry().IsLive(id) {
			t.Fatalf("restored peer missing binding %s", id)
		}
		if _, ok := render.bound[id]; !ok {
			t.Errorf("restored peer did not rebind texture %s", id)
		}
	}

	// The restored peer continues applying from the snapshot sequence
	// without divergence.
	mustPlace(t, host, fp, cursorReq(2))
	if got := late.session.Registry().FreestandingCount(); got != 2 {
		t.Errorf("post-restore apply: freestanding = %d, want 2", got)
	}
	if !bytes.Equal(host.session.Snapshot().StateHash, late.session.Snapshot().StateHash) {
		t.Error("hash chain diverged after restore")
	}
}

func TestHashChain_ConvergesAcrossPeers(t *testing.T) {
	_, peers := newCluster(t, 2)
	fp := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{R: 9, A: 255}))
	ctx := context.Background()

	mustPlace(t, peers[1], fp, canvasReq(1))
	mustPlace(t, peers[2], fp, canvasReq(1)) // displaces
	mustPlace(t, peers[1], fp, cursorReq(1))
	if err := peers[1].session.RequestUndo(ctx); err != nil {
		t.Fatal(err)
	}

	want := peers[0].session.Snapshot()
	for i, p := range peers[1:] {
		got := p.session.Snapshot()
		if got.NextSequence != want.NextSequence {
			t.Errorf("peer %d: next sequence %d, want %d", i+1, got.NextSequence, want.NextSequence)
		}
		if !bytes.Equal(got.StateHash, want.StateHash) {
			t.Errorf("peer %d: hash chain diverged", i+1)
		}
	}
}

func TestSubmitImage_SecondSubmitIsCacheHit(t *testing.T) {
	_, peers := newCluster(t, 0)
	host := peers[0]
	raw := testutil.SolidPNG(t, 8, color.RGBA{R: 10, A: 255})
	ctx := context.Background()

	fp1, err := host.session.SubmitImage(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	fp2, err := host.session.SubmitImage(ctx, append([]byte(nil), raw...))
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp2 {
		t.Error("identical bytes produced different fingerprints")
	}
}

func TestTogglePlayback_LocalOnly(t *testing.T) {
	_, peers := newCluster(t, 1)
	host, client := peers[0], peers[1]
	gif := testutil.EncodeGIF(t, 4, []int{10, 10, 10, 10}) // 100ms frames
	fp := submitAll(t, peers, gif)

	id := mustPlace(t, client, fp, cursorReq(1))

	if playing := client.session.TogglePlayback(id); playing {
		t.Fatal("toggle should pause")
	}
	host.session.Tick(250)
	client.session.Tick(250)

	if got := client.session.Scheduler().FrameIndex(id); got != 0 {
		t.Errorf("paused client advanced to frame %d", got)
	}
	if got := host.session.Scheduler().FrameIndex(id); got != 2 {
		t.Errorf("host frame = %d, want 2", got)
	}
	if b := client.session.Registry().Lookup(id); b == nil || b.Playing {
		t.Error("client binding should report paused")
	}
	if b := host.session.Registry().Lookup(id); b == nil || !b.Playing {
		t.Error("host binding should still be playing")
	}
}

func TestRequestPlacement_InvalidSlot(t *testing.T) {
	_, peers := newCluster(t, 0)
	fp := submitAll(t, peers, testutil.SolidPNG(t, 8, color.RGBA{R: 11, A: 255}))

	_, err := peers[0].session.RequestPlacement(context.Background(), fp,
		canvas.PlacementRequest{Target: canvas.TargetCanvas, Canvas: 9}, normalize.CanonicalUp)
	if !errors.Is(err, canvas.ErrInvalidSlot) {
		t.Errorf("got %v, want ErrInvalidSlot", err)
	}
}

func TestRequestPlacement_UnknownFingerprintLocal(t *testing.T) {
	_, peers := newCluster(t, 0)
	_, err := peers[0].session.RequestPlacement(context.Background(), "feedfacedeadbeef",
		cursorReq(1), normalize.CanonicalUp)
	if !errors.Is(err, core.ErrUnknownFingerprint) {
		t.Errorf("got %v, want ErrUnknownFingerprint", err)
	}
}
