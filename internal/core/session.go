// Package core runs the session's placement ledger: the single-threaded
// state machine that orders Place/Remove events, reconciles optimistic
// local renders against authoritative confirmations, and drives the
// registry, undo stacks, cache references, and playback tracking from
// the confirmed event stream.
package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"StampLedger/internal/cache"
	"StampLedger/internal/canvas"
	"StampLedger/internal/event"
	"StampLedger/internal/normalize"
	"StampLedger/internal/observability"
	"StampLedger/internal/playback"
	"StampLedger/internal/undo"
)

// Role is the peer's authority over sequence numbers. Exactly one peer
// in a session holds RoleHost and is the only assigner of sequence
// numbers.
type Role int32

const (
	RoleClient Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "client"
}

// ErrUnknownFingerprint is returned when a placement references a
// fingerprint that was never submitted and is not in the local store.
var ErrUnknownFingerprint = errors.New("unknown stamp fingerprint")

// ErrNotConnected is returned when a client operation needs a proposer
// and none is attached.
var ErrNotConnected = errors.New("no connection to authoritative peer")

// Broadcaster fans confirmed envelopes out to every peer and routes
// rejections back to a proposal's origin. Host role only.
type Broadcaster interface {
	BroadcastConfirmed(env event.Envelope)
	SendRejected(authorID uuid.UUID, rej event.Rejected)
}

// Proposer carries this peer's proposals to the authoritative peer.
// Client role only.
type Proposer interface {
	SendProposePlace(p event.ProposePlace) error
	SendProposeRemove(p event.ProposeRemove) error
}

// RenderHost is the game-side rendering collaborator. The core never
// touches texture primitives directly.
type RenderHost interface {
	BindTexture(placementID uuid.UUID, frame normalize.Frame)
	UnbindTexture(placementID uuid.UUID)
	SetFrame(placementID uuid.UUID, frameIndex int)
}

type pendingOp struct {
	kind            event.Kind
	slot            canvas.Slot
	fingerprint     string
	orientation     int
	placementID     uuid.UUID // Remove target
	cancelRequested bool
}

// Session is the per-peer world state: ledger position, occupancy,
// pending proposals, undo stacks, and playback. All mutation happens on
// the single logical session thread; the inbound network queue is
// drained into HandleConfirmed/HandleRejected once per tick.
type Session struct {
	role        Role
	localAuthor uuid.UUID

	registry *canvas.Registry
	undoSet  *undo.Set
	assets   *cache.Cache
	sched    *playback.Scheduler
	hasher   *OccupancyHasher
	render   RenderHost

	broadcast Broadcaster
	proposer  Proposer

	metrics *observability.Metrics
	log     zerolog.Logger

	// nextSequence is the next number the host will assign. nextApply is
	// the next sequence every peer expects to apply; envelopes above it
	// wait in the buffer.
	nextSequence int64
	nextApply    int64
	buffer       map[int64]event.Envelope

	pending      map[uuid.UUID]*pendingOp
	pendingOrder []uuid.UUID

	// removed distinguishes "never existed" from "already removed" when
	// the host rejects a Remove proposal.
	removed map[uuid.UUID]struct{}

	// deferred tracks live bindings whose asset was not resident at
	// apply time, keyed by fingerprint. Their Retain, playback tracking,
	// and texture bind happen when the bytes arrive via SubmitImage or a
	// resync; until then the cache pin probe keeps the fingerprint safe.
	deferred map[string]map[uuid.UUID]struct{}

	// compensations holds placement ids needing a compensating Remove
	// after a cancel-pending placement was confirmed anyway.
	compensations []uuid.UUID
}

func NewSession(role Role, localAuthor uuid.UUID, assets *cache.Cache, render RenderHost, metrics *observability.Metrics) *Session {
	registry := canvas.NewRegistry()
	s := &Session{
		role:         role,
		localAuthor:  localAuthor,
		registry:     registry,
		undoSet:      undo.NewSet(registry),
		assets:       assets,
		hasher:       NewOccupancyHasher(),
		render:       render,
		metrics:      metrics,
		log:          observability.NewLogger("session").With().Str("role", role.String()).Logger(),
		nextSequence: 1,
		nextApply:    1,
		buffer:       make(map[int64]event.Envelope),
		pending:      make(map[uuid.UUID]*pendingOp),
		removed:      make(map[uuid.UUID]struct{}),
		deferred:     make(map[string]map[uuid.UUID]struct{}),
	}
	s.sched = playback.NewScheduler(&bindingSink{s})
	assets.WithPinned(registry.HasLiveFingerprint)
	s.undoSet.OnDiscard(func(count int) {
		if s.metrics != nil {
			s.metrics.UndoDiscarded.Add(float64(count))
		}
	})
	return s
}

// bindingSink mirrors scheduler frame changes onto the live binding and
// forwards them to the render host.
type bindingSink struct{ s *Session }

func (bs *bindingSink) SetFrame(placementID uuid.UUID, frameIndex int) {
	if b := bs.s.registry.Lookup(placementID); b != nil {
		b.CurrentFrame = frameIndex
	}
	bs.s.render.SetFrame(placementID, frameIndex)
}

// AttachBroadcaster wires the host-role transport. Called once at
// startup before any proposals flow.
func (s *Session) AttachBroadcaster(b Broadcaster) { s.broadcast = b }

// AttachProposer wires the client-role transport.
func (s *Session) AttachProposer(p Proposer) { s.proposer = p }

// Registry exposes confirmed occupancy, read-only by convention.
func (s *Session) Registry() *canvas.Registry { return s.registry }

// Scheduler exposes playback state, read-only by convention.
func (s *Session) Scheduler() *playback.Scheduler { return s.sched }

// Role returns this peer's authority role.
func (s *Session) Role() Role { return s.role }

// PendingCount returns locally proposed operations awaiting confirmation.
func (s *Session) PendingCount() int { return len(s.pending) }

// SubmitImage normalizes raw image bytes into the cache and durable
// store, returning the content fingerprint. Identical bytes are a cache
// hit and do not re-decode.
func (s *Session) SubmitImage(ctx context.Context, raw []byte) (string, error) {
	fingerprint := normalize.Fingerprint(raw)

	start := time.Now()
	asset, err := s.assets.GetOrInsert(ctx, fingerprint, func(context.Context) (*normalize.StampAsset, error) {
		return normalize.Normalize(raw, normalize.CanonicalUp)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.DecodeFailures.WithLabelValues(normalizeFailureReason(err)).Inc()
		}
		return "", fmt.Errorf("submit image: %w", err)
	}
	if s.metrics != nil {
		s.metrics.DecodeDuration.Observe(time.Since(start).Seconds())
	}
	s.materializeDeferred(ctx, fingerprint, asset)
	return fingerprint, nil
}

// RequestPlacement resolves the target slot, renders the stamp
// optimistically, and proposes the placement to the authoritative peer.
// The returned id identifies the placement from the moment of the
// optimistic render; confirmation keeps it.
func (s *Session) RequestPlacement(ctx context.Context, fingerprint string, req canvas.PlacementRequest, cameraUp normalize.Vec3) (uuid.UUID, error) {
	asset, err := s.assets.GetOrInsert(ctx, fingerprint, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownFingerprint, shortFP(fingerprint))
	}

	slot := canvas.ResolveSlot(req)
	if !slot.Valid() {
		return uuid.Nil, canvas.ErrInvalidSlot
	}
	// Local capacity precheck against confirmed occupancy. The host
	// revalidates; this only avoids an optimistic render that is certain
	// to be rejected.
	if err := s.registry.CanBind(slot); err != nil && !errors.Is(err, canvas.ErrSlotOccupied) {
		return uuid.Nil, err
	}

	proposal := event.ProposePlace{
		ProposalID:  uuid.New(),
		Slot:        slot,
		Fingerprint: fingerprint,
		Orientation: normalize.QuarterTurns(cameraUp),
		AuthorID:    s.localAuthor,
	}
	s.trackPending(proposal.ProposalID, &pendingOp{
		kind:        event.KindPlace,
		slot:        slot,
		fingerprint: fingerprint,
		orientation: proposal.Orientation,
	})
	s.render.BindTexture(proposal.ProposalID, normalize.Rotate(asset.Frames[0], proposal.Orientation))

	if s.role == RoleHost {
		if rej := s.HandleProposePlace(ctx, proposal); rej != nil {
			return uuid.Nil, rejectionError(rej.Reason)
		}
		return proposal.ProposalID, nil
	}

	if s.proposer == nil {
		s.rollbackPending(proposal.ProposalID, "not connected")
		return uuid.Nil, ErrNotConnected
	}
	if err := s.proposer.SendProposePlace(proposal); err != nil {
		s.rollbackPending(proposal.ProposalID, "send failed")
		return uuid.Nil, fmt.Errorf("propose place: %w", err)
	}
	return proposal.ProposalID, nil
}

// RequestUndo removes the local author's most recent live placement via
// the standard propose/confirm path. A placement still awaiting
// confirmation is marked cancel-pending instead: its optimistic render
// is rolled back now, and if the confirmation lands anyway a
// compensating Remove is issued.
func (s *Session) RequestUndo(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.UndoRequests.Inc()
	}

	for i := len(s.pendingOrder) - 1; i >= 0; i-- {
		op := s.pending[s.pendingOrder[i]]
		if op != nil && op.kind == event.KindPlace && !op.cancelRequested {
			op.cancelRequested = true
			s.render.UnbindTexture(s.pendingOrder[i])
			s.log.Debug().Str("proposal", s.pendingOrder[i].String()).Msg("cancel-pending placement")
			return nil
		}
	}

	placementID, err := s.undoSet.Pop(s.localAuthor)
	if err != nil {
		return err
	}
	return s.proposeRemove(ctx, placementID)
}

// TogglePlayback flips the local-only playback flag for one binding and
// reports the new state. Never replicated.
func (s *Session) TogglePlayback(placementID uuid.UUID) bool {
	playing := s.sched.Toggle(placementID)
	if b := s.registry.Lookup(placementID); b != nil {
		b.Playing = playing
	}
	return playing
}

// Tick advances the shared playback clock by the host tick delta.
func (s *Session) Tick(deltaMs int64) {
	s.sched.Advance(deltaMs)
}

func (s *Session) proposeRemove(ctx context.Context, placementID uuid.UUID) error {
	proposal := event.ProposeRemove{
		ProposalID:  uuid.New(),
		PlacementID: placementID,
		AuthorID:    s.localAuthor,
	}
	s.trackPending(proposal.ProposalID, &pendingOp{
		kind:        event.KindRemove,
		placementID: placementID,
	})

	if s.role == RoleHost {
		if rej := s.HandleProposeRemove(ctx, proposal); rej != nil {
			return rejectionError(rej.Reason)
		}
		return nil
	}
	if s.proposer == nil {
		s.rollbackPending(proposal.ProposalID, "not connected")
		return ErrNotConnected
	}
	if err := s.proposer.SendProposeRemove(proposal); err != nil {
		s.rollbackPending(proposal.ProposalID, "send failed")
		return fmt.Errorf("propose remove: %w", err)
	}
	return nil
}

// HandleProposePlace sequences a Place proposal. Host role only.
// Returns the rejection sent to the originator, or nil on confirm. A
// world-canvas (or exact-anchor) occupant is displaced by an implicit
// Remove confirmed immediately before the Place, so every peer applies
// displace-then-place at the same pair of sequence numbers.
func (s *Session) HandleProposePlace(ctx context.Context, p event.ProposePlace) *event.Rejected {
	if !p.Slot.Valid() {
		return s.reject(p.ProposalID, p.AuthorID, event.RejectInvalidSlot)
	}
	if _, err := s.assets.GetOrInsert(ctx, p.Fingerprint, nil); err != nil {
		return s.reject(p.ProposalID, p.AuthorID, event.RejectUnknownFingerprint)
	}

	if err := s.registry.CanBind(p.Slot); err != nil {
		if errors.Is(err, canvas.ErrOffCanvasFull) {
			return s.reject(p.ProposalID, p.AuthorID, event.RejectOffCanvasFull)
		}
		// Occupied exact anchor displaces, same as a world canvas.
	}
	if occupant := s.registry.Occupant(p.Slot); occupant != nil {
		s.confirm(ctx, event.Envelope{
			Kind:        event.KindRemove,
			PlacementID: occupant.PlacementID,
			AuthorID:    p.AuthorID,
		})
	}

	s.confirm(ctx, event.Envelope{
		Kind:        event.KindPlace,
		PlacementID: p.ProposalID,
		Slot:        p.Slot,
		Fingerprint: p.Fingerprint,
		Orientation: p.Orientation,
		AuthorID:    p.AuthorID,
		ProposalRef: p.ProposalID,
	})
	return nil
}

// HandleProposeRemove sequences a Remove proposal. Host role only.
func (s *Session) HandleProposeRemove(ctx context.Context, p event.ProposeRemove) *event.Rejected {
	if !s.registry.IsLive(p.PlacementID) {
		reason := event.RejectUnknownPlacement
		if _, wasLive := s.removed[p.PlacementID]; wasLive {
			reason = event.RejectAlreadyRemoved
		}
		return s.reject(p.ProposalID, p.AuthorID, reason)
	}
	s.confirm(ctx, event.Envelope{
		Kind:        event.KindRemove,
		PlacementID: p.PlacementID,
		AuthorID:    p.AuthorID,
		ProposalRef: p.ProposalID,
	})
	return nil
}

func (s *Session) reject(proposalID, authorID uuid.UUID, reason event.RejectReason) *event.Rejected {
	rej := &event.Rejected{ProposalRef: proposalID, Reason: reason}
	if s.metrics != nil {
		s.metrics.ProposalsRejected.WithLabelValues(reason.String()).Inc()
	}
	if authorID == s.localAuthor {
		s.rollbackPending(proposalID, reason.String())
	} else if s.broadcast != nil {
		s.broadcast.SendRejected(authorID, *rej)
	}
	return rej
}

// confirm assigns the next sequence number, applies the envelope
// locally, and broadcasts it. Host role only.
func (s *Session) confirm(ctx context.Context, env event.Envelope) {
	env.Sequence = s.nextSequence
	s.nextSequence++
	env.PrevHash = s.hasher.Tip()

	s.apply(ctx, &env)
	s.nextApply = env.Sequence + 1
	if s.metrics != nil {
		s.metrics.AppliedSequence.Set(float64(env.Sequence))
	}

	if s.broadcast != nil {
		s.broadcast.BroadcastConfirmed(env)
	}
}

// HandleConfirmed applies an authoritative envelope in strict sequence
// order. Early envelopes wait in the buffer; stale sequences are
// duplicate delivery and are dropped.
func (s *Session) HandleConfirmed(ctx context.Context, env event.Envelope) {
	if env.Sequence < s.nextApply {
		if s.metrics != nil {
			s.metrics.DuplicateEvents.Inc()
		}
		s.log.Debug().Int64("sequence", env.Sequence).Int64("expected", s.nextApply).
			Msg("dropping duplicate confirmed event")
		return
	}
	if env.Sequence > s.nextApply {
		s.buffer[env.Sequence] = env
		if s.metrics != nil {
			s.metrics.BufferedEvents.Set(float64(len(s.buffer)))
		}
		return
	}

	s.apply(ctx, &env)
	s.nextApply++
	for {
		next, ok := s.buffer[s.nextApply]
		if !ok {
			break
		}
		delete(s.buffer, s.nextApply)
		s.apply(ctx, &next)
		s.nextApply++
	}
	if s.metrics != nil {
		s.metrics.BufferedEvents.Set(float64(len(s.buffer)))
		s.metrics.AppliedSequence.Set(float64(s.nextApply - 1))
	}

	s.drainCompensations(ctx)
}

// HandleRejected rolls back the optimistic render for a rejected local
// proposal.
func (s *Session) HandleRejected(rej event.Rejected) {
	s.rollbackPending(rej.ProposalRef, rej.Reason.String())
}

func (s *Session) apply(ctx context.Context, env *event.Envelope) {
	switch env.Kind {
	case event.KindPlace:
		s.applyPlace(ctx, env)
	case event.KindRemove:
		s.applyRemove(env)
	default:
		s.log.Error().Int64("sequence", env.Sequence).Msg("unknown event kind, skipping")
		return
	}

	digest := OccupancyDigest(s.registry.Live())
	computed := s.hasher.Advance(env.Sequence, digest)
	if env.StateHash == nil {
		env.StateHash = computed
	} else if !bytes.Equal(env.StateHash, computed) {
		// Diagnostic only: occupancy stays as applied, divergence is
		// surfaced rather than fatal.
		if s.metrics != nil {
			s.metrics.HashDivergence.Inc()
		}
		s.log.Warn().Int64("sequence", env.Sequence).Msg("occupancy hash diverged from authoritative chain")
	}

	if s.metrics != nil {
		s.metrics.EventsApplied.WithLabelValues(env.Kind.String()).Inc()
	}
}

func (s *Session) applyPlace(ctx context.Context, env *event.Envelope) {
	op, isLocal := s.pending[env.ProposalRef]

	asset, err := s.assets.GetOrInsert(ctx, env.Fingerprint, nil)
	if err != nil {
		// Occupancy must still converge; the stamp renders once the
		// bytes arrive via relay or resync.
		s.log.Warn().Str("fingerprint", shortFP(env.Fingerprint)).
			Msg("confirmed placement for non-resident asset")
		asset = nil
	}

	binding := &canvas.Binding{
		PlacementID: env.PlacementID,
		AuthorID:    env.AuthorID,
		Fingerprint: env.Fingerprint,
		Sequence:    env.Sequence,
		Orientation: env.Orientation,
		Playing:     asset != nil && asset.Animated,
	}
	displaced, err := s.registry.Bind(env.Slot, binding)
	if err != nil {
		s.log.Error().Err(err).Int64("sequence", env.Sequence).
			Msg("confirmed placement does not bind, skipping")
		if isLocal {
			s.rollbackPending(env.ProposalRef, "bind failed")
		}
		return
	}
	if displaced != nil {
		// TRICKY: the host sequences an explicit Remove ahead of a
		// displacing Place, so this fires only when that Remove was never
		// seen. Converge anyway.
		s.dropBindingEffects(displaced)
		s.removed[displaced.PlacementID] = struct{}{}
	}

	if asset != nil {
		s.assets.Retain(env.Fingerprint)
		s.assets.MarkPlaced(ctx, env.Fingerprint)
		s.sched.Track(env.PlacementID, asset)
	} else {
		s.deferRetain(env.Fingerprint, env.PlacementID)
	}

	if isLocal {
		s.untrackPending(env.ProposalRef)
		if op.cancelRequested {
			// The author undid before confirmation; compensate with a
			// standard Remove once this apply batch finishes.
			s.compensations = append(s.compensations, env.PlacementID)
			return
		}
		// Optimistic render already bound under this id.
	} else if asset != nil {
		s.render.BindTexture(env.PlacementID, normalize.Rotate(asset.Frames[0], env.Orientation))
	}

	if env.AuthorID == s.localAuthor && (!isLocal || !op.cancelRequested) {
		s.undoSet.Push(env.AuthorID, env.PlacementID)
	}
}

func (s *Session) applyRemove(env *event.Envelope) {
	if op, isLocal := s.pending[env.ProposalRef]; isLocal && op.kind == event.KindRemove {
		s.untrackPending(env.ProposalRef)
	}

	binding, err := s.registry.Unbind(env.PlacementID)
	if err != nil {
		// Idempotent by design: duplicate delivery or a displacement
		// already accounted for leaves occupancy unchanged.
		if s.metrics != nil {
			s.metrics.DuplicateEvents.Inc()
		}
		s.log.Debug().Str("placement", env.PlacementID.String()).
			Msg("remove for placement with no live binding")
		return
	}
	s.dropBindingEffects(binding)
	s.removed[env.PlacementID] = struct{}{}
}

func (s *Session) dropBindingEffects(b *canvas.Binding) {
	s.render.UnbindTexture(b.PlacementID)
	s.sched.Forget(b.PlacementID)
	if s.undefer(b.Fingerprint, b.PlacementID) {
		// No Retain was ever taken for this binding.
		return
	}
	s.assets.Release(b.Fingerprint)
}

// deferRetain records a live binding whose asset is not yet resident.
func (s *Session) deferRetain(fingerprint string, placementID uuid.UUID) {
	set, ok := s.deferred[fingerprint]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		s.deferred[fingerprint] = set
	}
	set[placementID] = struct{}{}
}

// undefer reports whether the binding was awaiting its asset, clearing
// the record.
func (s *Session) undefer(fingerprint string, placementID uuid.UUID) bool {
	set, ok := s.deferred[fingerprint]
	if !ok {
		return false
	}
	if _, waiting := set[placementID]; !waiting {
		return false
	}
	delete(set, placementID)
	if len(set) == 0 {
		delete(s.deferred, fingerprint)
	}
	return true
}

// materializeDeferred completes bindings that were applied before their
// asset became resident: each still-live placement takes its cache
// reference, starts playback tracking, and binds its texture.
func (s *Session) materializeDeferred(ctx context.Context, fingerprint string, asset *normalize.StampAsset) {
	set, ok := s.deferred[fingerprint]
	if !ok {
		return
	}
	delete(s.deferred, fingerprint)
	for placementID := range set {
		binding := s.registry.Lookup(placementID)
		if binding == nil {
			continue
		}
		s.assets.Retain(fingerprint)
		s.assets.MarkPlaced(ctx, fingerprint)
		binding.Playing = asset.Animated
		s.sched.Track(placementID, asset)
		s.render.BindTexture(placementID, normalize.Rotate(asset.Frames[0], binding.Orientation))
		s.log.Debug().Str("placement", placementID.String()).
			Str("fingerprint", shortFP(fingerprint)).
			Msg("late asset bound to live placement")
	}
}

func (s *Session) drainCompensations(ctx context.Context) {
	for len(s.compensations) > 0 {
		placementID := s.compensations[0]
		s.compensations = s.compensations[1:]
		if !s.registry.IsLive(placementID) {
			continue
		}
		if err := s.proposeRemove(ctx, placementID); err != nil {
			s.log.Warn().Err(err).Str("placement", placementID.String()).
				Msg("compensating remove failed")
		}
	}
}

func (s *Session) trackPending(proposalID uuid.UUID, op *pendingOp) {
	s.pending[proposalID] = op
	s.pendingOrder = append(s.pendingOrder, proposalID)
}

func (s *Session) untrackPending(proposalID uuid.UUID) {
	delete(s.pending, proposalID)
	for i, id := range s.pendingOrder {
		if id == proposalID {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
}

func (s *Session) rollbackPending(proposalID uuid.UUID, reason string) {
	op, ok := s.pending[proposalID]
	if !ok {
		return
	}
	s.untrackPending(proposalID)
	if op.kind == event.KindPlace && !op.cancelRequested {
		s.render.UnbindTexture(proposalID)
	}
	if s.metrics != nil {
		s.metrics.OptimisticRollbacks.Inc()
	}
	s.log.Info().Str("proposal", proposalID.String()).Str("reason", reason).
		Msg("rolled back optimistic operation")
}

// Snapshot captures live bindings and the next expected sequence for a
// resyncing peer, bounding recovery cost to current occupancy instead
// of full history.
func (s *Session) Snapshot() event.Snapshot {
	live := s.registry.Live()
	snap := event.Snapshot{
		LiveBindings: make([]event.LiveBinding, 0, len(live)),
		NextSequence: s.nextApply,
		StateHash:    s.hasher.Tip(),
	}
	for _, b := range live {
		snap.LiveBindings = append(snap.LiveBindings, event.LiveBinding{
			PlacementID: b.PlacementID,
			AuthorID:    b.AuthorID,
			Fingerprint: b.Fingerprint,
			Slot:        b.Slot,
			Orientation: b.Orientation,
			Sequence:    b.Sequence,
		})
	}
	return snap
}

// Restore adopts a snapshot after reconnect: all local occupancy,
// pending proposals, and buffered events are discarded in favor of the
// authoritative live set.
func (s *Session) Restore(ctx context.Context, snap event.Snapshot) error {
	for _, id := range append([]uuid.UUID(nil), s.pendingOrder...) {
		s.rollbackPending(id, "resync")
	}
	s.buffer = make(map[int64]event.Envelope)

	for _, b := range s.registry.Live() {
		s.dropBindingEffects(b)
	}
	s.registry.Reset()
	s.deferred = make(map[string]map[uuid.UUID]struct{})

	for _, lb := range snap.LiveBindings {
		binding := &canvas.Binding{
			PlacementID: lb.PlacementID,
			AuthorID:    lb.AuthorID,
			Fingerprint: lb.Fingerprint,
			Sequence:    lb.Sequence,
			Orientation: lb.Orientation,
		}
		if _, err := s.registry.Bind(lb.Slot, binding); err != nil {
			return fmt.Errorf("restore binding %s: %w", lb.PlacementID, err)
		}

		asset, err := s.assets.GetOrInsert(ctx, lb.Fingerprint, nil)
		if err != nil {
			s.deferRetain(lb.Fingerprint, lb.PlacementID)
			s.log.Warn().Str("fingerprint", shortFP(lb.Fingerprint)).
				Msg("snapshot references non-resident asset")
			continue
		}
		s.assets.Retain(lb.Fingerprint)
		binding.Playing = asset.Animated
		s.sched.Track(lb.PlacementID, asset)
		s.render.BindTexture(lb.PlacementID, normalize.Rotate(asset.Frames[0], lb.Orientation))
	}

	s.nextApply = snap.NextSequence
	s.hasher.SetTip(snap.StateHash)
	if s.metrics != nil {
		s.metrics.BufferedEvents.Set(0)
		s.metrics.AppliedSequence.Set(float64(snap.NextSequence - 1))
	}
	s.log.Info().Int64("next_sequence", snap.NextSequence).
		Int("live_bindings", len(snap.LiveBindings)).
		Msg("restored session from snapshot")
	return nil
}

func rejectionError(reason event.RejectReason) error {
	switch reason {
	case event.RejectOffCanvasFull:
		return canvas.ErrOffCanvasFull
	case event.RejectInvalidSlot:
		return canvas.ErrInvalidSlot
	case event.RejectUnknownPlacement, event.RejectAlreadyRemoved:
		return canvas.ErrNotFound
	case event.RejectUnknownFingerprint:
		return ErrUnknownFingerprint
	default:
		return fmt.Errorf("proposal rejected: %s", reason)
	}
}

func normalizeFailureReason(err error) string {
	switch {
	case errors.Is(err, normalize.ErrEmpty):
		return "empty"
	case errors.Is(err, normalize.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, normalize.ErrCorrupt):
		return "corrupt"
	case errors.Is(err, normalize.ErrTooManyFrames):
		return "too_many_frames"
	default:
		return "other"
	}
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
