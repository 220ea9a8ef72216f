package event

import (
	"StampLedger/internal/canvas"

	"github.com/google/uuid"
)

// Kind discriminates ledger entries.
type Kind int32

const (
	KindUnknown Kind = iota
	KindPlace
	KindRemove
)

func (k Kind) String() string {
	switch k {
	case KindPlace:
		return "Place"
	case KindRemove:
		return "Remove"
	default:
		return "Unknown"
	}
}

// Envelope is an immutable, append-only ledger entry. Sequence numbers
// are assigned solely by the authoritative peer and are strictly
// increasing; every peer applies envelopes in sequence order.
type Envelope struct {
	// Global monotonic sequence assigned by the authoritative peer.
	Sequence int64 `json:"sequence"`

	Kind Kind `json:"kind"`

	// PlacementID identifies the binding this entry creates (Place) or
	// destroys (Remove). A removed placement id is never reused.
	PlacementID uuid.UUID `json:"placement_id"`

	Slot canvas.Slot `json:"slot,omitempty"`

	// Fingerprint of the stamp asset; set on Place only.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Orientation quarter turns (0..3) applied at placement; Place only.
	Orientation int `json:"orientation,omitempty"`

	AuthorID uuid.UUID `json:"author_id"`

	// ProposalRef echoes the originator's proposal id so the origin can
	// reconcile its optimistic render. Zero for implicit removals
	// emitted by the authoritative peer (world-canvas displacement).
	ProposalRef uuid.UUID `json:"proposal_ref,omitempty"`

	// SHA-256 of the occupancy digest after applying this entry, chained
	// from the previous entry's hash. Diagnostic: peers recompute and
	// log divergence.
	StateHash []byte `json:"state_hash,omitempty"`
	PrevHash  []byte `json:"prev_hash,omitempty"`
}

// ProposePlace is an originator's request for a placement. The
// authoritative peer either assigns it a sequence number and broadcasts
// a confirmed Place envelope, or rejects it.
type ProposePlace struct {
	ProposalID  uuid.UUID   `json:"proposal_id"`
	Slot        canvas.Slot `json:"slot"`
	Fingerprint string      `json:"fingerprint"`
	Orientation int         `json:"orientation"`
	AuthorID    uuid.UUID   `json:"author_id"`
}

// ProposeRemove is an originator's request to remove a live placement
// (undo, explicit pickup). It follows the same propose/confirm path as
// a Place and carries no special authority.
type ProposeRemove struct {
	ProposalID  uuid.UUID `json:"proposal_id"`
	PlacementID uuid.UUID `json:"placement_id"`
	AuthorID    uuid.UUID `json:"author_id"`
}

// RejectReason explains why the authoritative peer refused a proposal.
type RejectReason int32

const (
	RejectUnknown RejectReason = iota
	RejectOffCanvasFull
	RejectInvalidSlot
	RejectUnknownPlacement
	RejectAlreadyRemoved
	RejectUnknownFingerprint
)

func (r RejectReason) String() string {
	switch r {
	case RejectOffCanvasFull:
		return "OffCanvasFull"
	case RejectInvalidSlot:
		return "InvalidSlot"
	case RejectUnknownPlacement:
		return "UnknownPlacement"
	case RejectAlreadyRemoved:
		return "AlreadyRemoved"
	case RejectUnknownFingerprint:
		return "UnknownFingerprint"
	default:
		return "Unknown"
	}
}

// Rejected is sent to a proposal's originator only; other peers never
// learn of failed proposals.
type Rejected struct {
	ProposalRef uuid.UUID    `json:"proposal_ref"`
	Reason      RejectReason `json:"reason"`
}

// LiveBinding is the wire form of a confirmed, not-yet-removed
// placement inside a snapshot.
type LiveBinding struct {
	PlacementID uuid.UUID   `json:"placement_id"`
	AuthorID    uuid.UUID   `json:"author_id"`
	Fingerprint string      `json:"fingerprint"`
	Slot        canvas.Slot `json:"slot"`
	Orientation int         `json:"orientation"`
	Sequence    int64       `json:"sequence"`
}

// Snapshot bounds reconnect recovery: current live bindings plus the
// next expected sequence number, instead of the full event history.
type Snapshot struct {
	LiveBindings []LiveBinding `json:"live_bindings"`
	NextSequence int64         `json:"next_sequence"`
	StateHash    []byte        `json:"state_hash"`
}
