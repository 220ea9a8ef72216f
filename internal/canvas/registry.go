package canvas

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrOffCanvasFull is returned when a freestanding bind would exceed
	// MaxFreestanding live off-canvas bindings.
	ErrOffCanvasFull = errors.New("off-canvas capacity full")

	// ErrNotFound is returned when unbinding a placement with no live binding.
	ErrNotFound = errors.New("placement not found")

	// ErrInvalidSlot is returned for slots outside the addressable set.
	ErrInvalidSlot = errors.New("invalid slot")

	// ErrSlotOccupied is returned by CanBind for an occupied freestanding
	// anchor (world canvases displace instead).
	ErrSlotOccupied = errors.New("slot occupied")
)

// Binding links a cached stamp asset (by fingerprint) to a slot.
// Playback state lives on the binding because it is per-instance, not
// per-asset: the same fingerprint may be live on several slots.
type Binding struct {
	PlacementID uuid.UUID
	AuthorID    uuid.UUID
	Fingerprint string
	Slot        Slot
	Sequence    int64 // confirmed sequence that created this binding

	// Orientation is the quarter-turn count (0..3) applied at placement
	// time, replicated so every peer renders the same upright image.
	Orientation int

	CurrentFrame int
	Playing      bool
}

// Registry is the fixed-capacity occupancy map for all addressable
// slots. Not thread-safe — mutated only from the single logical
// session thread, and only in response to ledger-confirmed events.
type Registry struct {
	worldCanvas  [WorldCanvasCount + 1]*Binding // index 1..4
	freestanding map[string]*Binding            // slot key -> binding
	byPlacement  map[uuid.UUID]*Binding
}

func NewRegistry() *Registry {
	return &Registry{
		freestanding: make(map[string]*Binding),
		byPlacement:  make(map[uuid.UUID]*Binding),
	}
}

// CanBind validates capacity for a prospective bind without mutating
// occupancy. World canvases always accept (last writer displaces);
// freestanding binds fail when the off-canvas set is full or the exact
// anchor is taken.
func (r *Registry) CanBind(slot Slot) error {
	if !slot.Valid() {
		return ErrInvalidSlot
	}
	if slot.Kind == SlotFreestanding {
		if _, taken := r.freestanding[slot.Key()]; taken {
			return ErrSlotOccupied
		}
		if len(r.freestanding) >= MaxFreestanding {
			return ErrOffCanvasFull
		}
	}
	return nil
}

// Occupant returns the live binding for a slot, or nil.
func (r *Registry) Occupant(slot Slot) *Binding {
	switch slot.Kind {
	case SlotWorldCanvas:
		if slot.Canvas < 1 || slot.Canvas > WorldCanvasCount {
			return nil
		}
		return r.worldCanvas[slot.Canvas]
	case SlotFreestanding:
		return r.freestanding[slot.Key()]
	}
	return nil
}

// Bind occupies a slot with a new binding. On a world canvas the
// previous occupant is displaced and returned so the caller can emit
// or account for its removal; the authoritative peer emits an explicit
// Remove ahead of the Place, so in the common path displaced is nil
// and the return is a convergence safety net for peers that missed it.
func (r *Registry) Bind(slot Slot, b *Binding) (displaced *Binding, err error) {
	if !slot.Valid() {
		return nil, ErrInvalidSlot
	}
	if _, dup := r.byPlacement[b.PlacementID]; dup {
		return nil, fmt.Errorf("placement %s already bound", b.PlacementID)
	}
	b.Slot = slot

	switch slot.Kind {
	case SlotWorldCanvas:
		displaced = r.worldCanvas[slot.Canvas]
		if displaced != nil {
			delete(r.byPlacement, displaced.PlacementID)
		}
		r.worldCanvas[slot.Canvas] = b
	case SlotFreestanding:
		key := slot.Key()
		if prev, taken := r.freestanding[key]; taken {
			// Same anchor re-bound: displace, same as a world canvas.
			displaced = prev
			delete(r.byPlacement, prev.PlacementID)
		} else if len(r.freestanding) >= MaxFreestanding {
			return nil, ErrOffCanvasFull
		}
		r.freestanding[key] = b
	}

	r.byPlacement[b.PlacementID] = b
	return displaced, nil
}

// Unbind removes the live binding for a placement id. Returns
// ErrNotFound when no live binding exists; callers treating removal as
// idempotent (replay, duplicate delivery) check for that sentinel.
func (r *Registry) Unbind(placementID uuid.UUID) (*Binding, error) {
	b, ok := r.byPlacement[placementID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.byPlacement, placementID)

	switch b.Slot.Kind {
	case SlotWorldCanvas:
		if r.worldCanvas[b.Slot.Canvas] == b {
			r.worldCanvas[b.Slot.Canvas] = nil
		}
	case SlotFreestanding:
		key := b.Slot.Key()
		if r.freestanding[key] == b {
			delete(r.freestanding, key)
		}
	}
	return b, nil
}

// Lookup returns the live binding for a placement id, or nil.
func (r *Registry) Lookup(placementID uuid.UUID) *Binding {
	return r.byPlacement[placementID]
}

// IsLive reports whether a placement id has a live binding.
func (r *Registry) IsLive(placementID uuid.UUID) bool {
	_, ok := r.byPlacement[placementID]
	return ok
}

// HasLiveFingerprint reports whether any live binding references the
// fingerprint. The cache consults this during eviction so an asset
// bound before its bytes arrived is never reclaimed while live.
func (r *Registry) HasLiveFingerprint(fingerprint string) bool {
	for _, b := range r.byPlacement {
		if b.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// FreestandingCount returns the number of live off-canvas bindings.
func (r *Registry) FreestandingCount() int {
	return len(r.freestanding)
}

// Live returns all live bindings ordered by confirmed sequence. The
// ordering makes occupancy digests and snapshots deterministic across
// peers that converged on the same event prefix.
func (r *Registry) Live() []*Binding {
	out := make([]*Binding, 0, len(r.byPlacement))
	for _, b := range r.byPlacement {
		out = append(out, b)
	}
	sortBindings(out)
	return out
}

// Reset drops all occupancy. Used when restoring from a snapshot.
func (r *Registry) Reset() {
	for i := range r.worldCanvas {
		r.worldCanvas[i] = nil
	}
	r.freestanding = make(map[string]*Binding)
	r.byPlacement = make(map[uuid.UUID]*Binding)
}

func sortBindings(bs []*Binding) {
	// Insertion sort: the registry holds at most 8 live bindings.
	for i := 1; i < len(bs); i++ {
		for j := i; j > 0 && bs[j].Sequence < bs[j-1].Sequence; j-- {
			bs[j], bs[j-1] = bs[j-1], bs[j]
		}
	}
}
