// Package render is the presentation boundary. The Bridge tracks what
// the session has bound so an engine-side integration (or the debug
// endpoint) can draw it; it performs no drawing itself.
package render

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"StampLedger/internal/normalize"
	"StampLedger/internal/observability"
)

// Surface is a currently bound placement as seen by the renderer.
type Surface struct {
	PlacementID uuid.UUID
	Width       int
	Height      int
	FrameIndex  int
	HasTexture  bool
}

// Bridge implements the session's render host. Bind and frame updates
// arrive on the session loop; reads may come from anywhere.
type Bridge struct {
	log zerolog.Logger

	mu       sync.RWMutex
	surfaces map[uuid.UUID]*Surface
}

func NewBridge() *Bridge {
	return &Bridge{
		log:      observability.NewLogger("render"),
		surfaces: make(map[uuid.UUID]*Surface),
	}
}

// BindTexture makes a placement drawable. A nil-pixel frame binds the
// surface without texture data (asset not resident yet).
func (b *Bridge) BindTexture(placementID uuid.UUID, frame normalize.Frame) {
	b.mu.Lock()
	b.surfaces[placementID] = &Surface{
		PlacementID: placementID,
		Width:       frame.W,
		Height:      frame.H,
		HasTexture:  len(frame.Pix) > 0,
	}
	b.mu.Unlock()

	b.log.Debug().Str("placement", placementID.String()).
		Int("w", frame.W).Int("h", frame.H).Msg("texture bound")
}

// UnbindTexture drops a placement's surface. Unknown ids are ignored;
// removal is idempotent upstream.
func (b *Bridge) UnbindTexture(placementID uuid.UUID) {
	b.mu.Lock()
	_, ok := b.surfaces[placementID]
	delete(b.surfaces, placementID)
	b.mu.Unlock()

	if ok {
		b.log.Debug().Str("placement", placementID.String()).Msg("texture unbound")
	}
}

// SetFrame advances an animated surface to the given frame index.
func (b *Bridge) SetFrame(placementID uuid.UUID, frameIndex int) {
	b.mu.Lock()
	if s, ok := b.surfaces[placementID]; ok {
		s.FrameIndex = frameIndex
	}
	b.mu.Unlock()
}

// Surfaces returns a stable-ordered copy of the bound surfaces.
func (b *Bridge) Surfaces() []Surface {
	b.mu.RLock()
	out := make([]Surface, 0, len(b.surfaces))
	for _, s := range b.surfaces {
		out = append(out, *s)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].PlacementID.String() < out[j].PlacementID.String()
	})
	return out
}

// Bound reports whether a placement currently has a surface.
func (b *Bridge) Bound(placementID uuid.UUID) bool {
	b.mu.RLock()
	_, ok := b.surfaces[placementID]
	b.mu.RUnlock()
	return ok
}
