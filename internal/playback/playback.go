// Package playback drives animated stamp frames off a shared virtual
// clock. The clock advances only with session ticks, so two bindings of
// the same asset always display the same frame on every peer, and a
// paused game stops animation with it.
package playback

import (
	"github.com/google/uuid"

	"StampLedger/internal/normalize"
)

// FrameSink receives frame index changes for live bindings. Satisfied
// by the render host.
type FrameSink interface {
	SetFrame(placementID uuid.UUID, frameIndex int)
}

type track struct {
	asset   *normalize.StampAsset
	playing bool
	frame   int
}

// Scheduler owns playback state for all tracked bindings. Not
// thread-safe — driven by the single session loop.
type Scheduler struct {
	virtualMs int64
	tracks    map[uuid.UUID]*track
	sink      FrameSink
}

func NewScheduler(sink FrameSink) *Scheduler {
	return &Scheduler{
		tracks: make(map[uuid.UUID]*track),
		sink:   sink,
	}
}

// VirtualMs returns the shared clock position. Diagnostic only; frame
// indices are always derived, never interpolated.
func (s *Scheduler) VirtualMs() int64 { return s.virtualMs }

// Advance moves the shared clock forward by a tick delta and pushes any
// resulting frame changes to the sink. Zero and negative deltas are
// ignored; the clock never rewinds.
func (s *Scheduler) Advance(deltaMs int64) {
	if deltaMs <= 0 {
		return
	}
	s.virtualMs += deltaMs

	for id, tr := range s.tracks {
		if !tr.playing {
			continue
		}
		next := frameAt(tr.asset, s.virtualMs)
		if next != tr.frame {
			tr.frame = next
			s.sink.SetFrame(id, next)
		}
	}
}

// Track starts scheduling a binding's asset. Static assets are tracked
// with playback off so Toggle on them stays a no-op.
func (s *Scheduler) Track(placementID uuid.UUID, asset *normalize.StampAsset) {
	tr := &track{asset: asset}
	if asset.Animated {
		tr.playing = true
		tr.frame = frameAt(asset, s.virtualMs)
	}
	s.tracks[placementID] = tr
	s.sink.SetFrame(placementID, tr.frame)
}

// Forget stops scheduling a removed binding.
func (s *Scheduler) Forget(placementID uuid.UUID) {
	delete(s.tracks, placementID)
}

// Toggle flips local playback for one binding and reports the new
// playing state. Pausing freezes the current frame; resuming rejoins
// the shared clock, so the binding snaps back into sync with every
// other copy of the asset rather than resuming where it paused.
func (s *Scheduler) Toggle(placementID uuid.UUID) bool {
	tr, ok := s.tracks[placementID]
	if !ok || !tr.asset.Animated {
		return false
	}
	tr.playing = !tr.playing
	if tr.playing {
		next := frameAt(tr.asset, s.virtualMs)
		if next != tr.frame {
			tr.frame = next
			s.sink.SetFrame(placementID, next)
		}
	}
	return tr.playing
}

// Playing reports whether a binding is currently animating.
func (s *Scheduler) Playing(placementID uuid.UUID) bool {
	tr, ok := s.tracks[placementID]
	return ok && tr.playing
}

// FrameIndex returns the binding's current frame index.
func (s *Scheduler) FrameIndex(placementID uuid.UUID) int {
	if tr, ok := s.tracks[placementID]; ok {
		return tr.frame
	}
	return 0
}

// frameAt derives the frame index for a clock position: position within
// the repeating cycle, then a walk over per-frame durations. The
// uniform-duration case is a straight division.
func frameAt(asset *normalize.StampAsset, clockMs int64) int {
	if !asset.Animated || len(asset.Frames) == 0 {
		return 0
	}
	cycle := int64(asset.CycleMs())
	if cycle <= 0 {
		return 0
	}
	pos := clockMs % cycle

	if asset.UniformDurationMs > 0 {
		return int(pos / int64(asset.UniformDurationMs))
	}
	for i := range asset.Frames {
		d := int64(asset.DurationMsAt(i))
		if pos < d {
			return i
		}
		pos -= d
	}
	return len(asset.Frames) - 1
}
