package canvas

import (
	"fmt"
)

// WorldCanvasCount is the number of fixed world-anchored canvases.
const WorldCanvasCount = 4

// MaxFreestanding bounds concurrently live off-canvas bindings,
// independent of world-canvas occupancy.
const MaxFreestanding = 4

// Vec3 is a world-space position.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SlotKind discriminates world canvases from freestanding anchors.
type SlotKind int32

const (
	SlotUnknown SlotKind = iota
	SlotWorldCanvas
	SlotFreestanding
)

func (k SlotKind) String() string {
	switch k {
	case SlotWorldCanvas:
		return "WorldCanvas"
	case SlotFreestanding:
		return "Freestanding"
	default:
		return "Unknown"
	}
}

// Slot identifies a placement target: either WorldCanvas 1..4 or a
// freestanding world position with a yaw rotation.
type Slot struct {
	Kind     SlotKind `json:"kind"`
	Canvas   int32    `json:"canvas,omitempty"` // 1..4 when Kind == SlotWorldCanvas
	Position Vec3     `json:"position,omitempty"`
	Rotation float64  `json:"rotation,omitempty"`
}

// WorldCanvasSlot returns the slot for canvas id 1..4.
func WorldCanvasSlot(id int32) Slot {
	return Slot{Kind: SlotWorldCanvas, Canvas: id}
}

// FreestandingSlot returns a slot anchored at a world position.
func FreestandingSlot(pos Vec3, rotation float64) Slot {
	return Slot{Kind: SlotFreestanding, Position: pos, Rotation: rotation}
}

// Key returns the stable occupancy key for the slot. Freestanding
// positions are quantized to millimeters so that a re-sent slot from a
// peer keys identically regardless of float formatting.
func (s Slot) Key() string {
	switch s.Kind {
	case SlotWorldCanvas:
		return fmt.Sprintf("canvas:%d", s.Canvas)
	case SlotFreestanding:
		return fmt.Sprintf("free:%.3f:%.3f:%.3f", s.Position.X, s.Position.Y, s.Position.Z)
	default:
		return "unknown"
	}
}

// Valid reports whether the slot identifies a bindable target.
func (s Slot) Valid() bool {
	switch s.Kind {
	case SlotWorldCanvas:
		return s.Canvas >= 1 && s.Canvas <= WorldCanvasCount
	case SlotFreestanding:
		return true
	default:
		return false
	}
}

// PlaceTarget is a logical placement request target before resolution.
type PlaceTarget int32

const (
	TargetUnknown PlaceTarget = iota
	TargetCursor
	TargetPlayer
	TargetDock
	TargetCanvas
)

// DockAnchor is the fixed freestanding anchor for PlaceAtDock.
var DockAnchor = Vec3{X: -30.0, Y: 1.5, Z: 42.0}

// PlacementRequest carries the caller's context needed to resolve a
// concrete slot: where the cursor ray hit, where the player stands, or
// which canvas index was keyed.
type PlacementRequest struct {
	Target   PlaceTarget
	Canvas   int32
	Cursor   Vec3
	Player   Vec3
	Rotation float64
}

// ResolveSlot translates a logical placement request into a concrete
// slot. Unknown targets resolve to an invalid slot rejected by Bind.
func ResolveSlot(req PlacementRequest) Slot {
	switch req.Target {
	case TargetCanvas:
		return WorldCanvasSlot(req.Canvas)
	case TargetCursor:
		return FreestandingSlot(req.Cursor, req.Rotation)
	case TargetPlayer:
		return FreestandingSlot(req.Player, req.Rotation)
	case TargetDock:
		return FreestandingSlot(DockAnchor, req.Rotation)
	default:
		return Slot{}
	}
}
