// Package input maps the fixed set of logical actions onto session
// operations. Physical triggers live in the external keybind
// collaborator; only the logical action and its world context arrive
// here.
package input

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"StampLedger/internal/canvas"
	"StampLedger/internal/normalize"
	"StampLedger/internal/observability"
)

// Action is a logical, rebindable player action.
type Action int32

const (
	ActionNone Action = iota
	ActionOpenMenu
	ActionPlaceAtCursor
	ActionPlaceAtPlayer
	ActionPlaceAtDock
	ActionPlaceAtCanvas1
	ActionPlaceAtCanvas2
	ActionPlaceAtCanvas3
	ActionPlaceAtCanvas4
	ActionToggleGifPlayback
	ActionUndo
)

var actionNames = map[Action]string{
	ActionOpenMenu:          "open_menu",
	ActionPlaceAtCursor:     "place_at_cursor",
	ActionPlaceAtPlayer:     "place_at_player",
	ActionPlaceAtDock:       "place_at_dock",
	ActionPlaceAtCanvas1:    "place_at_canvas_1",
	ActionPlaceAtCanvas2:    "place_at_canvas_2",
	ActionPlaceAtCanvas3:    "place_at_canvas_3",
	ActionPlaceAtCanvas4:    "place_at_canvas_4",
	ActionToggleGifPlayback: "toggle_gif_playback",
	ActionUndo:              "undo",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "none"
}

// ParseAction resolves a keybind-config action name.
func ParseAction(name string) (Action, error) {
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}
	return ActionNone, fmt.Errorf("unknown action %q", name)
}

// ErrNoSelection is returned for placement actions without a selected
// stamp.
var ErrNoSelection = errors.New("no stamp selected")

// ErrNoTarget is returned for ToggleGifPlayback without a targeted
// placement.
var ErrNoTarget = errors.New("no placement targeted")

// Frame is the world context captured when the action fired.
type Frame struct {
	// SelectedFingerprint is the stamp the authoring surface currently
	// holds; required for placement actions.
	SelectedFingerprint string

	Cursor   canvas.Vec3
	Player   canvas.Vec3
	Rotation float64
	CameraUp normalize.Vec3

	// TargetPlacement is the binding under the crosshair; required for
	// playback toggling.
	TargetPlacement uuid.UUID
}

// SessionOps is the slice of the session the dispatcher drives.
// Satisfied by core.Session.
type SessionOps interface {
	RequestPlacement(ctx context.Context, fingerprint string, req canvas.PlacementRequest, cameraUp normalize.Vec3) (uuid.UUID, error)
	RequestUndo(ctx context.Context) error
	TogglePlayback(placementID uuid.UUID) bool
}

// Dispatcher routes logical actions to the session. OpenMenu is
// external (the authoring surface process); it is invoked via callback
// and never touches session state.
type Dispatcher struct {
	ops      SessionOps
	openMenu func()
	log      zerolog.Logger
}

func NewDispatcher(ops SessionOps, openMenu func()) *Dispatcher {
	return &Dispatcher{
		ops:      ops,
		openMenu: openMenu,
		log:      observability.NewLogger("input"),
	}
}

// Dispatch executes one logical action. Placement failures surface as
// errors for the HUD; undo on an empty stack is a silent no-op there
// but still returned for the caller to distinguish.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action, frame Frame) error {
	switch action {
	case ActionOpenMenu:
		if d.openMenu != nil {
			d.openMenu()
		}
		return nil

	case ActionPlaceAtCursor, ActionPlaceAtPlayer, ActionPlaceAtDock,
		ActionPlaceAtCanvas1, ActionPlaceAtCanvas2, ActionPlaceAtCanvas3, ActionPlaceAtCanvas4:
		if frame.SelectedFingerprint == "" {
			return ErrNoSelection
		}
		req := placementRequest(action, frame)
		id, err := d.ops.RequestPlacement(ctx, frame.SelectedFingerprint, req, frame.CameraUp)
		if err != nil {
			return fmt.Errorf("%s: %w", action, err)
		}
		d.log.Debug().Str("action", action.String()).Str("placement", id.String()).Msg("placement requested")
		return nil

	case ActionToggleGifPlayback:
		if frame.TargetPlacement == uuid.Nil {
			return ErrNoTarget
		}
		d.ops.TogglePlayback(frame.TargetPlacement)
		return nil

	case ActionUndo:
		return d.ops.RequestUndo(ctx)

	default:
		return fmt.Errorf("unhandled action %d", action)
	}
}

func placementRequest(action Action, frame Frame) canvas.PlacementRequest {
	switch action {
	case ActionPlaceAtCursor:
		return canvas.PlacementRequest{Target: canvas.TargetCursor, Cursor: frame.Cursor, Rotation: frame.Rotation}
	case ActionPlaceAtPlayer:
		return canvas.PlacementRequest{Target: canvas.TargetPlayer, Player: frame.Player, Rotation: frame.Rotation}
	case ActionPlaceAtDock:
		return canvas.PlacementRequest{Target: canvas.TargetDock, Rotation: frame.Rotation}
	default:
		return canvas.PlacementRequest{
			Target: canvas.TargetCanvas,
			Canvas: int32(action-ActionPlaceAtCanvas1) + 1,
		}
	}
}
