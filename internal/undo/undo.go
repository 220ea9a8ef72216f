// Package undo implements the per-author, session-scoped undo stack.
//
// The stack is strictly LIFO over placements the author made locally.
// Entries are invalidated lazily: a placement removed by another path
// (remote undo, world-canvas displacement) stays on the stack until a
// pop walks past it, which keeps pushes and remote removals O(1) even
// as events interleave.
package undo

import (
	"errors"

	"github.com/google/uuid"
)

// ErrEmpty is returned when an author has no live placements to undo.
// Surfaced to the user as a no-op, not an error.
var ErrEmpty = errors.New("undo stack empty")

// DefaultDepth bounds retained history per author.
const DefaultDepth = 32

// Liveness answers whether a placement id still has a live binding.
// Satisfied by the canvas registry.
type Liveness interface {
	IsLive(placementID uuid.UUID) bool
}

// Set holds one stack per author. Not thread-safe — owned by the single
// logical session thread.
type Set struct {
	stacks    map[uuid.UUID][]uuid.UUID
	depth     int
	live      Liveness
	onDiscard func(count int)
}

func NewSet(live Liveness) *Set {
	return &Set{
		stacks: make(map[uuid.UUID][]uuid.UUID),
		depth:  DefaultDepth,
		live:   live,
	}
}

// OnDiscard installs a hook invoked with the number of dead entries a
// Pop walked past. Used for instrumentation; nil disables it.
func (s *Set) OnDiscard(fn func(count int)) {
	s.onDiscard = fn
}

// Push records a confirmed local placement for its author. The oldest
// entry is dropped once the stack exceeds its depth.
func (s *Set) Push(authorID, placementID uuid.UUID) {
	stack := append(s.stacks[authorID], placementID)
	if len(stack) > s.depth {
		stack = stack[len(stack)-s.depth:]
	}
	s.stacks[authorID] = stack
}

// Pop returns the author's most recent still-live placement, discarding
// dead entries on the way down. Returns ErrEmpty when nothing live
// remains.
func (s *Set) Pop(authorID uuid.UUID) (uuid.UUID, error) {
	stack := s.stacks[authorID]
	discarded := 0
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if s.live.IsLive(top) {
			s.stacks[authorID] = stack
			s.reportDiscards(discarded)
			return top, nil
		}
		discarded++
	}
	s.stacks[authorID] = stack
	s.reportDiscards(discarded)
	return uuid.Nil, ErrEmpty
}

func (s *Set) reportDiscards(count int) {
	if count > 0 && s.onDiscard != nil {
		s.onDiscard(count)
	}
}

// Depth returns the number of retained entries for an author, live or
// not. Exposed for metrics and tests.
func (s *Set) Depth(authorID uuid.UUID) int {
	return len(s.stacks[authorID])
}
