package undo_test

import (
	"StampLedger/internal/undo"
	"errors"
	"testing"

	"github.com/google/uuid"
)

type liveSet map[uuid.UUID]bool

func (l liveSet) IsLive(id uuid.UUID) bool { return l[id] }

func TestPop_LIFO(t *testing.T) {
	live := liveSet{}
	s := undo.NewSet(live)
	author := uuid.New()

	a, b := uuid.New(), uuid.New()
	live[a], live[b] = true, true
	s.Push(author, a)
	s.Push(author, b)

	got, err := s.Pop(author)
	if err != nil || got != b {
		t.Fatalf("first pop: got %v, %v; want %v", got, err, b)
	}
	live[b] = false

	got, err = s.Pop(author)
	if err != nil || got != a {
		t.Fatalf("second pop: got %v, %v; want %v", got, err, a)
	}
	live[a] = false

	if _, err := s.Pop(author); !errors.Is(err, undo.ErrEmpty) {
		t.Fatalf("third pop: got %v, want ErrEmpty", err)
	}
}

func TestPop_SkipsDeadEntries(t *testing.T) {
	live := liveSet{}
	s := undo.NewSet(live)
	author := uuid.New()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	live[a], live[b], live[c] = true, false, false
	s.Push(author, a)
	s.Push(author, b)
	s.Push(author, c)

	got, err := s.Pop(author)
	if err != nil || got != a {
		t.Fatalf("got %v, %v; want live entry %v", got, err, a)
	}
	if s.Depth(author) != 0 {
		t.Errorf("dead entries should be discarded during pop, depth=%d", s.Depth(author))
	}
}

func TestPop_ReportsDiscards(t *testing.T) {
	live := liveSet{}
	s := undo.NewSet(live)
	author := uuid.New()

	var discards int
	s.OnDiscard(func(count int) { discards += count })

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	live[a], live[b], live[c] = true, false, false
	s.Push(author, a)
	s.Push(author, b)
	s.Push(author, c)

	if got, err := s.Pop(author); err != nil || got != a {
		t.Fatalf("got %v, %v; want live entry %v", got, err, a)
	}
	if discards != 2 {
		t.Errorf("discards=%d, want 2", discards)
	}

	// An all-dead walk to ErrEmpty also reports.
	d := uuid.New()
	live[d] = false
	s.Push(author, d)
	if _, err := s.Pop(author); !errors.Is(err, undo.ErrEmpty) {
		t.Fatalf("got %v, want ErrEmpty", err)
	}
	if discards != 3 {
		t.Errorf("discards=%d, want 3", discards)
	}
}

func TestPop_EmptyAuthor(t *testing.T) {
	s := undo.NewSet(liveSet{})
	if _, err := s.Pop(uuid.New()); !errors.Is(err, undo.ErrEmpty) {
		t.Errorf("got %v, want ErrEmpty", err)
	}
}

func TestPush_BoundedDepth(t *testing.T) {
	live := liveSet{}
	s := undo.NewSet(live)
	author := uuid.New()

	for i := 0; i < undo.DefaultDepth+10; i++ {
		id := uuid.New()
		live[id] = true
		s.Push(author, id)
	}
	if got := s.Depth(author); got != undo.DefaultDepth {
		t.Errorf("depth=%d, want %d", got, undo.DefaultDepth)
	}
}

func TestPop_AuthorsIsolated(t *testing.T) {
	live := liveSet{}
	s := undo.NewSet(live)
	alice, bob := uuid.New(), uuid.New()

	ap := uuid.New()
	live[ap] = true
	s.Push(alice, ap)

	if _, err := s.Pop(bob); !errors.Is(err, undo.ErrEmpty) {
		t.Errorf("bob must not observe alice's placements: %v", err)
	}
	if got, err := s.Pop(alice); err != nil || got != ap {
		t.Errorf("alice pop: got %v, %v", got, err)
	}
}
