package playback_test

import (
	"testing"

	"github.com/google/uuid"

	"StampLedger/internal/normalize"
	"StampLedger/internal/playback"
)

type frameLog struct {
	frames map[uuid.UUID]int
}

func newFrameLog() *frameLog { return &frameLog{frames: make(map[uuid.UUID]int)} }

func (f *frameLog) SetFrame(id uuid.UUID, idx int) { f.frames[id] = idx }

func uniformAsset(frameCount, durationMs int) *normalize.StampAsset {
	frames := make([]normalize.Frame, frameCount)
	for i := range frames {
		frames[i] = normalize.Frame{W: 1, H: 1, Pix: make([]byte, 4)}
	}
	durations := make([]int, frameCount)
	for i := range durations {
		durations[i] = durationMs
	}
	return &normalize.StampAsset{
		Fingerprint:       "uniform",
		Frames:            frames,
		DurationsMs:       durations,
		UniformDurationMs: durationMs,
		Animated:          frameCount > 1,
	}
}

func variableAsset(durationsMs ...int) *normalize.StampAsset {
	frames := make([]normalize.Frame, len(durationsMs))
	for i := range frames {
		frames[i] = normalize.Frame{W: 1, H: 1, Pix: make([]byte, 4)}
	}
	return &normalize.StampAsset{
		Fingerprint: "variable",
		Frames:      frames,
		DurationsMs: durationsMs,
		Animated:    len(durationsMs) > 1,
	}
}

func TestAdvance_UniformDurations(t *testing.T) {
	sink := newFrameLog()
	s := playback.NewScheduler(sink)
	id := uuid.New()
	s.Track(id, uniformAsset(4, 100)) // 400ms cycle

	steps := []struct {
		deltaMs   int64
		wantFrame int
	}{
		{50, 0},   // 50ms
		{50, 1},   // 100ms
		{100, 2},  // 200ms
		{199, 3},  // 399ms
		{1, 0},    // 400ms wraps
		{1000, 2}, // 1400ms -> 200ms into cycle
	}
	for _, st := range steps {
		s.Advance(st.deltaMs)
		if got := s.FrameIndex(id); got != st.wantFrame {
			t.Errorf("at %dms: frame %d, want %d", s.VirtualMs(), got, st.wantFrame)
		}
	}
}

func TestAdvance_VariableDurations(t *testing.T) {
	sink := newFrameLog()
	s := playback.NewScheduler(sink)
	id := uuid.New()
	s.Track(id, variableAsset(50, 200, 50)) // 300ms cycle

	steps := []struct {
		deltaMs   int64
		wantFrame int
	}{
		{49, 0},
		{1, 1},   // 50ms
		{199, 1}, // 249ms
		{1, 2},   // 250ms
		{50, 0},  // 300ms wraps
	}
	for _, st := range steps {
		s.Advance(st.deltaMs)
		if got := s.FrameIndex(id); got != st.wantFrame {
			t.Errorf("at %dms: frame %d, want %d", s.VirtualMs(), got, st.wantFrame)
		}
	}
}

func TestSharedClock_SameAssetSameFrame(t *testing.T) {
	sink := newFrameLog()
	s := playback.NewScheduler(sink)
	asset := uniformAsset(4, 100)

	first := uuid.New()
	s.Track(first, asset)
	s.Advance(250)

	// A binding created mid-cycle joins at the shared clock position,
	// not at frame zero.
	second := uuid.New()
	s.Track(second, asset)

	if a, b := s.FrameIndex(first), s.FrameIndex(second); a != b {
		t.Errorf("same asset diverged: %d vs %d", a, b)
	}
	if got := s.FrameIndex(second); got != 2 {
		t.Errorf("late joiner at frame %d, want 2", got)
	}
}

func TestToggle_PauseFreezesResumeRejoins(t *testing.T) {
	sink := newFrameLog()
	s := playback.NewScheduler(sink)
	id := uuid.New()
	s.Track(id, uniformAsset(4, 100))

	s.Advance(150)
	if got := s.FrameIndex(id); got != 1 {
		t.Fatalf("frame %d before pause, want 1", got)
	}

	if playing := s.Toggle(id); playing {
		t.Fatal("toggle should pause")
	}
	s.Advance(200)
	if got := s.FrameIndex(id); got != 1 {
		t.Errorf("paused binding advanced to frame %d", got)
	}

	// Resume rejoins the shared clock (350ms -> frame 3), no offset from
	// where it paused.
	if playing := s.Toggle(id); !playing {
		t.Fatal("toggle should resume")
	}
	if got := s.FrameIndex(id); got != 3 {
		t.Errorf("resumed at frame %d, want 3", got)
	}
}

func TestToggle_StaticAssetNoOp(t *testing.T) {
	sink := newFrameLog()
	s := playback.NewScheduler(sink)
	id := uuid.New()
	s.Track(id, uniformAsset(1, 0))

	if s.Toggle(id) {
		t.Error("static asset must not start playing")
	}
	s.Advance(1000)
	if got := s.FrameIndex(id); got != 0 {
		t.Errorf("static asset moved to frame %d", got)
	}
}

func TestForget_StopsNotifications(t *testing.T) {
	sink := newFrameLog()
	s := playback.NewScheduler(sink)
	id := uuid.New()
	s.Track(id, uniformAsset(4, 100))
	s.Forget(id)

	before := sink.frames[id]
	s.Advance(1000)
	if sink.frames[id] != before {
		t.Error("forgotten binding still receives frame updates")
	}
	if s.Playing(id) {
		t.Error("forgotten binding reports playing")
	}
}

func TestAdvance_IgnoresNonPositiveDelta(t *testing.T) {
	s := playback.NewScheduler(newFrameLog())
	s.Advance(0)
	s.Advance(-50)
	if s.VirtualMs() != 0 {
		t.Errorf("clock moved to %d on non-positive deltas", s.VirtualMs())
	}
}
