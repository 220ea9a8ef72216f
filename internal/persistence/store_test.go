package persistence_test

import (
	"bytes"
	"context"
	"image"
	"path/filepath"
	"testing"

	_ "image/png"

	"StampLedger/internal/normalize"
	"StampLedger/internal/persistence"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(filepath.Join(t.TempDir(), "stamps.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAsset(fp string, frameCount int) *normalize.StampAsset {
	frames := make([]normalize.Frame, 0, frameCount)
	durations := make([]int, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		pix := make([]byte, 4*4*4)
		for j := range pix {
			pix[j] = byte((i + j) % 256)
		}
		frames = append(frames, normalize.Frame{W: 4, H: 4, Pix: pix})
		durations = append(durations, 50+i*10)
	}
	return &normalize.StampAsset{
		Fingerprint: fp,
		Frames:      frames,
		DurationsMs: durations,
		Animated:    frameCount > 1,
		SourceW:     4,
		SourceH:     4,
	}
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	want := sampleAsset("aabbcc", 3)
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.Load(ctx, "aabbcc")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("saved fingerprint not found")
	}
	if got.Animated != want.Animated || got.SourceW != want.SourceW || got.SourceH != want.SourceH {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if len(got.Frames) != len(want.Frames) {
		t.Fatalf("frame count: got %d, want %d", len(got.Frames), len(want.Frames))
	}
	for i := range want.Frames {
		if got.Frames[i].W != want.Frames[i].W || got.Frames[i].H != want.Frames[i].H {
			t.Errorf("frame %d dims differ", i)
		}
		if string(got.Frames[i].Pix) != string(want.Frames[i].Pix) {
			t.Errorf("frame %d pixels differ", i)
		}
		if got.DurationMsAt(i) != want.DurationMsAt(i) {
			t.Errorf("frame %d duration: got %d, want %d", i, got.DurationMsAt(i), want.DurationMsAt(i))
		}
	}
}

func TestLoad_Missing(t *testing.T) {
	s := openStore(t)
	_, ok, err := s.Load(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Error("missing fingerprint should report not found")
	}
}

func TestSave_DuplicateIsNoOp(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, sampleAsset("dup", 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, sampleAsset("dup", 1)); err != nil {
		t.Fatalf("second save of same fingerprint must succeed: %v", err)
	}

	rows, err := s.Rows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("got %d rows, want 1", len(rows))
	}
}

func TestContainsAndDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, sampleAsset("gone", 1)); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Contains(ctx, "gone")
	if err != nil || !ok {
		t.Fatalf("contains after save: %v, %v", ok, err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	ok, err = s.Contains(ctx, "gone")
	if err != nil || ok {
		t.Fatalf("contains after delete: %v, %v", ok, err)
	}
}

func TestLoadPreview(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, sampleAsset("pv", 2)); err != nil {
		t.Fatal(err)
	}
	preview, ok, err := s.LoadPreview(ctx, "pv")
	if err != nil || !ok {
		t.Fatalf("load preview: %v, %v", ok, err)
	}
	img, _, err := image.Decode(bytes.NewReader(preview))
	if err != nil {
		t.Fatalf("preview should decode as an image: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Errorf("preview dims %dx%d, want 4x4", b.Dx(), b.Dy())
	}
}

func TestOpen_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stamps.db")
	ctx := context.Background()

	s, err := persistence.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, sampleAsset("persist", 2)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, ok, err := s2.Load(ctx, "persist")
	if err != nil || !ok {
		t.Fatalf("load after reopen: %v, %v", ok, err)
	}
	if len(got.Frames) != 2 {
		t.Errorf("got %d frames after reopen, want 2", len(got.Frames))
	}
}
