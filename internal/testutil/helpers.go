// Package testutil provides shared test helpers: temporary stamp
// stores, synthetic images, and golden-file comparison.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"

	"StampLedger/internal/cache"
	"StampLedger/internal/persistence"
)

// TestNATSURL returns the NATS URL for integration tests.
func TestNATSURL() string {
	if url := os.Getenv("TEST_NATS_URL"); url != "" {
		return url
	}
	return "nats://localhost:4222"
}

// RequireIntegration skips the test if not running integration tests.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("skipping integration test (set INTEGRATION_TEST=1 to run)")
	}
}

// TempStore opens a stamp store in a per-test temporary directory and
// closes it on cleanup.
func TempStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "stamps.db"))
	if err != nil {
		t.Fatalf("open temp store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TempCache builds a cache over a temp store with a fake clock.
func TempCache(t *testing.T) *cache.Cache {
	t.Helper()
	return cache.New(TempStore(t), clockwork.NewFakeClock())
}

// EncodePNG renders a w×h PNG filled per pixel by fill.
func EncodePNG(t *testing.T, w, h int, fill func(x, y int) color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, fill(x, y))
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// SolidPNG renders a single-color square PNG. Different colors yield
// different fingerprints.
func SolidPNG(t *testing.T, size int, c color.RGBA) []byte {
	t.Helper()
	return EncodePNG(t, size, size, func(int, int) color.RGBA { return c })
}

// EncodeGIF renders a small animated GIF with the given per-frame
// delays in GIF units (1/100 s).
func EncodeGIF(t *testing.T, frameCount int, delays []int) []byte {
	t.Helper()
	g := &gif.GIF{Config: image.Config{Width: 4, Height: 4}}
	for i := 0; i < frameCount; i++ {
		fr := image.NewPaletted(image.Rect(0, 0, 4, 4), palette.Plan9)
		fr.SetColorIndex(i%4, 0, uint8(i%256))
		g.Image = append(g.Image, fr)
		delay := 0
		if i < len(delays) {
			delay = delays[i]
		}
		g.Delay = append(g.Delay, delay)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	return buf.Bytes()
}

// GoldenFile reads a golden file from testdata/.
func GoldenFile(t *testing.T, name string) []byte {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read golden file %s: %v", path, err)
	}
	return data
}

// UpdateGoldenFile writes data to a golden file when UPDATE_GOLDEN=1.
func UpdateGoldenFile(t *testing.T, name string, data []byte) {
	t.Helper()
	if os.Getenv("UPDATE_GOLDEN") != "1" {
		return
	}
	path := filepath.Join("testdata", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir testdata: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write golden file %s: %v", path, err)
	}
}
