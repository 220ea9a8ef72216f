// Package normalize turns arbitrary user-supplied image bytes into the
// canonical on-canvas representation: an upright, aspect-fitted RGBA
// frame sequence bounded by the canvas resolution budget.
//
// Normalize is a pure transform: no wall-clock, no randomness, no
// side effects. The same bytes and camera basis always produce the
// same frames, which is what lets peers decode independently and still
// render identically.
package normalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"math"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	xdraw "golang.org/x/image/draw"
)

const (
	// CanvasSize is the per-side pixel budget of a world canvas.
	CanvasSize = 200

	// MaxFrames bounds animated input to keep decoded memory and
	// replication bandwidth bounded.
	MaxFrames = 400

	// DefaultFrameDurationMs is used for animated frames that carry no
	// timing metadata.
	DefaultFrameDurationMs = 100
)

var (
	ErrEmpty             = errors.New("empty image input")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrCorrupt           = errors.New("corrupt image data")
	ErrTooManyFrames     = fmt.Errorf("animated input exceeds %d frames", MaxFrames)
)

// Vec3 is the camera's world-up basis vector at placement time.
type Vec3 struct {
	X, Y, Z float64
}

// CanonicalUp is the identity orientation: image up equals world up.
var CanonicalUp = Vec3{X: 0, Y: 1, Z: 0}

// Frame is a fixed-size RGBA pixel buffer with orientation already
// applied; immutable once produced.
type Frame struct {
	W, H int
	Pix  []byte // RGBA, stride 4*W
}

// StampAsset is the immutable decoded form of a source image. Created
// once per fingerprint; owned by the cache thereafter.
type StampAsset struct {
	Fingerprint string
	Frames      []Frame

	// DurationsMs holds the per-frame display time. UniformDurationMs is
	// the collapsed value when all frames share one duration, 0 when
	// durations vary.
	DurationsMs       []int
	UniformDurationMs int

	Animated bool
	SourceW  int
	SourceH  int
}

// FrameBytes returns total decoded pixel bytes, the unit of the cache
// byte budget.
func (a *StampAsset) FrameBytes() int64 {
	var n int64
	for _, f := range a.Frames {
		n += int64(len(f.Pix))
	}
	return n
}

// DurationMsAt returns the display duration of frame i.
func (a *StampAsset) DurationMsAt(i int) int {
	if a.UniformDurationMs > 0 {
		return a.UniformDurationMs
	}
	if i >= 0 && i < len(a.DurationsMs) {
		return a.DurationsMs[i]
	}
	return DefaultFrameDurationMs
}

// CycleMs returns the total animation cycle length.
func (a *StampAsset) CycleMs() int {
	if !a.Animated {
		return 0
	}
	total := 0
	for i := range a.Frames {
		total += a.DurationMsAt(i)
	}
	return total
}

// Fingerprint computes the stable content hash of the raw source bytes.
// Hashing the source (not the decoded frames) makes a re-pasted
// identical file a cache hit across sessions.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// QuarterTurns maps a camera world-up vector to the quarter-turn count
// that keeps the image upright on the canvas plane. The up vector is
// projected onto the plane and quantized to the nearest 90°; a vector
// 180° from canonical yields 2 turns, i.e. a vertical+horizontal flip.
func QuarterTurns(up Vec3) int {
	px, py := up.X, up.Y
	if math.Abs(px) < 1e-9 && math.Abs(py) < 1e-9 {
		// Camera up is perpendicular to the canvas plane; keep identity.
		return 0
	}
	angle := math.Atan2(px, py)
	turns := int(math.Round(angle/(math.Pi/2))) % 4
	if turns < 0 {
		turns += 4
	}
	return turns
}

// Normalize decodes raw image bytes, bounds the frame count, fits each
// frame within the canvas budget preserving aspect ratio (never
// upsampling), and applies the orientation derived from cameraUp.
func Normalize(raw []byte, cameraUp Vec3) (*StampAsset, error) {
	if len(raw) == 0 {
		return nil, ErrEmpty
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, ErrUnsupportedFormat
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrCorrupt
	}

	turns := QuarterTurns(cameraUp)

	asset := &StampAsset{
		Fingerprint: Fingerprint(raw),
		SourceW:     cfg.Width,
		SourceH:     cfg.Height,
	}

	if format == "gif" {
		g, err := gif.DecodeAll(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(g.Image) == 0 {
			return nil, ErrCorrupt
		}
		if len(g.Image) > MaxFrames {
			return nil, ErrTooManyFrames
		}
		if err := decodeAnimated(asset, g, turns); err != nil {
			return nil, err
		}
		return asset, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	asset.Frames = []Frame{renderFrame(img, turns)}
	asset.Animated = false
	return asset, nil
}

// decodeAnimated coalesces GIF frames onto an accumulating canvas so
// partial-update frames render whole, collapses uniform delays, and
// applies the 100 ms fallback for frames without timing.
func decodeAnimated(asset *StampAsset, g *gif.GIF, turns int) error {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		bounds = g.Image[0].Bounds()
	}
	accum := image.NewRGBA(bounds)

	frames := make([]Frame, 0, len(g.Image))
	durations := make([]int, 0, len(g.Image))

	for i, src := range g.Image {
		draw.Draw(accum, src.Bounds(), src, src.Bounds().Min, draw.Over)
		frames = append(frames, renderFrame(accum, turns))

		ms := 0
		if i < len(g.Delay) {
			ms = g.Delay[i] * 10 // GIF delay unit is 1/100 s
		}
		if ms <= 0 {
			ms = DefaultFrameDurationMs
		}
		durations = append(durations, ms)
	}

	uniform := durations[0]
	for _, d := range durations[1:] {
		if d != uniform {
			uniform = 0
			break
		}
	}

	asset.Frames = frames
	asset.DurationsMs = durations
	asset.UniformDurationMs = uniform
	asset.Animated = len(frames) > 1
	if !asset.Animated {
		asset.DurationsMs = nil
		asset.UniformDurationMs = 0
	}
	return nil
}

// renderFrame scales an image into the canvas budget and applies the
// orientation quarter turns.
func renderFrame(img image.Image, turns int) Frame {
	scaled := fitToBudget(img)
	return rotateQuarters(scaled, turns)
}

// fitToBudget downsamples preserving aspect ratio so both sides fit
// within CanvasSize. Images already inside the budget pass through
// unscaled — the normalizer never upsamples.
func fitToBudget(img image.Image) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if w <= CanvasSize && h <= CanvasSize {
		out := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}

	scale := float64(CanvasSize) / float64(w)
	if s := float64(CanvasSize) / float64(h); s < scale {
		scale = s
	}
	dw := int(math.Max(1, math.Floor(float64(w)*scale)))
	dh := int(math.Max(1, math.Floor(float64(h)*scale)))

	out := image.NewRGBA(image.Rect(0, 0, dw, dh))
	xdraw.CatmullRom.Scale(out, out.Bounds(), img, b, xdraw.Src, nil)
	return out
}

// rotateQuarters rotates an RGBA image clockwise by turns*90°.
func rotateQuarters(img *image.RGBA, turns int) Frame {
	return Rotate(Frame{
		W:   img.Bounds().Dx(),
		H:   img.Bounds().Dy(),
		Pix: img.Pix,
	}, turns)
}

// Rotate returns the frame rotated clockwise by quarter turns. Zero
// turns returns the frame unchanged (shared pixels, no copy). Used at
// bind time to orient a canonically cached frame for its placement.
func Rotate(f Frame, turns int) Frame {
	turns = ((turns % 4) + 4) % 4
	if turns == 0 {
		return f
	}

	w, h := f.W, f.H
	dw, dh := w, h
	if turns%2 == 1 {
		dw, dh = h, w
	}
	out := make([]byte, dw*dh*4)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch turns {
			case 1:
				dx, dy = h-1-y, x
			case 2:
				dx, dy = w-1-x, h-1-y
			case 3:
				dx, dy = y, w-1-x
			}
			si := (y*w + x) * 4
			di := (dy*dw + dx) * 4
			copy(out[di:di+4], f.Pix[si:si+4])
		}
	}
	return Frame{W: dw, H: dh, Pix: out}
}
