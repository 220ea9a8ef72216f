// Package persistence implements the durable local stamp store: a
// SQLite database mapping fingerprint -> serialized frame data and
// metadata, read at startup and written on first normalize of a new
// fingerprint. Losing it costs decode time, never session state.
package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"StampLedger/internal/normalize"
)

// frameBlobVersion versions the serialized frame encoding.
const frameBlobVersion = 1

// Store is a content-addressed durable cache of normalized stamps.
// Safe for concurrent use (database/sql pools connections; the zstd
// coder handles are concurrency-safe).
type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Row is the stored metadata for a fingerprint, without frame data.
type Row struct {
	Fingerprint  string
	Animated     bool
	FrameCount   int
	SourceW      int
	SourceH      int
	SizeBytes    int64
	CreatedAt    time.Time
	LastPlacedAt time.Time
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS stamps (
		fingerprint     TEXT PRIMARY KEY,
		animated        INTEGER NOT NULL,
		frame_count     INTEGER NOT NULL,
		source_w        INTEGER NOT NULL,
		source_h        INTEGER NOT NULL,
		uniform_ms      INTEGER NOT NULL,
		durations_ms    TEXT NOT NULL,
		frames          BLOB NOT NULL,
		preview         BLOB NOT NULL,
		size_bytes      INTEGER NOT NULL,
		created_at      INTEGER NOT NULL,
		last_placed_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stamps_last_placed ON stamps(last_placed_at)`,
}

// Open opens (creating if needed) the stamp store at path and applies
// schema migrations. Pass ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stamp store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	next := 0
	if current.Valid {
		next = int(current.Int64)
	}
	for ; next < len(migrations); next++ {
		if _, err := db.Exec(migrations[next]); err != nil {
			return fmt.Errorf("migration %d: %w", next+1, err)
		}
		if _, err := db.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			next+1, time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("record migration %d: %w", next+1, err)
		}
	}
	return nil
}

// Save persists a normalized asset under its fingerprint. Saving an
// already-present fingerprint is a no-op: the asset is immutable and
// content-addressed.
func (s *Store) Save(ctx context.Context, asset *normalize.StampAsset) error {
	blob, err := s.encodeFrames(asset.Frames)
	if err != nil {
		return err
	}
	durations, err := json.Marshal(asset.DurationsMs)
	if err != nil {
		return fmt.Errorf("marshal durations: %w", err)
	}
	preview, err := encodePreview(asset)
	if err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stamps
			(fingerprint, animated, frame_count, source_w, source_h,
			 uniform_ms, durations_ms, frames, preview, size_bytes, created_at, last_placed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING`,
		asset.Fingerprint, boolInt(asset.Animated), len(asset.Frames),
		asset.SourceW, asset.SourceH, asset.UniformDurationMs,
		string(durations), blob, preview, asset.FrameBytes(), now, now,
	)
	if err != nil {
		return fmt.Errorf("save stamp %s: %w", shortFP(asset.Fingerprint), err)
	}
	return nil
}

// Load reads an asset by fingerprint. The second return is false when
// the fingerprint is not stored.
func (s *Store) Load(ctx context.Context, fingerprint string) (*normalize.StampAsset, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT animated, source_w, source_h, uniform_ms, durations_ms, frames
		FROM stamps WHERE fingerprint = ?`, fingerprint)

	var (
		animated  int
		srcW      int
		srcH      int
		uniformMs int
		durJSON   string
		blob      []byte
	)
	if err := row.Scan(&animated, &srcW, &srcH, &uniformMs, &durJSON, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load stamp %s: %w", shortFP(fingerprint), err)
	}

	frames, err := s.decodeFrames(blob)
	if err != nil {
		return nil, false, fmt.Errorf("decode stamp %s: %w", shortFP(fingerprint), err)
	}

	var durations []int
	if err := json.Unmarshal([]byte(durJSON), &durations); err != nil {
		return nil, false, fmt.Errorf("unmarshal durations %s: %w", shortFP(fingerprint), err)
	}

	return &normalize.StampAsset{
		Fingerprint:       fingerprint,
		Frames:            frames,
		DurationsMs:       durations,
		UniformDurationMs: uniformMs,
		Animated:          animated != 0,
		SourceW:           srcW,
		SourceH:           srcH,
	}, true, nil
}

// TouchPlaced bumps the last-placed timestamp, feeding the cache's
// least-recently-placed eviction order across restarts.
func (s *Store) TouchPlaced(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stamps SET last_placed_at = ? WHERE fingerprint = ?`,
		time.Now().Unix(), fingerprint)
	return err
}

// Contains reports whether a fingerprint is stored.
func (s *Store) Contains(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM stamps WHERE fingerprint = ?`, fingerprint).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Rows lists stored stamp metadata ordered by last placement,
// most recent first.
func (s *Store) Rows(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, animated, frame_count, source_w, source_h,
		       size_bytes, created_at, last_placed_at
		FROM stamps ORDER BY last_placed_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r          Row
			animated   int
			created    int64
			lastPlaced int64
		)
		if err := rows.Scan(&r.Fingerprint, &animated, &r.FrameCount,
			&r.SourceW, &r.SourceH, &r.SizeBytes, &created, &lastPlaced); err != nil {
			return nil, err
		}
		r.Animated = animated != 0
		r.CreatedAt = time.Unix(created, 0)
		r.LastPlacedAt = time.Unix(lastPlaced, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadPreview returns the stored first-frame preview image (PNG) for
// picker UIs, without materializing the full frame blob.
func (s *Store) LoadPreview(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	var preview []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT preview FROM stamps WHERE fingerprint = ?`, fingerprint).Scan(&preview)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return preview, true, nil
}

// Delete removes a stored stamp.
func (s *Store) Delete(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM stamps WHERE fingerprint = ?`, fingerprint)
	return err
}

func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// encodeFrames serializes frames as a versioned, zstd-compressed blob:
// u8 version, u32 count, then per frame u32 w, u32 h, pix bytes.
func (s *Store) encodeFrames(frames []normalize.Frame) ([]byte, error) {
	size := 5
	for _, f := range frames {
		size += 8 + len(f.Pix)
	}
	raw := make([]byte, 0, size)
	raw = append(raw, frameBlobVersion)
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(frames)))
	for _, f := range frames {
		raw = binary.LittleEndian.AppendUint32(raw, uint32(f.W))
		raw = binary.LittleEndian.AppendUint32(raw, uint32(f.H))
		raw = append(raw, f.Pix...)
	}
	return s.enc.EncodeAll(raw, nil), nil
}

func (s *Store) decodeFrames(blob []byte) ([]normalize.Frame, error) {
	raw, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	if len(raw) < 5 || raw[0] != frameBlobVersion {
		return nil, fmt.Errorf("bad frame blob header")
	}
	count := int(binary.LittleEndian.Uint32(raw[1:5]))
	off := 5

	frames := make([]normalize.Frame, 0, count)
	for i := 0; i < count; i++ {
		if off+8 > len(raw) {
			return nil, fmt.Errorf("truncated frame %d header", i)
		}
		w := int(binary.LittleEndian.Uint32(raw[off : off+4]))
		h := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		off += 8
		n := w * h * 4
		if n < 0 || off+n > len(raw) {
			return nil, fmt.Errorf("truncated frame %d pixels", i)
		}
		frames = append(frames, normalize.Frame{W: w, H: h, Pix: raw[off : off+n]})
		off += n
	}
	return frames, nil
}

// encodePreview renders the first frame as PNG for browsing stored
// stamps without decompressing the full frame blob.
func encodePreview(asset *normalize.StampAsset) ([]byte, error) {
	if len(asset.Frames) == 0 {
		return nil, fmt.Errorf("asset has no frames")
	}
	f := asset.Frames[0]
	img := &image.RGBA{
		Pix:    f.Pix,
		Stride: 4 * f.W,
		Rect:   image.Rect(0, 0, f.W, f.H),
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
