package core

import (
	"crypto/sha256"
	"encoding/binary"

	"StampLedger/internal/canvas"
)

const genesisHashSeed = "StampLedger:genesis:v1"

// OccupancyHasher maintains the diagnostic hash chain over confirmed
// occupancy: hash[N] = SHA-256(prev_hash || sequence || digest). The
// authoritative peer stamps each envelope with the chain value; other
// peers recompute after applying and log divergence.
type OccupancyHasher struct {
	prevHash [32]byte
}

func NewOccupancyHasher() *OccupancyHasher {
	return &OccupancyHasher{prevHash: sha256.Sum256([]byte(genesisHashSeed))}
}

// Advance folds one applied envelope into the chain and returns the new
// tip.
func (h *OccupancyHasher) Advance(sequence int64, digest []byte) []byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	copy(h.prevHash[:], hasher.Sum(nil))
	out := make([]byte, 32)
	copy(out, h.prevHash[:])
	return out
}

// Tip returns the current chain head.
func (h *OccupancyHasher) Tip() []byte {
	out := make([]byte, 32)
	copy(out, h.prevHash[:])
	return out
}

// SetTip resets the chain head, used when adopting a snapshot.
func (h *OccupancyHasher) SetTip(tip []byte) {
	if len(tip) == 32 {
		copy(h.prevHash[:], tip)
	}
}

// OccupancyDigest hashes the live binding set. Input must be ordered
// (registry.Live sorts by sequence) so converged peers digest
// identically.
func OccupancyDigest(live []*canvas.Binding) []byte {
	hasher := sha256.New()
	var buf [8]byte
	for _, b := range live {
		hasher.Write(b.PlacementID[:])
		hasher.Write(b.AuthorID[:])
		hasher.Write([]byte(b.Slot.Key()))
		hasher.Write([]byte(b.Fingerprint))
		binary.LittleEndian.PutUint64(buf[:], uint64(b.Sequence))
		hasher.Write(buf[:])
		buf[0] = byte(b.Orientation)
		hasher.Write(buf[:1])
	}
	return hasher.Sum(nil)
}
