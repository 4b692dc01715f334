package core

import (
	"crypto/sha256"
	"encoding/binary"

	"EnergyLedger/internal/battery"
	"EnergyLedger/internal/event"
)

const GenesisHashSeed = "EnergyLedger:record:v1"

// RecordHasher computes the digest stored with each operation record:
//
//	SHA-256(seed || sequence || op || key || amount || pool || user)
//
// Records are hashed independently; operations on disjoint pairs commit
// concurrently, so there is no chain to extend.
type RecordHasher struct {
	seed [32]byte
}

func NewRecordHasher() *RecordHasher {
	return &RecordHasher{seed: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Digest hashes the post-commit records of one operation.
func (h *RecordHasher) Digest(rec *event.OperationRecord, p *battery.Pool, u *battery.UserAccount) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.seed[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(rec.Sequence))
	hasher.Write(buf[:])

	binary.LittleEndian.PutUint32(buf[:4], uint32(rec.Op))
	hasher.Write(buf[:4])

	hasher.Write(rec.IdempotencyKey[:])

	binary.LittleEndian.PutUint64(buf[:], rec.Amount)
	hasher.Write(buf[:])

	hasher.Write(p.CanonicalBytes())
	hasher.Write(u.CanonicalBytes())

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}
