package eventlog

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	apperrors "lineagetrace/pkg/errors"
)

// checksumSeed is the constant seed §6 requires for reproducible checksums
// across runs.
const checksumSeed = 42

// Checksum hashes data with a seeded, stable non-cryptographic hash and
// truncates the result to 32 bits.
func Checksum(data []byte) uint32 {
	h := xxhash.NewWithSeed(checksumSeed)
	h.Write(data)
	return uint32(h.Sum64())
}

// checksumKey identifies one (dataset, partition, kind) checksum slot.
type checksumKey struct {
	datasetID      int
	partitionIndex int
	kind           string
}

// Mismatch is a recorded ChecksumMismatch, kept for later inspection rather
// than raised as an error.
type Mismatch struct {
	DatasetID      int
	PartitionIndex int
	Kind           string
	Expected       uint32
	Got            uint32
}

// Verifier keeps the first-seen checksum for every (datasetId, partitionIndex,
// kind) triple encountered during replay, recording every later disagreement
// instead of failing the read.
type Verifier struct {
	mu        sync.Mutex
	seen      map[checksumKey]uint32
	mismatches []Mismatch
}

// NewVerifier constructs an empty checksum verifier.
func NewVerifier() *Verifier {
	return &Verifier{seen: make(map[checksumKey]uint32)}
}

// Verify records got as the checksum for (datasetID, partitionIndex, kind) if
// this is the first occurrence, or compares it against the first-seen value
// otherwise. A disagreement is appended to Mismatches and reported as a
// non-fatal *errors.TraceError.
func (v *Verifier) Verify(datasetID, partitionIndex int, kind string, got uint32) *apperrors.TraceError {
	key := checksumKey{datasetID, partitionIndex, kind}

	v.mu.Lock()
	defer v.mu.Unlock()

	expected, ok := v.seen[key]
	if !ok {
		v.seen[key] = got
		return nil
	}
	if expected == got {
		return nil
	}

	v.mismatches = append(v.mismatches, Mismatch{
		DatasetID:      datasetID,
		PartitionIndex: partitionIndex,
		Kind:           kind,
		Expected:       expected,
		Got:            got,
	})
	return apperrors.ChecksumMismatch("eventlog", "Verify", datasetID, partitionIndex, kind, expected, got)
}

// Mismatches returns every disagreement recorded so far, in encounter order.
func (v *Verifier) Mismatches() []Mismatch {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Mismatch, len(v.mismatches))
	copy(out, v.mismatches)
	return out
}
