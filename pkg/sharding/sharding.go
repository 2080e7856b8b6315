// Package sharding maps routing keys onto a fixed shard space and
// partitions that space across worker pods.
//
// The hash is stable across processes and languages: any writer or reader
// computing a shard for the same key on the same bit width gets the same
// ordinal, which is what lets source rows written by one system be claimed
// deterministically by another.
package sharding

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// MaxBits bounds the shard space to 2^32 ordinals. Wider spaces have no
// practical use and would overflow the int ordinals used throughout.
const MaxBits = 32

// Hash maps value onto [0, 2^bits) by masking the first 8 bytes of its
// SHA-256 digest, interpreted big-endian.
func Hash(value string, bits uint8) uint64 {
	sum := sha256.Sum256([]byte(value))
	return binary.BigEndian.Uint64(sum[:8]) & ((1 << bits) - 1)
}

// Assignment is the contiguous shard block owned by one pod.
type Assignment struct {
	PodOrdinal int
	PodCount   int
	Bits       uint8
	Shards     []uint64
}

// Contains reports whether shard belongs to this assignment.
func (a Assignment) Contains(shard uint64) bool {
	if len(a.Shards) == 0 {
		return false
	}
	return shard >= a.Shards[0] && shard <= a.Shards[len(a.Shards)-1]
}

// Assign partitions [0, 2^bits) into contiguous per-pod blocks. The
// remainder of the division goes one extra shard to the lowest-ordinal pods,
// so the blocks over all ordinals form a total partition with no overlap.
//
// With bits=3 and 5 pods the block sizes are {2,2,2,1,1}.
func Assign(podOrdinal, podCount int, bits uint8) (Assignment, error) {
	if bits > MaxBits {
		return Assignment{}, fmt.Errorf("sharding: bits %d exceeds maximum %d", bits, MaxBits)
	}
	if podCount <= 0 {
		return Assignment{}, fmt.Errorf("sharding: pod count must be positive, got %d", podCount)
	}
	if podOrdinal < 0 || podOrdinal >= podCount {
		return Assignment{}, fmt.Errorf("sharding: pod ordinal %d outside [0, %d)", podOrdinal, podCount)
	}

	total := uint64(1) << bits
	base := total / uint64(podCount)
	rem := total % uint64(podCount)

	var start, size uint64
	if uint64(podOrdinal) < rem {
		size = base + 1
		start = uint64(podOrdinal) * size
	} else {
		size = base
		start = rem*(base+1) + (uint64(podOrdinal)-rem)*base
	}

	shards := make([]uint64, size)
	for i := range shards {
		shards[i] = start + uint64(i)
	}
	return Assignment{
		PodOrdinal: podOrdinal,
		PodCount:   podCount,
		Bits:       bits,
		Shards:     shards,
	}, nil
}
