package kademlia

import (
	"bytes"
	"math/bits"

	"github.com/storjnode/overlay/identity"
)

// numBuckets is the number of k-buckets: one per bit of a 160-bit id space.
const numBuckets = identity.IDLength * 8

// Distance is the XOR metric between two node ids.
type Distance [identity.IDLength]byte

// XOR computes the distance between two node ids.
func XOR(a, b identity.NodeID) Distance {
	var d Distance
	for i := 0; i < identity.IDLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether d represents a strictly smaller distance than other,
// comparing both as big-endian unsigned integers.
func (d Distance) Less(other Distance) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// bucketIndex returns the k-bucket index for id relative to local, per
// spec.md §3: "the highest-bit-different determines k-bucket index". Index
// 0 means the two ids differ at the most-significant bit (farthest apart);
// index numBuckets-1 means they differ only in the least-significant bit
// (nearest). Returns -1 when id == local (no bucket, never stored).
func bucketIndex(local, id identity.NodeID) int {
	d := XOR(local, id)
	for i := 0; i < identity.IDLength; i++ {
		if d[i] == 0 {
			continue
		}
		leading := bits.LeadingZeros8(d[i])
		return i*8 + leading
	}
	return -1
}
