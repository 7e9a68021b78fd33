package idempotency

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// QueryKeyV1 computes the destination contract's per-transaction replay key.
//
//	queryKey = keccak256(uint64BE(chainKey) || uint64BE(blockHeight) || uint256BE(txIndex))
//
// This is abi.encodePacked(uint64, uint64, uint256). The relay never submits it; it is
// used to cross-check the MiningCredited event emitted on success.
func QueryKeyV1(chainKey, blockHeight, txIndex uint64) [32]byte {
	var buf [8 + 8 + 32]byte
	binary.BigEndian.PutUint64(buf[0:8], chainKey)
	binary.BigEndian.PutUint64(buf[8:16], blockHeight)
	binary.BigEndian.PutUint64(buf[40:48], txIndex)

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(buf[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveTxIndex rebuilds the transaction index implied by a merkle path: bit i is
// set iff the i-th sibling sits to the left. Paths deeper than 64 levels are truncated.
func DeriveTxIndex(isLeft []bool) uint64 {
	var idx uint64
	for i, left := range isLeft {
		if i >= 64 {
			break
		}
		if left {
			idx |= 1 << uint(i)
		}
	}
	return idx
}
