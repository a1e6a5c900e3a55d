package model

import (
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"golang.org/x/crypto/blake2b"
)

// CalcMerkleRoot computes a binary merkle root over the given hashes.
// An empty set yields the zero hash; odd levels duplicate the last node.
func CalcMerkleRoot(hashes []*chainhash.Hash) *chainhash.Hash {
	if len(hashes) == 0 {
		return &chainhash.Hash{}
	}

	level := make([]*chainhash.Hash, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([]*chainhash.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashNodes(level[i], level[i+1]))
		}

		level = next
	}

	return level[0]
}

func hashNodes(left, right *chainhash.Hash) *chainhash.Hash {
	buf := make([]byte, 0, chainhash.HashSize*2)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)

	digest := blake2b.Sum256(buf)
	hash, _ := chainhash.NewHash(digest[:])

	return hash
}
