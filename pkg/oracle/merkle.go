package oracle

import (
	"bytes"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
)

// The Merkle scheme is sibling-sorted keccak-256: leaf hashes are
// keccak(leaf_bytes_56) and each parent is keccak(min(a,b) || max(a,b))
// byte-lexicographic, so proofs carry no left/right direction. An
// unpaired node at the end of a level is promoted unchanged.

// HashLeaf hashes the canonical 56-byte encoding of a leaf.
func HashLeaf(l FeedLeaf) [32]byte {
	enc := l.Encode()
	return crypto.Keccak256(enc[:])
}

func hashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256(a[:], b[:])
}

// BuildTree builds the flat tree over leaves: the concatenation of
// per-level node arrays bottom-up. The last element is the root.
// Returns nil for zero leaves.
func BuildTree(leaves []FeedLeaf) [][32]byte {
	if len(leaves) == 0 {
		return nil
	}
	level := make([][32]byte, len(leaves))
	for i, l := range leaves {
		level[i] = HashLeaf(l)
	}
	tree := append([][32]byte(nil), level...)
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		tree = append(tree, next...)
		level = next
	}
	return tree
}

// TreeRoot returns the root of a flat tree built by BuildTree.
func TreeRoot(tree [][32]byte) [32]byte {
	if len(tree) == 0 {
		return [32]byte{}
	}
	return tree[len(tree)-1]
}

// ExtractProof collects the sibling hash at each level for the leaf at
// index. Levels where the node is unpaired contribute no element.
func ExtractProof(tree [][32]byte, leafCount, index int) [][32]byte {
	if leafCount == 0 || index < 0 || index >= leafCount {
		return nil
	}
	var proof [][32]byte
	offset := 0
	size := leafCount
	for size > 1 {
		sibling := index ^ 1
		if sibling < size {
			proof = append(proof, tree[offset+sibling])
		}
		offset += size
		index /= 2
		size = (size + 1) / 2
	}
	return proof
}

// VerifyProof checks a sibling-sorted proof for the 56-byte leaf
// encoding against root.
func VerifyProof(root [32]byte, leafBytes []byte, proof [][32]byte) bool {
	if len(leafBytes) != LeafSize {
		return false
	}
	h := crypto.Keccak256(leafBytes)
	for _, p := range proof {
		h = hashPair(h, p)
	}
	return h == root
}
