package crypto

import (
	"bytes"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MerkleTree is a keccak256 binary tree with sorted-pair hashing, so proofs
// carry no left/right flags. An odd node is promoted to the next layer as is.
type MerkleTree struct {
	layers [][]common.Hash
}

// NewMerkleTree builds a tree over pre-hashed leaves.
func NewMerkleTree(leaves []common.Hash) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("merkle tree needs at least one leaf")
	}

	layer := make([]common.Hash, len(leaves))
	copy(layer, leaves)
	layers := [][]common.Hash{layer}

	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, hashPair(layer[i], layer[i+1]))
		}
		layers = append(layers, next)
		layer = next
	}

	return &MerkleTree{layers: layers}, nil
}

// Root returns the tree root.
func (t *MerkleTree) Root() common.Hash {
	return t.layers[len(t.layers)-1][0]
}

// Proof returns the sibling path of leaf index.
func (t *MerkleTree) Proof(index int) ([]common.Hash, error) {
	if index < 0 || index >= len(t.layers[0]) {
		return nil, errors.New("leaf index out of range")
	}

	proof := []common.Hash{}
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := index ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// VerifyMerkleProof recomputes the root from leaf and proof.
func VerifyMerkleProof(root, leaf common.Hash, proof []common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}

// MerkleLeaf domain-separates leaf data from interior nodes.
func MerkleLeaf(data ...[]byte) common.Hash {
	parts := append([][]byte{{0x00}}, data...)
	return ethcrypto.Keccak256Hash(parts...)
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256Hash(a[:], b[:])
}
