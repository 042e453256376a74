package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// ErrPaymentNotLocked is returned when no payment lock exists for a leaf.
var ErrPaymentNotLocked = errors.New("payment leg not locked")

// OriginChain serves inclusion proofs for payment locks.
type OriginChain interface {
	ID() protocol.ChainID
	InclusionProof(ctx context.Context, leaf common.Hash) (*protocol.LightClientProof, error)
}

// SimulatedChain is an in-process chain with a secp256k1 validator set. It
// records payment locks, checkpoints their Merkle root as state root and
// delivers owed assets. It backs local runs and tests.
type SimulatedChain struct {
	id   protocol.ChainID
	keys []*ecdsa.PrivateKey
	set  ValidatorSet

	mu         sync.Mutex
	leaves     []common.Hash
	index      map[common.Hash]int
	height     uint64
	tree       *crypto.MerkleTree
	committed  int
	deliveries map[protocol.ObligationID]string
	failNext   int
}

// NewSimulatedChain creates a chain with validators of equal power.
func NewSimulatedChain(id protocol.ChainID, validators int) (*SimulatedChain, error) {
	c := &SimulatedChain{
		id:         id,
		set:        ValidatorSet{Chain: id},
		index:      make(map[common.Hash]int),
		deliveries: make(map[protocol.ObligationID]string),
	}
	for i := 0; i < validators; i++ {
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		c.keys = append(c.keys, key)
		c.set.Validators = append(c.set.Validators, Validator{Address: ethcrypto.PubkeyToAddress(key.PublicKey), Power: 10})
	}
	return c, nil
}

func (c *SimulatedChain) ID() protocol.ChainID {
	return c.id
}

// ValidatorSet returns the set a light client of this chain trusts.
func (c *SimulatedChain) ValidatorSet() ValidatorSet {
	return c.set
}

// LockPayment records the payment leg of ob on this chain.
func (c *SimulatedChain) LockPayment(ob *protocol.SettlementObligation) error {
	if ob.OriginChain != c.id {
		return fmt.Errorf("payment of %s is on %s, not %s", ob.ID, ob.OriginChain, c.id)
	}
	leaf := ob.PaymentLeaf()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[leaf]; ok {
		return nil
	}
	c.index[leaf] = len(c.leaves)
	c.leaves = append(c.leaves, leaf)
	return nil
}

// Checkpoint commits every recorded lock under a new state root.
func (c *SimulatedChain) Checkpoint() (uint64, common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkpointLocked(); err != nil {
		return 0, common.Hash{}, err
	}
	return c.height, c.tree.Root(), nil
}

func (c *SimulatedChain) checkpointLocked() error {
	tree, err := crypto.NewMerkleTree(c.leaves)
	if err != nil {
		return err
	}
	c.height++
	c.tree = tree
	c.committed = len(c.leaves)
	return nil
}

// InclusionProof proves leaf under the latest checkpoint, checkpointing
// first if the leaf is newer than it.
func (c *SimulatedChain) InclusionProof(_ context.Context, leaf common.Hash) (*protocol.LightClientProof, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.index[leaf]
	if !ok {
		return nil, fmt.Errorf("%w on %s", ErrPaymentNotLocked, c.id)
	}
	if c.tree == nil || idx >= c.committed {
		if err := c.checkpointLocked(); err != nil {
			return nil, err
		}
	}
	path, err := c.tree.Proof(idx)
	if err != nil {
		return nil, err
	}

	root := c.tree.Root()
	digest := protocol.CheckpointDigest(c.id, c.height, root)
	proof := &protocol.LightClientProof{
		OriginChain: c.id,
		Height:      c.height,
		StateRoot:   root,
		Leaf:        leaf,
		MerkleProof: path,
	}
	for _, key := range c.keys {
		sig, err := ethcrypto.Sign(digest.Bytes(), key)
		if err != nil {
			return nil, err
		}
		proof.Signatures = append(proof.Signatures, protocol.ValidatorSignature{
			Validator: ethcrypto.PubkeyToAddress(key.PublicKey),
			Signature: sig,
		})
	}
	return proof, nil
}

// FailDeliveries makes the chain reject the next n new deliveries.
func (c *SimulatedChain) FailDeliveries(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// Deliver releases the owed asset of ob. Repeated deliveries of one
// obligation return the first transaction.
func (c *SimulatedChain) Deliver(_ context.Context, ob *protocol.SettlementObligation) (string, error) {
	if ob.DestinationChain != c.id {
		return "", fmt.Errorf("%w: obligation %s delivers on %s, not %s", ErrDeliveryRejected, ob.ID, ob.DestinationChain, c.id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tx, ok := c.deliveries[ob.ID]; ok {
		return tx, nil
	}
	if c.failNext > 0 {
		c.failNext--
		return "", fmt.Errorf("%w: %s delivery transaction reverted", ErrDeliveryRejected, c.id)
	}
	tx := "0x" + common.Bytes2Hex(ethcrypto.Keccak256([]byte(c.id), []byte(ob.ID), []byte(uuid.NewString())))
	c.deliveries[ob.ID] = tx
	return tx, nil
}

// Delivered returns the delivery transaction of id.
func (c *SimulatedChain) Delivered(id protocol.ObligationID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.deliveries[id]
	return tx, ok
}
