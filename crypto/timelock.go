package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// TimelockDST is the hash-to-curve domain separation tag used for round
// identities. It matches the drand unchained G2 scheme so that beacon
// signatures double as identity decryption keys.
const TimelockDST = "BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_"

const timelockKDFInfo = "atomica-timelock-v1"

// Sizes of compressed BLS12-381 points.
const (
	TimelockPublicKeySize = 48
	IdentityKeySize       = 96
)

var (
	errInvalidPoint  = errors.New("invalid curve point")
	errZeroScalar    = errors.New("scalar must be non-zero")
	errWrongIdentity = errors.New("identity key does not match round")
)

// TimelockPublicKey is the beacon master public key s·G1 in compressed form.
type TimelockPublicKey []byte

// String returns the hex encoding of the key.
func (pk TimelockPublicKey) String() string {
	return hex.EncodeToString(pk)
}

// IdentityKey is the per-round secret s·H(round) in G2. The beacon publishes
// it once the round is reached; before that nobody can derive it.
type IdentityKey []byte

// TimelockMasterKey holds the beacon secret s. Only beacon operators and
// tests construct one.
type TimelockMasterKey struct {
	secret *big.Int
	public bls12381.G1Affine
}

// GenerateTimelockMasterKey samples a new master secret.
func GenerateTimelockMasterKey() (*TimelockMasterKey, error) {
	s, err := randomScalar()
	if err != nil {
		return nil, err
	}
	return newMasterKey(s), nil
}

// NewTimelockMasterKey restores a master key from its big-endian secret.
func NewTimelockMasterKey(secret []byte) (*TimelockMasterKey, error) {
	s := new(big.Int).SetBytes(secret)
	s.Mod(s, fr.Modulus())
	if s.Sign() == 0 {
		return nil, errZeroScalar
	}
	return newMasterKey(s), nil
}

func newMasterKey(s *big.Int) *TimelockMasterKey {
	_, _, g1, _ := bls12381.Generators()
	var pub bls12381.G1Affine
	pub.ScalarMultiplication(&g1, s)
	return &TimelockMasterKey{secret: s, public: pub}
}

// Secret returns the big-endian master secret.
func (k *TimelockMasterKey) Secret() []byte {
	return k.secret.Bytes()
}

// PublicKey returns s·G1.
func (k *TimelockMasterKey) PublicKey() TimelockPublicKey {
	b := k.public.Bytes()
	return TimelockPublicKey(b[:])
}

// IdentityKey derives the decryption key for a round.
func (k *TimelockMasterKey) IdentityKey(round uint64) (IdentityKey, error) {
	q, err := identityPoint(round)
	if err != nil {
		return nil, err
	}
	var d bls12381.G2Affine
	d.ScalarMultiplication(&q, k.secret)
	b := d.Bytes()
	return IdentityKey(b[:]), nil
}

// RoundIdentity is the message hashed to G2 for a round: sha256 of the
// big-endian round number.
func RoundIdentity(round uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	h := sha256.Sum256(buf[:])
	return h[:]
}

func identityPoint(round uint64) (bls12381.G2Affine, error) {
	return bls12381.HashToG2(RoundIdentity(round), []byte(TimelockDST))
}

// VerifyIdentityKey checks e(G1, d) == e(MPK, H(round)).
func VerifyIdentityKey(pub TimelockPublicKey, round uint64, key IdentityKey) error {
	mpk, err := parseG1(pub)
	if err != nil {
		return fmt.Errorf("master public key: %w", err)
	}
	d, err := parseG2(key)
	if err != nil {
		return fmt.Errorf("identity key: %w", err)
	}
	q, err := identityPoint(round)
	if err != nil {
		return err
	}

	_, _, g1, _ := bls12381.Generators()
	var negG1 bls12381.G1Affine
	negG1.Neg(&g1)

	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{negG1, mpk},
		[]bls12381.G2Affine{d, q},
	)
	if err != nil {
		return fmt.Errorf("pairing: %w", err)
	}
	if !ok {
		return errWrongIdentity
	}
	return nil
}

// TimelockCiphertext is a payload sealed to a future beacon round.
type TimelockCiphertext struct {
	Round      uint64 `json:"round"`
	U          []byte `json:"u"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Digest returns a SHA-256 commitment to the ciphertext.
func (c *TimelockCiphertext) Digest() Hash {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.Round)
	h.Write(buf[:])
	h.Write(c.U)
	h.Write(c.Nonce)
	h.Write(c.Ciphertext)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// TimelockEncrypt seals plaintext so that it opens only with the identity
// key of round: U = r·G1, K = e(r·MPK, H(round)).
func TimelockEncrypt(pub TimelockPublicKey, round uint64, plaintext []byte) (*TimelockCiphertext, error) {
	mpk, err := parseG1(pub)
	if err != nil {
		return nil, fmt.Errorf("master public key: %w", err)
	}
	q, err := identityPoint(round)
	if err != nil {
		return nil, err
	}
	r, err := randomScalar()
	if err != nil {
		return nil, err
	}

	_, _, g1, _ := bls12381.Generators()
	var u, rMPK bls12381.G1Affine
	u.ScalarMultiplication(&g1, r)
	rMPK.ScalarMultiplication(&mpk, r)

	gt, err := bls12381.Pair([]bls12381.G1Affine{rMPK}, []bls12381.G2Affine{q})
	if err != nil {
		return nil, fmt.Errorf("pairing: %w", err)
	}

	uBytes := u.Bytes()
	key, err := deriveAEADKey(gt.Marshal(), uBytes[:], timelockKDFInfo)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext, err := sealAEAD(key, plaintext, timelockAAD(round, uBytes[:]))
	if err != nil {
		return nil, err
	}

	return &TimelockCiphertext{
		Round:      round,
		U:          uBytes[:],
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// TimelockDecrypt opens a ciphertext with the round's identity key:
// K = e(U, d).
func TimelockDecrypt(key IdentityKey, ct *TimelockCiphertext) ([]byte, error) {
	if ct == nil {
		return nil, errors.New("nil ciphertext")
	}
	u, err := parseG1(ct.U)
	if err != nil {
		return nil, fmt.Errorf("ciphertext U: %w", err)
	}
	d, err := parseG2(key)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}

	gt, err := bls12381.Pair([]bls12381.G1Affine{u}, []bls12381.G2Affine{d})
	if err != nil {
		return nil, fmt.Errorf("pairing: %w", err)
	}

	aeadKey, err := deriveAEADKey(gt.Marshal(), ct.U, timelockKDFInfo)
	if err != nil {
		return nil, err
	}
	return openAEAD(aeadKey, ct.Nonce, ct.Ciphertext, timelockAAD(ct.Round, ct.U))
}

func timelockAAD(round uint64, u []byte) []byte {
	aad := make([]byte, 8, 8+len(u))
	binary.BigEndian.PutUint64(aad, round)
	return append(aad, u...)
}

func randomScalar() (*big.Int, error) {
	for {
		s, err := rand.Int(rand.Reader, fr.Modulus())
		if err != nil {
			return nil, fmt.Errorf("sample scalar: %w", err)
		}
		if s.Sign() != 0 {
			return s, nil
		}
	}
}

func parseG1(b []byte) (bls12381.G1Affine, error) {
	var p bls12381.G1Affine
	if len(b) != TimelockPublicKeySize {
		return p, errInvalidPoint
	}
	if _, err := p.SetBytes(b); err != nil {
		return p, fmt.Errorf("%w: %v", errInvalidPoint, err)
	}
	if p.IsInfinity() {
		return p, errInvalidPoint
	}
	return p, nil
}

func parseG2(b []byte) (bls12381.G2Affine, error) {
	var p bls12381.G2Affine
	if len(b) != IdentityKeySize {
		return p, errInvalidPoint
	}
	if _, err := p.SetBytes(b); err != nil {
		return p, fmt.Errorf("%w: %v", errInvalidPoint, err)
	}
	if p.IsInfinity() {
		return p, errInvalidPoint
	}
	return p, nil
}
