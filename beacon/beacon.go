// Package beacon provides the randomness beacon that releases timelock keys.
//
// The beacon follows the drand unchained scheme with public keys on G1:
// round r is emitted at GenesisTime + (r-1)·Period and its signature
// s·H(r) is the identity key that opens every bid sealed to round r. The
// auction only depends on the Beacon interface so tests can drive it with
// a local beacon and a fake clock.
package beacon

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/bomba-atomica/atomica-sub004/crypto"
)

// Scheme is the drand scheme identifier the timelock is compatible with.
const Scheme = "pedersen-bls-unchained"

// Info describes a beacon chain.
type Info struct {
	PublicKey   crypto.TimelockPublicKey `json:"public_key"`
	GenesisTime time.Time                `json:"genesis_time"`
	Period      time.Duration            `json:"period"`
	Scheme      string                   `json:"scheme"`
}

// RoundTime returns the emission time of round. Round 1 is emitted at genesis.
func (i Info) RoundTime(round uint64) time.Time {
	if round == 0 {
		return i.GenesisTime
	}
	return i.GenesisTime.Add(time.Duration(round-1) * i.Period)
}

// RoundAt returns the first round emitted at or after t.
func (i Info) RoundAt(t time.Time) uint64 {
	if !t.After(i.GenesisTime) {
		return 1
	}
	elapsed := t.Sub(i.GenesisTime)
	rounds := elapsed / i.Period
	if elapsed%i.Period != 0 {
		rounds++
	}
	return uint64(rounds) + 1
}

// ChainHash identifies the chain by its parameters.
func (i Info) ChainHash() string {
	h := sha256.New()
	h.Write(i.PublicKey)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i.GenesisTime.Unix()))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(i.Period/time.Second))
	h.Write(buf[:])
	h.Write([]byte(i.Scheme))
	return hex.EncodeToString(h.Sum(nil))
}

// Beacon releases identity keys for rounds that have been reached.
type Beacon interface {
	// Info returns the chain parameters, including the master public key.
	Info() Info

	// IdentityKey returns the key of round, or an error wrapping
	// protocol.ErrTooEarly if the round has not been emitted yet.
	IdentityKey(ctx context.Context, round uint64) (crypto.IdentityKey, error)
}
