// Package crypto provides the cryptographic primitives of the auction.
//
//   - Ed25519 keys and signatures identify participants and authenticate
//     submissions, cancellations and auctioneer receipts
//   - Timelock encryption (Boneh-Franklin IBE over BLS12-381) seals bids to a
//     future beacon round; the beacon signature for that round is the
//     decryption key
//   - keccak256 Merkle trees back the light-client settlement proofs
//
// # Timelock
//
// The beacon master public key is MPK = s·G1. A round identity is
// H(round) in G2 and its key is d = s·H(round). Encryption picks r and
// publishes U = r·G1; both sides derive the same GT element, e(r·MPK, H) on
// encryption and e(U, d) on decryption, which is stretched with HKDF into an
// AES-256-GCM key.
//
// Note: pairing and scalar operations are not constant-time.
package crypto
