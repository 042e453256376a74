// Package protocol defines the data model shared by every Atomica component.
//
// An epoch is one daily cycle: participants lock collateral, submit sealed
// bids until the UTC close, the beacon releases the reveal key, each listed
// market is cleared at one uniform price in a published order, and winners
// settle across chains within the delivery window.
//
// # Messages
//
// Participant requests travel as Signed[T] envelopes. The signer's public key
// is the participant id, so a request is only honoured when the envelope
// signer matches the participant it names.
//
// # Errors
//
// Failures are reported as Error values (LateSubmission, UndecryptableBid,
// InsufficientCollateral, NoClearingPrice, InsufficientParticipants,
// ProofInvalid, SettlementTimeout, LedgerConflict and a few request errors).
// ReasonOf recovers the reason from a wrapped error.
//
// # Settlement proofs
//
// DeliveryProof is a tagged union of a light-client proof (validator quorum
// over a state root plus Merkle inclusion) and a TEE-attested payment claim.
// Validate checks that exactly the variant named by Kind is present.
package protocol
