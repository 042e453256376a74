/*
Package services exposes an Atomica auction node over HTTP.

A Node wires the collateral ledger, the sealed-bid book, the scheduler with
its epoch coordinator and the settler around one event log, and restores
all of them from that log on startup. The API serves participants and the
operator:

  - GET  /v1/schedule - open epoch, clearing order and beacon parameters
  - POST /v1/locks - reserve bidding capacity (participant signed)
  - POST /v1/bids - submit a sealed bid, returns a signed receipt
  - POST /v1/bids/cancel - cancel before close (participant signed)
  - GET  /v1/bids/{id} - bid status, e.g. Matched@9 or Rejected:LateSubmission
  - GET  /v1/collateral/{participant} - collateral position and capacity
  - POST /v1/collateral/withdraw - withdraw free collateral (participant signed)
  - GET  /v1/epochs/{epoch} - epoch report once the epoch has closed
  - GET  /v1/obligations/{id} - settlement obligation and its status
  - POST /v1/obligations/proof - deliver a payment proof (participant signed)
  - GET  /v1/participants/{participant}/obligations - obligations of a participant
  - GET  /v1/stream - websocket stream of the event log (?after=seq&kinds=a,b)
  - POST /admin/collateral/deposit - home-chain deposit notice
  - POST /admin/epochs/{epoch}/run - force the run of a closed epoch

Admin routes use basic auth when an admin token ("user:pass") is set.

Bid and obligation statuses are read from a ProjectionStore that a
Projector keeps in step with the event log: InMemoryStore for tests and
single-process runs, PostgresStore for deployments.

Signed requests carry a protocol.Signed envelope; the recovered signer must
be the participant named in the payload, or for proofs the participant of
the obligation. Failure reasons map to HTTP statuses: unknown ids are 404,
late submissions and ledger conflicts 409, missing collateral and invalid
proofs 422.
*/
package services
