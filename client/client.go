// Package client is the participant side of the auction API.
//
// A Client holds one participant identity, signs every request that needs
// it and seals bids locally to the reveal round the node publishes, so the
// node never sees a plaintext bid before close.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bomba-atomica/atomica-sub004/collateral"
	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/bomba-atomica/atomica-sub004/scheduler"
	"github.com/bomba-atomica/atomica-sub004/sealedbid"
	"github.com/bomba-atomica/atomica-sub004/services"
	"github.com/bomba-atomica/atomica-sub004/settlement"
	"github.com/shopspring/decimal"
)

// Order is the plaintext of a bid before sealing.
type Order struct {
	Pair       protocol.AssetPair
	Side       protocol.Side
	LimitPrice decimal.Decimal
	Quantity   decimal.Decimal
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithChainHash pins the beacon chain bids must be sealed to.
func WithChainHash(hash string) Option {
	return func(c *Client) { c.chainHash = hash }
}

// WithAuctioneer pins the key receipts must be signed with.
func WithAuctioneer(pk crypto.PublicKey) Option {
	return func(c *Client) { c.auctioneer = pk }
}

// Client talks to one auction node on behalf of one participant.
type Client struct {
	baseURL    string
	key        crypto.PrivateKey
	id         protocol.ParticipantID
	chainHash  string
	auctioneer crypto.PublicKey
	httpClient *http.Client
}

func New(baseURL string, key crypto.PrivateKey, opts ...Option) (*Client, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    baseURL,
		key:        key,
		id:         protocol.ParticipantFromKey(pub),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ID is the participant identity of the client.
func (c *Client) ID() protocol.ParticipantID {
	return c.id
}

// do sends body as JSON and decodes the answer into out. Failure reasons in
// error responses are restored so callers can match them with errors.Is.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("node returned status %d: %w", resp.StatusCode, protocol.ParseError(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Schedule fetches the open epoch and its sealing parameters.
func (c *Client) Schedule(ctx context.Context) (*services.ScheduleResponse, error) {
	var schedule services.ScheduleResponse
	if err := c.do(ctx, http.MethodGet, "/v1/schedule", nil, &schedule); err != nil {
		return nil, err
	}
	if hash := schedule.Beacon.ChainHash(); hash != schedule.ChainHash {
		return nil, fmt.Errorf("schedule advertises chain %s but beacon parameters hash to %s", schedule.ChainHash, hash)
	}
	if c.chainHash != "" && schedule.ChainHash != c.chainHash {
		return nil, fmt.Errorf("node seals to chain %s, expected %s", schedule.ChainHash, c.chainHash)
	}
	return &schedule, nil
}

// Lock reserves amount of bidding capacity. Retrying with the same nonce
// returns the same lock.
func (c *Client) Lock(ctx context.Context, amount decimal.Decimal, nonce string) (collateral.Lock, error) {
	signed, err := protocol.NewSigned(c.key, &protocol.LockRequest{Participant: c.id, Amount: amount, Nonce: nonce})
	if err != nil {
		return collateral.Lock{}, err
	}
	var lock collateral.Lock
	err = c.do(ctx, http.MethodPost, "/v1/locks", signed, &lock)
	return lock, err
}

// Submit seals order to the open epoch and submits it against lock.
func (c *Client) Submit(ctx context.Context, lock protocol.LockRef, order Order) (*protocol.Receipt, error) {
	schedule, err := c.Schedule(ctx)
	if err != nil {
		return nil, err
	}

	payload := &protocol.BidPayload{
		Participant: c.id,
		Pair:        order.Pair,
		Side:        order.Side,
		Epoch:       schedule.Epoch,
		LimitPrice:  order.LimitPrice,
		Quantity:    order.Quantity,
	}
	ct, err := sealedbid.Seal(schedule.Beacon, schedule.CloseTime, payload)
	if err != nil {
		return nil, fmt.Errorf("sealing bid: %w", err)
	}
	signed, err := protocol.NewSigned(c.key, &protocol.BidSubmission{
		Participant: c.id,
		Pair:        order.Pair,
		Side:        order.Side,
		Epoch:       schedule.Epoch,
		LockRef:     lock,
		Payload:     ct,
	})
	if err != nil {
		return nil, err
	}

	var signedReceipt protocol.Signed[protocol.Receipt]
	if err := c.do(ctx, http.MethodPost, "/v1/bids", signed, &signedReceipt); err != nil {
		return nil, err
	}
	receipt, signer, err := signedReceipt.Recover()
	if err != nil {
		return nil, fmt.Errorf("receipt: %w", err)
	}
	if c.auctioneer != nil && !c.auctioneer.Equal(signer) {
		return nil, errors.New("receipt not signed by the auctioneer")
	}
	if receipt.Participant != c.id || receipt.LockRef != lock || receipt.Epoch != schedule.Epoch {
		return nil, errors.New("receipt does not match the submission")
	}
	return receipt, nil
}

// Cancel withdraws a sealed bid before close.
func (c *Client) Cancel(ctx context.Context, id protocol.BidID) error {
	signed, err := protocol.NewSigned(c.key, &protocol.BidCancellation{BidID: id, Participant: c.id})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/bids/cancel", signed, nil)
}

func (c *Client) BidStatus(ctx context.Context, id protocol.BidID) (*services.BidStatusResponse, error) {
	var status services.BidStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/bids/"+url.PathEscape(string(id)), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) Position(ctx context.Context) (protocol.CollateralPosition, error) {
	var position protocol.CollateralPosition
	err := c.do(ctx, http.MethodGet, "/v1/collateral/"+string(c.id), nil, &position)
	return position, err
}

func (c *Client) Withdraw(ctx context.Context, amount decimal.Decimal, nonce string) (protocol.CollateralPosition, error) {
	var position protocol.CollateralPosition
	signed, err := protocol.NewSigned(c.key, &protocol.WithdrawRequest{Participant: c.id, Amount: amount, Nonce: nonce})
	if err != nil {
		return position, err
	}
	err = c.do(ctx, http.MethodPost, "/v1/collateral/withdraw", signed, &position)
	return position, err
}

// Epoch fetches the report of a closed epoch.
func (c *Client) Epoch(ctx context.Context, epoch protocol.EpochID) (*scheduler.EpochReport, error) {
	var report scheduler.EpochReport
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/epochs/%d", epoch), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) Obligation(ctx context.Context, id protocol.ObligationID) (*services.ObligationResponse, error) {
	var ob services.ObligationResponse
	if err := c.do(ctx, http.MethodGet, "/v1/obligations/"+url.PathEscape(string(id)), nil, &ob); err != nil {
		return nil, err
	}
	return &ob, nil
}

// Obligations lists the obligations of the client's participant.
func (c *Client) Obligations(ctx context.Context) ([]services.ObligationResponse, error) {
	var list services.ObligationListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/participants/"+string(c.id)+"/obligations", nil, &list); err != nil {
		return nil, err
	}
	return list.Obligations, nil
}

// SubmitProof hands a delivery proof to the node.
func (c *Client) SubmitProof(ctx context.Context, proof *protocol.DeliveryProof) (*protocol.Outcome, error) {
	signed, err := protocol.NewSigned(c.key, proof)
	if err != nil {
		return nil, err
	}
	var outcome protocol.Outcome
	if err := c.do(ctx, http.MethodPost, "/v1/obligations/proof", signed, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// Settle proves every pending obligation of the participant with prover and
// submits the proofs. Payment legs must already be locked on their origin
// chains. Obligations that fail to prove or deliver are reported in the
// joined error; the outcomes of the others are returned.
func (c *Client) Settle(ctx context.Context, prover settlement.Prover, concurrency int) ([]protocol.Outcome, error) {
	obligations, err := c.Obligations(ctx)
	if err != nil {
		return nil, err
	}
	var pending []protocol.SettlementObligation
	for _, ob := range obligations {
		if ob.State == protocol.ObligationPending {
			pending = append(pending, ob.SettlementObligation)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	proofs, proveErr := settlement.ProveAll(ctx, prover, pending, concurrency)
	errs := []error{proveErr}
	var outcomes []protocol.Outcome
	for i, proof := range proofs {
		if proof == nil {
			continue
		}
		outcome, err := c.SubmitProof(ctx, proof)
		if err != nil {
			errs = append(errs, fmt.Errorf("obligation %s: %w", pending[i].ID, err))
			continue
		}
		outcomes = append(outcomes, *outcome)
	}
	return outcomes, errors.Join(errs...)
}
