package services

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bomba-atomica/atomica-sub004/beacon"
	"github.com/bomba-atomica/atomica-sub004/collateral"
	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/bomba-atomica/atomica-sub004/scheduler"
	"github.com/bomba-atomica/atomica-sub004/sealedbid"
	"github.com/bomba-atomica/atomica-sub004/settlement"
	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
)

// adminRunTimeout bounds a forced epoch run started from the admin API.
const adminRunTimeout = time.Minute

// APIConfig wires the API to the auction components.
type APIConfig struct {
	Auction     *protocol.AtomicaConfig
	Schedule    *protocol.EpochSchedule
	Beacon      beacon.Beacon
	Ledger      *collateral.Ledger
	Book        *sealedbid.Book
	Scheduler   *scheduler.Scheduler
	Coordinator *scheduler.Coordinator
	Settler     *settlement.Settler
	Store       ProjectionStore
	Events      eventlog.Log

	// AdminToken protects /admin routes with basic auth (user:pass). Empty
	// leaves them open.
	AdminToken string

	// AllowedOrigins are the browser origins, besides the API's own, that
	// may open the event stream.
	AllowedOrigins []string

	Logger *slog.Logger
	Now    func() time.Time
}

// API serves the participant and operator HTTP interface.
type API struct {
	cfg    APIConfig
	stream *Stream
}

func NewAPI(cfg APIConfig) *API {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &API{
		cfg:    cfg,
		stream: NewStream(cfg.Events, cfg.AllowedOrigins, cfg.Logger),
	}
}

func (a *API) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(a.httpLogger)

		r.Get("/v1/schedule", a.handleSchedule)
		r.Post("/v1/locks", a.handleLock)
		r.Post("/v1/bids", a.handleSubmitBid)
		r.Post("/v1/bids/cancel", a.handleCancelBid)
		r.Get("/v1/bids/{id}", a.handleBidStatus)
		r.Get("/v1/collateral/{participant}", a.handleCollateral)
		r.Post("/v1/collateral/withdraw", a.handleWithdraw)
		r.Get("/v1/epochs/{epoch}", a.handleEpoch)
		r.Get("/v1/obligations/{id}", a.handleObligation)
		r.Post("/v1/obligations/proof", a.handleProof)
		r.Get("/v1/participants/{participant}/obligations", a.handleParticipantObligations)

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.adminAuth)
			r.Post("/collateral/deposit", a.handleDeposit)
			r.Post("/epochs/{epoch}/run", a.handleRunEpoch)
		})
	})

	r.Get("/v1/stream", a.stream.ServeHTTP)
}

func (a *API) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(a.cfg.Logger, next)
}

func (a *API) adminAuth(next http.Handler) http.Handler {
	if a.cfg.AdminToken == "" {
		return next
	}
	wantUser, wantPass := parseAdminToken(a.cfg.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="atomica-admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseAdminToken splits a "user:pass" token.
func parseAdminToken(token string) (user, pass string) {
	idx := strings.Index(token, ":")
	if idx < 0 {
		return token, ""
	}
	return token[:idx], token[idx+1:]
}

// statusFor maps a failure reason to an HTTP status. Errors outside the
// taxonomy get fallback.
func statusFor(err error, fallback int) int {
	switch protocol.ReasonOf(err) {
	case protocol.ErrInvalidBid, protocol.ErrUndecryptableBid:
		return http.StatusBadRequest
	case protocol.ErrUnknownBid, protocol.ErrUnknownObligation:
		return http.StatusNotFound
	case protocol.ErrLateSubmission, protocol.ErrLedgerConflict, protocol.ErrEpochAlreadyRun:
		return http.StatusConflict
	case protocol.ErrInsufficientCollateral, protocol.ErrProofInvalid:
		return http.StatusUnprocessableEntity
	case protocol.ErrSettlementTimeout:
		return http.StatusGone
	case protocol.ErrTooEarly:
		return http.StatusTooEarly
	}
	return fallback
}

func writeError(w http.ResponseWriter, err error, fallback int) {
	http.Error(w, err.Error(), statusFor(err, fallback))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// recoverSigned decodes a signed envelope and checks that its signer is the
// participant the payload names.
func recoverSigned[T any](w http.ResponseWriter, r *http.Request, participant func(*T) protocol.ParticipantID) (*T, bool) {
	signed, err := protocol.DecodeMessage[protocol.Signed[T]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	obj, signer, err := signed.Recover()
	if err != nil {
		http.Error(w, fmt.Errorf("invalid signature: %w", err).Error(), http.StatusForbidden)
		return nil, false
	}
	if protocol.ParticipantFromKey(signer) != participant(obj) {
		http.Error(w, "signer does not match claimed participant", http.StatusForbidden)
		return nil, false
	}
	return obj, true
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	epoch := a.cfg.Schedule.EpochAt(a.cfg.Now())
	closeAt := a.cfg.Schedule.CloseTime(epoch)
	info := a.cfg.Beacon.Info()

	writeJSON(w, &ScheduleResponse{
		Epoch:       epoch,
		CloseTime:   closeAt,
		RevealRound: sealedbid.RevealRound(info, closeAt),
		Auctions:    a.cfg.Schedule.Auctions(epoch, a.cfg.Auction.ClearingOrder()),
		Listings:    a.cfg.Auction.ClearingOrder(),
		Beacon:      info,
		ChainHash:   info.ChainHash(),
	})
}

func (a *API) handleLock(w http.ResponseWriter, r *http.Request) {
	req, ok := recoverSigned(w, r, func(req *protocol.LockRequest) protocol.ParticipantID { return req.Participant })
	if !ok {
		return
	}
	lock, err := a.cfg.Ledger.LockForBid(r.Context(), req)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, &lock)
}

func (a *API) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	signed, err := protocol.DecodeMessage[protocol.Signed[protocol.BidSubmission]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	receipt, err := a.cfg.Book.Submit(r.Context(), signed)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, receipt)
}

func (a *API) handleCancelBid(w http.ResponseWriter, r *http.Request) {
	signed, err := protocol.DecodeMessage[protocol.Signed[protocol.BidCancellation]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.cfg.Book.Cancel(r.Context(), signed); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": string(protocol.BidCancelled)})
}

func (a *API) handleBidStatus(w http.ResponseWriter, r *http.Request) {
	id := protocol.BidID(chi.URLParam(r, "id"))
	status, err := a.cfg.Store.BidStatus(r.Context(), id)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, &BidStatusResponse{BidStatus: status, Status: status.String()})
}

func parseParticipant(w http.ResponseWriter, r *http.Request) (protocol.ParticipantID, bool) {
	participant := protocol.ParticipantID(chi.URLParam(r, "participant"))
	if _, err := participant.PublicKey(); err != nil {
		http.Error(w, "invalid participant", http.StatusBadRequest)
		return "", false
	}
	return participant, true
}

func (a *API) handleCollateral(w http.ResponseWriter, r *http.Request) {
	participant, ok := parseParticipant(w, r)
	if !ok {
		return
	}
	position, err := a.cfg.Ledger.Position(r.Context(), participant)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, &position)
}

func (a *API) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := recoverSigned(w, r, func(req *protocol.WithdrawRequest) protocol.ParticipantID { return req.Participant })
	if !ok {
		return
	}
	position, err := a.cfg.Ledger.Withdraw(r.Context(), req)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, &position)
}

func parseEpoch(w http.ResponseWriter, r *http.Request) (protocol.EpochID, bool) {
	epoch, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		http.Error(w, "invalid epoch", http.StatusBadRequest)
		return 0, false
	}
	return protocol.EpochID(epoch), true
}

func (a *API) handleEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, ok := parseEpoch(w, r)
	if !ok {
		return
	}
	if report, ok := a.cfg.Scheduler.Report(epoch); ok {
		writeJSON(w, &report)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(&EpochStateResponse{
		Epoch:     epoch,
		State:     string(a.cfg.Scheduler.State(epoch)),
		CloseTime: a.cfg.Schedule.CloseTime(epoch),
	})
}

func (a *API) handleObligation(w http.ResponseWriter, r *http.Request) {
	ob, err := a.cfg.Settler.Obligation(protocol.ObligationID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, newObligationResponse(ob))
}

func (a *API) handleParticipantObligations(w http.ResponseWriter, r *http.Request) {
	participant, ok := parseParticipant(w, r)
	if !ok {
		return
	}
	obligations, err := a.cfg.Store.Obligations(r.Context(), participant)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	resp := &ObligationListResponse{Participant: participant, Obligations: []ObligationResponse{}}
	for _, ob := range obligations {
		resp.Obligations = append(resp.Obligations, newObligationResponse(ob))
	}
	writeJSON(w, resp)
}

// handleProof accepts a delivery proof signed by the participant who owes
// the payment leg.
func (a *API) handleProof(w http.ResponseWriter, r *http.Request) {
	signed, err := protocol.DecodeMessage[protocol.Signed[protocol.DeliveryProof]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	proof, signer, err := signed.Recover()
	if err != nil {
		http.Error(w, fmt.Errorf("invalid signature: %w", err).Error(), http.StatusForbidden)
		return
	}
	if err := proof.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ob, err := a.cfg.Settler.Obligation(proof.ObligationID)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if protocol.ParticipantFromKey(signer) != ob.Participant {
		http.Error(w, "proof not signed by the obligated participant", http.StatusForbidden)
		return
	}

	outcome, err := a.cfg.Settler.VerifyAndDeliver(r.Context(), proof)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, outcome)
}

func (a *API) handleDeposit(w http.ResponseWriter, r *http.Request) {
	notice, err := protocol.DecodeMessage[protocol.DepositNotice](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	position, err := a.cfg.Ledger.Deposit(r.Context(), notice)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, &position)
}

// handleRunEpoch forces the run of a closed epoch, e.g. after the
// coordinator gave up on it.
func (a *API) handleRunEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, ok := parseEpoch(w, r)
	if !ok {
		return
	}
	if closeAt := a.cfg.Schedule.CloseTime(epoch); a.cfg.Now().Before(closeAt) {
		err := protocol.Errorf(protocol.ErrTooEarly, "epoch %d closes at %s", epoch, closeAt.Format(time.RFC3339))
		writeError(w, err, http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminRunTimeout)
	defer cancel()
	report, err := a.cfg.Coordinator.RunEpoch(ctx, epoch)
	if errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "reveal key not available yet", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	a.cfg.Logger.Info("epoch run forced", "epoch", epoch, "auctions", len(report.Auctions))
	writeJSON(w, report)
}
