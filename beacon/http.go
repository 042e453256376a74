package beacon

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/go-chi/chi/v5"
)

// chainInfo is the drand /info wire format.
type chainInfo struct {
	PublicKey   string `json:"public_key"`
	Period      int64  `json:"period"`
	GenesisTime int64  `json:"genesis_time"`
	Hash        string `json:"hash"`
	SchemeID    string `json:"schemeID"`
}

// randomnessResponse is the drand /public/{round} wire format.
type randomnessResponse struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
	Signature  string `json:"signature"`
}

func (i Info) toWire() chainInfo {
	return chainInfo{
		PublicKey:   hex.EncodeToString(i.PublicKey),
		Period:      int64(i.Period / time.Second),
		GenesisTime: i.GenesisTime.Unix(),
		Hash:        i.ChainHash(),
		SchemeID:    i.Scheme,
	}
}

func (c chainInfo) toInfo() (Info, error) {
	pk, err := hex.DecodeString(c.PublicKey)
	if err != nil {
		return Info{}, fmt.Errorf("decode public key: %w", err)
	}
	if c.Period <= 0 {
		return Info{}, errors.New("beacon period must be positive")
	}
	return Info{
		PublicKey:   crypto.TimelockPublicKey(pk),
		GenesisTime: time.Unix(c.GenesisTime, 0).UTC(),
		Period:      time.Duration(c.Period) * time.Second,
		Scheme:      c.SchemeID,
	}, nil
}

// HTTPBeacon reads rounds from a drand-compatible HTTP endpoint and checks
// every signature against the pinned master public key.
type HTTPBeacon struct {
	baseURL    string
	chainHash  string
	info       Info
	httpClient *http.Client
}

// NewHTTPBeacon fetches the chain info of chainHash from baseURL. If pinned
// is set, the advertised public key must match it.
func NewHTTPBeacon(ctx context.Context, baseURL, chainHash string, pinned crypto.TimelockPublicKey) (*HTTPBeacon, error) {
	b := &HTTPBeacon{
		baseURL:    baseURL,
		chainHash:  chainHash,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	var wire chainInfo
	if err := b.get(ctx, "/"+chainHash+"/info", &wire); err != nil {
		return nil, fmt.Errorf("fetch chain info: %w", err)
	}
	info, err := wire.toInfo()
	if err != nil {
		return nil, err
	}
	if info.Scheme != Scheme {
		return nil, fmt.Errorf("unsupported beacon scheme %q", info.Scheme)
	}
	if len(pinned) > 0 && !bytes.Equal(pinned, info.PublicKey) {
		return nil, errors.New("beacon public key does not match pinned key")
	}
	if info.ChainHash() != chainHash {
		return nil, errors.New("beacon info does not hash to the requested chain")
	}

	b.info = info
	return b, nil
}

// Info returns the fetched chain parameters.
func (b *HTTPBeacon) Info() Info {
	return b.info
}

// IdentityKey fetches and verifies the signature of round.
func (b *HTTPBeacon) IdentityKey(ctx context.Context, round uint64) (crypto.IdentityKey, error) {
	if time.Now().Before(b.info.RoundTime(round)) {
		return nil, protocol.Errorf(protocol.ErrTooEarly, "round %d not reached", round)
	}

	var resp randomnessResponse
	if err := b.get(ctx, fmt.Sprintf("/%s/public/%d", b.chainHash, round), &resp); err != nil {
		return nil, err
	}
	if resp.Round != round {
		return nil, fmt.Errorf("beacon answered round %d for %d", resp.Round, round)
	}

	sig, err := hex.DecodeString(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	key := crypto.IdentityKey(sig)
	if err := crypto.VerifyIdentityKey(b.info.PublicKey, round, key); err != nil {
		return nil, fmt.Errorf("beacon signature for round %d: %w", round, err)
	}
	return key, nil
}

func (b *HTTPBeacon) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling beacon: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooEarly, http.StatusNotFound:
		return protocol.Errorf(protocol.ErrTooEarly, "beacon returned %d for %s", resp.StatusCode, path)
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("beacon returned status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Handler serves a LocalBeacon over the drand HTTP API.
type Handler struct {
	beacon *LocalBeacon
}

// NewHandler wraps b.
func NewHandler(b *LocalBeacon) *Handler {
	return &Handler{beacon: b}
}

// RegisterRoutes mounts /{chain}/info and /{chain}/public/{round}.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/{chain}/info", h.handleInfo)
	r.Get("/{chain}/public/latest", h.handleLatest)
	r.Get("/{chain}/public/{round}", h.handleRound)
}

func (h *Handler) checkChain(w http.ResponseWriter, req *http.Request) bool {
	if chi.URLParam(req, "chain") != h.beacon.Info().ChainHash() {
		http.Error(w, "unknown chain", http.StatusNotFound)
		return false
	}
	return true
}

func (h *Handler) handleInfo(w http.ResponseWriter, req *http.Request) {
	if !h.checkChain(w, req) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.beacon.Info().toWire())
}

func (h *Handler) handleLatest(w http.ResponseWriter, req *http.Request) {
	if !h.checkChain(w, req) {
		return
	}
	latest := h.beacon.LatestRound()
	if latest == 0 {
		http.Error(w, "beacon has not started", http.StatusTooEarly)
		return
	}
	h.writeRound(w, req, latest)
}

func (h *Handler) handleRound(w http.ResponseWriter, req *http.Request) {
	if !h.checkChain(w, req) {
		return
	}
	round, err := strconv.ParseUint(chi.URLParam(req, "round"), 10, 64)
	if err != nil || round == 0 {
		http.Error(w, "invalid round", http.StatusBadRequest)
		return
	}
	h.writeRound(w, req, round)
}

func (h *Handler) writeRound(w http.ResponseWriter, req *http.Request, round uint64) {
	key, err := h.beacon.IdentityKey(req.Context(), round)
	if protocol.ReasonOf(err) == protocol.ErrTooEarly {
		http.Error(w, err.Error(), http.StatusTooEarly)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	randomness := sha256.Sum256(key)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&randomnessResponse{
		Round:      round,
		Randomness: hex.EncodeToString(randomness[:]),
		Signature:  hex.EncodeToString(key),
	})
}
