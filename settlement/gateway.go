package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/go-chi/chi/v5"
)

// ErrDeliveryRejected is wrapped by gateways when the destination chain
// refused a delivery and the owed asset did not move. Any other delivery
// error leaves the outcome unknown.
var ErrDeliveryRejected = errors.New("delivery rejected")

// Gateway is the settlement contract of a destination chain.
type Gateway interface {
	// Deliver releases the owed asset of a verified obligation and returns
	// the transaction id. It must be idempotent per obligation: delivering
	// again after an earlier success returns the earlier transaction.
	Deliver(ctx context.Context, ob *protocol.SettlementObligation) (string, error)
}

type deliverResponse struct {
	Tx string `json:"tx"`
}

// HTTPGateway submits deliveries through a chain relayer.
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{baseURL: baseURL, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (g *HTTPGateway) Deliver(ctx context.Context, ob *protocol.SettlementObligation) (string, error) {
	body, err := json.Marshal(ob)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/deliver", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("relayer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnprocessableEntity {
			return "", fmt.Errorf("%w: %s", ErrDeliveryRejected, bytes.TrimSpace(msg))
		}
		return "", fmt.Errorf("relayer returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out deliverResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding relayer response: %w", err)
	}
	return out.Tx, nil
}

// RelayerHandler exposes a Gateway over HTTP for HTTPGateway clients.
type RelayerHandler struct {
	gateway Gateway
}

func NewRelayerHandler(g Gateway) *RelayerHandler {
	return &RelayerHandler{gateway: g}
}

func (h *RelayerHandler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/deliver", h.handleDeliver)
}

func (h *RelayerHandler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var ob protocol.SettlementObligation
	if err := json.NewDecoder(r.Body).Decode(&ob); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tx, err := h.gateway.Deliver(r.Context(), &ob)
	if errors.Is(err, ErrDeliveryRejected) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&deliverResponse{Tx: tx})
}
