package httpserver

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/enclavekit/inference-bootstrap/attestation"
)

// maxNonceSize bounds the client-supplied attestation nonce.
const maxNonceSize = 64

// Handler answers the status API requests.
type Handler struct {
	status   StatusSource
	provider attestation.Provider
	log      *slog.Logger
}

// NewHandler creates a status handler. The attestation provider may be nil
// when the platform has no document source; the attestation route then
// reports 501.
func NewHandler(status StatusSource, provider attestation.Provider, log *slog.Logger) *Handler {
	return &Handler{
		status:   status,
		provider: provider,
		log:      log,
	}
}

type stateResponse struct {
	State   string `json:"state"`
	Outcome string `json:"outcome"`
	Ready   bool   `json:"ready"`
}

// HandleState reports the bootstrap pipeline state.
//
// GET /api/v1/state
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	state, outcome := h.status.Status()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stateResponse{ //nolint:errcheck
		State:   state,
		Outcome: outcome,
		Ready:   h.status.Ready(),
	})
}

type attestationResponse struct {
	Type     string `json:"type"`
	Document string `json:"document"`
}

// HandleAttestation issues a fresh attestation document bound to the
// optional hex nonce query parameter.
//
// GET /api/v1/attestation?nonce=<hex>
func (h *Handler) HandleAttestation(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		http.Error(w, "no attestation provider configured", http.StatusNotImplemented)
		return
	}

	var nonce []byte
	if raw := r.URL.Query().Get("nonce"); raw != "" {
		decoded, err := hex.DecodeString(raw)
		if err != nil {
			http.Error(w, "nonce must be hex encoded", http.StatusBadRequest)
			return
		}
		if len(decoded) > maxNonceSize {
			http.Error(w, "nonce too long", http.StatusBadRequest)
			return
		}
		nonce = decoded
	}

	doc, err := h.provider.Attest(attestation.AttestArgs{Nonce: nonce})
	if err != nil {
		h.log.Error("Failed to produce attestation document", "err", err)
		http.Error(w, "attestation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(attestationResponse{ //nolint:errcheck
		Type:     string(h.provider.AttestationType()),
		Document: base64.StdEncoding.EncodeToString(doc),
	})
}
