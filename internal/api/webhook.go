package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	headerSignature = "X-Signature"
	headerEventID   = "X-Event-Id"
	headerEventType = "X-Event-Type"
)

// Sign returns the hex HMAC-SHA256 of body expected in X-Signature.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) verify(signature string, body []byte) bool {
	if len(h.webhookSecret) == 0 {
		return true
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(h.webhookSecret, body))
	return hmac.Equal(got, want)
}

// WebhookHandler acks once the event is durably stored. Any non-2xx answer
// makes the provider redeliver.
func (h *Handler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	if provider != h.reconciler.Provider() {
		respondWithError(w, http.StatusNotFound, "Unknown webhook provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}
	if !h.verify(r.Header.Get(headerSignature), body) {
		h.logger.Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.String("event_id", r.Header.Get(headerEventID)))
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	ack, err := h.reconciler.HandleEvent(r.Context(), r.Header.Get(headerEventID), r.Header.Get(headerEventType), body)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ack)
}
