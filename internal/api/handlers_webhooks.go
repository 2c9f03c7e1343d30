/**
 * @description
 * Payment provider webhook endpoints. Each delivery is authenticated, parsed
 * into a domain.ProviderEvent and handed to the reconciler.
 *
 * @notes
 * - Stripe deliveries are verified with the Stripe-Signature header; bank and
 *   crypto deliveries carry a hex HMAC-SHA256 of the body in X-Signature.
 * - Unmatched references are answered with 202 so providers stop retrying.
 *   Store failures return 500 and the provider redelivers.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v82"

	"github.com/adhub/core-service/internal/app"
	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/pkg/logging"
)

const signatureHeader = "X-Signature"

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	var event stripe.Event
	switch {
	case h.webhooks.Stripe != "":
		verified, err := app.VerifyStripeEvent(body, r.Header.Get("Stripe-Signature"), h.webhooks.Stripe)
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
		event = verified
	case h.webhooks.AllowUnsigned:
		if err := json.Unmarshal(body, &event); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid event payload")
			return
		}
	default:
		respondWithError(w, http.StatusUnauthorized, "Webhook signing secret is not configured")
		return
	}

	parsed, err := app.ParseStripeEvent(event)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	h.reconcile(w, r, parsed)
}

func (h *Handler) handleBankWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedHMACBody(w, r, h.webhooks.Bank)
	if !ok {
		return
	}
	parsed, err := app.ParseBankEvent(body)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	h.reconcile(w, r, parsed)
}

func (h *Handler) handleCryptoWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedHMACBody(w, r, h.webhooks.Crypto)
	if !ok {
		return
	}
	parsed, err := app.ParseCryptoEvent(body)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	h.reconcile(w, r, parsed)
}

func (h *Handler) verifiedHMACBody(w http.ResponseWriter, r *http.Request, secret string) ([]byte, bool) {
	body, ok := readWebhookBody(w, r)
	if !ok {
		return nil, false
	}
	if secret == "" {
		if !h.webhooks.AllowUnsigned {
			respondWithError(w, http.StatusUnauthorized, "Webhook signing secret is not configured")
			return nil, false
		}
		return body, true
	}
	if !app.VerifyHMACSignature(body, r.Header.Get(signatureHeader), secret) {
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return nil, false
	}
	return body, true
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request, event domain.ProviderEvent) {
	result, err := h.svc.Reconciler.HandleEvent(r.Context(), event)
	if errors.Is(err, domain.ErrReconciliationMismatch) {
		h.logger.WithFields(logging.Fields{
			"component": "webhooks",
			"provider":  event.Provider,
			"event_id":  event.EventID,
		}).WithError(err).Warn("webhook accepted without a matching topup")
		respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "reason": err.Error()})
		return
	}
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(body) == 0 {
		respondWithError(w, http.StatusBadRequest, "Empty or unreadable body")
		return nil, false
	}
	return body, true
}
