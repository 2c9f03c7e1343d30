package app

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/adhub/core-service/internal/domain"
)

const (
	ProviderStripe = "stripe"
	ProviderBank   = "bank"
	ProviderCrypto = "crypto"
)

// VerifyStripeEvent checks the Stripe-Signature header and decodes the event.
// Events rendered for another API version are accepted.
func VerifyStripeEvent(payload []byte, signatureHeader, secret string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: stripe signature: %v", domain.ErrUnauthorized, err)
	}
	return event, nil
}

// ParseStripeEvent normalizes the checkout and payment intent events used for
// topups. Other event types come back with the pending outcome.
func ParseStripeEvent(event stripe.Event) (domain.ProviderEvent, error) {
	out := domain.ProviderEvent{
		Provider:   ProviderStripe,
		EventID:    event.ID,
		EventType:  string(event.Type),
		Outcome:    domain.PaymentOutcomePending,
		ReceivedAt: time.Now().UTC(),
	}
	if event.Data == nil {
		return out, domain.Validationf("stripe event %s has no data", event.ID)
	}

	switch out.EventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
			return out, domain.Validationf("decode checkout session: %v", err)
		}
		out.ReferenceCode = firstNonEmpty(sess.Metadata["reference_code"], sess.ClientReferenceID)
		out.AmountCents = sess.AmountTotal
		out.ProviderReference = sess.ID
		if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
			out.ProviderReference = sess.PaymentIntent.ID
		}

		switch out.EventType {
		case "checkout.session.completed":
			if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusUnpaid {
				out.Outcome = domain.PaymentOutcomeSucceeded
			}
		case "checkout.session.async_payment_succeeded":
			out.Outcome = domain.PaymentOutcomeSucceeded
		case "checkout.session.async_payment_failed":
			out.Outcome = domain.PaymentOutcomeFailed
			out.FailureReason = "async payment failed"
		case "checkout.session.expired":
			out.Outcome = domain.PaymentOutcomeFailed
			out.FailureReason = "checkout session expired"
		}

	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := intent.UnmarshalJSON(event.Data.Raw); err != nil {
			return out, domain.Validationf("decode payment intent: %v", err)
		}
		out.ReferenceCode = intent.Metadata["reference_code"]
		out.AmountCents = intent.Amount
		out.ProviderReference = intent.ID
		if out.EventType == "payment_intent.succeeded" {
			out.Outcome = domain.PaymentOutcomeSucceeded
		} else {
			out.Outcome = domain.PaymentOutcomeFailed
			out.FailureReason = "payment failed"
			if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
				out.FailureReason = intent.LastPaymentError.Msg
			}
		}
	}
	return out, nil
}

// VerifyHMACSignature checks a hex encoded HMAC-SHA256 of the raw body.
func VerifyHMACSignature(payload []byte, signature, secret string) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(signature, "sha256=")))
	if err != nil || len(expected) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// SignHMAC returns the hex signature VerifyHMACSignature expects.
func SignHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type bankWebhookPayload struct {
	EventID     string `json:"event_id"`
	Status      string `json:"status"`
	Reference   string `json:"reference"`
	Memo        string `json:"memo"`
	AmountCents int64  `json:"amount_cents"`
	TransferID  string `json:"transfer_id"`
	Reason      string `json:"reason"`
}

// ParseBankEvent normalizes a bank transfer notification. When the explicit
// reference is missing the code is searched for in the transfer memo.
func ParseBankEvent(body []byte) (domain.ProviderEvent, error) {
	var p bankWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.ProviderEvent{}, domain.Validationf("decode bank event: %v", err)
	}

	out := domain.ProviderEvent{
		Provider:          ProviderBank,
		EventID:           p.EventID,
		EventType:         "bank_transfer." + strings.ToLower(strings.TrimSpace(p.Status)),
		AmountCents:       p.AmountCents,
		ProviderReference: p.TransferID,
		Outcome:           domain.PaymentOutcomePending,
		ReceivedAt:        time.Now().UTC(),
	}
	if code, ok := ExtractReferenceCode(p.Reference); ok {
		out.ReferenceCode = code
	} else if code, ok := ExtractReferenceCode(p.Memo); ok {
		out.ReferenceCode = code
	} else {
		out.ReferenceCode = strings.TrimSpace(p.Reference)
	}

	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "settled", "completed":
		out.Outcome = domain.PaymentOutcomeSucceeded
	case "returned", "rejected", "failed":
		out.Outcome = domain.PaymentOutcomeFailed
		out.FailureReason = firstNonEmpty(p.Reason, "bank transfer "+strings.ToLower(p.Status))
	}
	return out, nil
}

type cryptoWebhookPayload struct {
	EventID          string `json:"event_id"`
	InvoiceID        string `json:"invoice_id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	PriceAmountCents int64  `json:"price_amount_cents"`
}

// ParseCryptoEvent normalizes a crypto invoice notification. The order id
// carries the reference code.
func ParseCryptoEvent(body []byte) (domain.ProviderEvent, error) {
	var p cryptoWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.ProviderEvent{}, domain.Validationf("decode crypto event: %v", err)
	}

	status := strings.ToLower(strings.TrimSpace(p.Status))
	out := domain.ProviderEvent{
		Provider:          ProviderCrypto,
		EventID:           firstNonEmpty(p.EventID, p.InvoiceID+":"+status),
		EventType:         "invoice." + status,
		ReferenceCode:     strings.ToUpper(strings.TrimSpace(p.OrderID)),
		AmountCents:       p.PriceAmountCents,
		ProviderReference: p.InvoiceID,
		Outcome:           domain.PaymentOutcomePending,
		ReceivedAt:        time.Now().UTC(),
	}
	switch status {
	case "paid", "confirmed", "finished":
		out.Outcome = domain.PaymentOutcomeSucceeded
	case "expired", "failed", "invalid":
		out.Outcome = domain.PaymentOutcomeFailed
		out.FailureReason = "crypto invoice " + status
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
