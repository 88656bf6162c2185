// Package payments is the payment collaborator backed by Stripe.
package payments

import (
	"context"
	"fmt"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/transfer"

	"github.com/example/ride-dispatch/internal/models"
)

// StripeClient captures prior PaymentIntent holds and sends payouts to
// connected accounts.
type StripeClient struct{}

// NewStripeClient sets the global stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// ToMinorUnits converts an amount to the smallest currency unit.
func ToMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// CaptureAuthorization captures amount from the held PaymentIntent transactionID.
// A declined capture is reported with OK=false, not as an error.
func (s *StripeClient) CaptureAuthorization(ctx context.Context, transactionID string, amount float64) (models.CaptureResult, error) {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(ToMinorUnits(amount))}
	params.Context = ctx
	pi, err := paymentintent.Capture(transactionID, params)
	if err != nil {
		if se, ok := err.(*stripe.Error); ok && se.Type == stripe.ErrorTypeCard {
			return models.CaptureResult{OK: false, Reference: se.RequestID}, nil
		}
		return models.CaptureResult{}, fmt.Errorf("stripe capture %s: %w", transactionID, err)
	}
	ref := pi.ID
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		ref = pi.LatestCharge.ID
	}
	return models.CaptureResult{OK: pi.Status == stripe.PaymentIntentStatusSucceeded, Reference: ref}, nil
}

// Payout transfers amount to a connected account and returns the transfer id.
func (s *StripeClient) Payout(ctx context.Context, accountID string, amount float64, currency, orderID string) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(ToMinorUnits(amount)),
		Currency:      stripe.String(strings.ToLower(currency)),
		Destination:   stripe.String(accountID),
		TransferGroup: stripe.String(orderID),
	}
	params.Context = ctx
	params.SetIdempotencyKey("payout-" + orderID + "-" + accountID)
	tr, err := transfer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe transfer %s: %w", orderID, err)
	}
	return tr.ID, nil
}
