// Package payment wraps the Stripe API for booking payments.
package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v82"
	stripePaymentIntent "github.com/stripe/stripe-go/v82/paymentintent"
)

// Processor is the slice of the payment API the booking flow needs.
type Processor interface {
	CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, intentID string) error
}

type Client struct {
	logger *slog.Logger
	APIKey string
}

func NewClient(logger *slog.Logger, apiKey string) Client {
	return Client{logger: logger, APIKey: apiKey}
}

type PaymentIntent struct {
	ID           string
	ClientSecret string
}

type CreatePaymentIntentParams struct {
	AmountCents    int64
	Currency       string
	ReceiptEmail   string
	BookingID      string
	Organization   string
	IdempotencyKey string
}

func (c *Client) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (PaymentIntent, error) {
	var intent PaymentIntent

	stripe.Key = c.APIKey
	intentParams := &stripe.PaymentIntentParams{
		Amount:       stripe.Int64(params.AmountCents),
		Currency:     stripe.String(params.Currency),
		ReceiptEmail: stripe.String(params.ReceiptEmail),
		Metadata: map[string]string{
			"booking_id":   params.BookingID,
			"organization": params.Organization,
		},
	}
	if params.IdempotencyKey != "" {
		intentParams.IdempotencyKey = stripe.String(params.IdempotencyKey)
	}

	result, err := stripePaymentIntent.New(intentParams)
	if err != nil {
		return intent, fmt.Errorf("failed to create Stripe payment intent: %w", err)
	}

	intent.ID = result.ID
	intent.ClientSecret = result.ClientSecret

	c.logger.Info("Created payment intent", "intent_id", result.ID, "booking_id", params.BookingID)
	return intent, nil
}

func (c *Client) CancelPaymentIntent(ctx context.Context, intentID string) error {
	stripe.Key = c.APIKey

	if _, err := stripePaymentIntent.Cancel(intentID, nil); err != nil {
		return fmt.Errorf("failed to cancel Stripe payment intent: %w", err)
	}
	return nil
}
