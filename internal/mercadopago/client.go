// Package mercadopago is the payments.Gateway backed by the Mercado Pago SDK:
// checkout preferences for intents and payment lookups for reconciliation.
package mercadopago

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/payments"
)

const DefaultBaseURL = "https://api.mercadopago.com"

type Config struct {
	AccessToken         string
	BaseURL             string // sandbox or test server; the SDK always targets DefaultBaseURL
	Currency            string
	StatementDescriptor string
	Timeout             time.Duration
}

type Client struct {
	cfg         Config
	preferences preference.Client
	payments    payment.Client
}

var _ payments.Gateway = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Currency == "" {
		cfg.Currency = "ARS"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("mercadopago: base url: %w", err)
	}

	sdk, err := config.New(cfg.AccessToken, config.WithHTTPClient(&requester{
		http: &http.Client{Timeout: cfg.Timeout},
		base: base,
	}))
	if err != nil {
		return nil, fmt.Errorf("mercadopago: %w", err)
	}
	return &Client{
		cfg:         cfg,
		preferences: preference.NewClient(sdk),
		payments:    payment.NewClient(sdk),
	}, nil
}

func (c *Client) CreateIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
	body := preference.Request{
		Items: make([]preference.ItemRequest, 0, len(req.Items)),
		Payer: &preference.PayerRequest{Name: req.Buyer.Name, Email: req.Buyer.Email},
		BackURLs: &preference.BackURLsRequest{
			Success: req.SuccessURL,
			Failure: req.FailureURL,
			Pending: req.PendingURL,
		},
		AutoReturn:          "approved",
		NotificationURL:     req.WebhookURL,
		ExternalReference:   req.OrderID,
		StatementDescriptor: c.cfg.StatementDescriptor,
	}
	for _, it := range req.Items {
		body.Items = append(body.Items, preference.ItemRequest{
			ID:         it.ProductID,
			Title:      it.Title,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice.Round(2).InexactFloat64(),
			CurrencyID: c.cfg.Currency,
		})
	}

	out, err := c.preferences.Create(ctx, body)
	if err != nil {
		return payments.Intent{}, fmt.Errorf("mercadopago: create preference: %w", err)
	}
	return payments.Intent{PreferenceID: out.ID, RedirectURL: out.InitPoint}, nil
}

// FetchPayment reads the payment as the gateway sees it. An id the gateway does
// not know is reported as apperr.NotFound.
func (c *Client) FetchPayment(ctx context.Context, gatewayID string) (payments.GatewayPayment, error) {
	id, err := strconv.Atoi(gatewayID)
	if err != nil {
		return payments.GatewayPayment{}, apperr.NotFound("mercadopago: payment id %q is not numeric", gatewayID)
	}

	ctx, status := withStatus(ctx)
	out, err := c.payments.Get(ctx, id)
	if err != nil {
		if *status == http.StatusNotFound {
			err = &apperr.Error{Kind: apperr.KindNotFound, Msg: "unknown to the gateway", Err: err}
		}
		return payments.GatewayPayment{}, fmt.Errorf("mercadopago: get payment %s: %w", gatewayID, err)
	}
	return payments.GatewayPayment{
		ID:                strconv.Itoa(out.ID),
		Status:            out.Status,
		ExternalReference: out.ExternalReference,
	}, nil
}
