// Package http provides the HTTP surfaces of the x402 payment client: the
// X-Payment settlement envelope, the facilitator client, a payment-aware
// RoundTripper and a framework-independent payment gate.
package http

import (
	"context"
	"io"
	"net/http"

	x402 "github.com/x402-foundation/agentpay"
)

// Header names
const (
	// HeaderPayment carries the base64 settlement envelope
	HeaderPayment = "X-Payment"

	// HeaderPaymentProof is the legacy header carrying a bare tx hash
	HeaderPaymentProof = "X-Payment-Proof"

	// HeaderPaymentResponse carries the base64 settlement receipt a gate returns
	HeaderPaymentResponse = "X-Payment-Response"
)

// X402Version is the envelope version this package produces
const X402Version = 1

// NewFacilitatorClient creates a new HTTP facilitator client
func NewFacilitatorClient(config *FacilitatorConfig) *FacilitatorClient {
	return NewHTTPFacilitatorClient(config)
}

// WrapClient wraps a standard HTTP client with x402 payment handling
func WrapClient(client *http.Client, payer *x402.Client, opts x402.HandleOptions) *http.Client {
	return WrapHTTPClientWithPayment(client, payer, opts)
}

// Get performs a GET request with automatic payment handling
func Get(ctx context.Context, url string, payer *x402.Client, opts x402.HandleOptions) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return Do(req, payer, opts)
}

// Post performs a POST request with automatic payment handling. The body is
// buffered so it can be replayed after paying.
func Post(ctx context.Context, url, contentType string, body io.Reader, payer *x402.Client, opts x402.HandleOptions) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return Do(req, payer, opts)
}

// Do performs an HTTP request with automatic payment handling
func Do(req *http.Request, payer *x402.Client, opts x402.HandleOptions) (*http.Response, error) {
	return WrapHTTPClientWithPayment(&http.Client{}, payer, opts).Do(req)
}
