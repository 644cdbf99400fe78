package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	x402 "github.com/x402-foundation/agentpay"
)

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// WrapHTTPClientWithPayment wraps a standard HTTP client with x402 payment
// handling. The client is modified in place and returned.
func WrapHTTPClientWithPayment(client *http.Client, payer *x402.Client, opts x402.HandleOptions) *http.Client {
	if client == nil {
		client = &http.Client{}
	}

	// Wrap the transport with payment handling
	originalTransport := client.Transport
	if originalTransport == nil {
		originalTransport = http.DefaultTransport
	}

	client.Transport = &PaymentRoundTripper{
		Transport: originalTransport,
		Payer:     payer,
		Options:   opts,
	}

	return client
}

// PaymentRoundTripper implements http.RoundTripper with x402 payment
// handling. A 402 is answered at most once per request: the payment is made
// through Payer and the request is replayed with an X-Payment envelope
// carrying the transaction hash.
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	Payer     *x402.Client
	Options   x402.HandleOptions

	// OnPayment is called after a payment was made (optional)
	OnPayment func(result *x402.PaymentRequiredResult)
}

// RoundTrip implements http.RoundTripper
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	// Buffer the body so the paid retry can resend it
	if req.Body != nil && req.GetBody == nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	resp, err := transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	parsed, err := x402.ParseHTTPResponse(resp)
	if err != nil {
		return nil, err
	}
	result, err := t.Payer.HandlePaymentRequired(req.Context(), parsed, t.Options)
	if err != nil {
		return nil, err
	}
	if !result.Paid() {
		// Hand the caller the untouched 402
		resp.Body = io.NopCloser(bytes.NewReader(parsed.Body))
		return resp, nil
	}
	if t.OnPayment != nil {
		t.OnPayment(result)
	}

	envelope, err := NewTxHashEnvelope(result.Request.Chain, result.Transaction.Hash)
	if err != nil {
		return nil, err
	}
	header, err := envelope.Encode()
	if err != nil {
		return nil, err
	}

	paid := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		paid.Body = body
	}
	paid.Header.Set(HeaderPayment, header)
	return transport.RoundTrip(paid)
}
