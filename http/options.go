package http

import (
	"time"

	x402 "github.com/x402-foundation/agentpay"
)

// MiddlewareOptions configures the gate built by the framework adapters
type MiddlewareOptions struct {
	Description       string
	Tool              string
	Message           string
	Token             x402.Token
	Chain             x402.Chain
	ValidityPeriod    time.Duration
	Verifier          Verifier
	FacilitatorConfig *FacilitatorConfig
	GateOptions       []GateOption
}

// MiddlewareOption is the type for the options of the payment middleware
type MiddlewareOption func(*MiddlewareOptions)

// WithDescription sets the description shown in the challenge
func WithDescription(description string) MiddlewareOption {
	return func(options *MiddlewareOptions) {
		options.Description = description
	}
}

// WithTool names the tool being paid for
func WithTool(tool string) MiddlewareOption {
	return func(options *MiddlewareOptions) {
		options.Tool = tool
	}
}

// WithMessage overrides the 402 body message
func WithMessage(message string) MiddlewareOption {
	return func(options *MiddlewareOptions) {
		options.Message = message
	}
}

// WithToken sets the token to charge in. Defaults to the chain's default token.
func WithToken(token x402.Token) MiddlewareOption {
	return func(options *MiddlewareOptions) {
		options.Token = token
	}
}

// WithChain sets the chain to charge on. Defaults to base.
func WithChain(chain x402.Chain) MiddlewareOption {
	return func(options *MiddlewareOptions) {
		options.Chain = chain
	}
}

// WithValidityPeriod sets how long a challenge stays payable
func WithValidityPeriod(d time.Duration) MiddlewareOption {
	return func(options *MiddlewareOptions) {
		options.ValidityPeriod = d
	}
}

// WithVerifier replaces the facilitator verifier
func WithVerifier(verifier Verifier) MiddlewareOption {
	return func(options *MiddlewareOptions) {
		options.Verifier = verifier
	}
}

// WithFacilitatorConfig configures the facilitator used when no verifier is set
func WithFacilitatorConfig(config *FacilitatorConfig) MiddlewareOption {
	return func(options *MiddlewareOptions) {
		options.FacilitatorConfig = config
	}
}

// WithCustomPaywallHTML serves html to browsers that have not paid
func WithCustomPaywallHTML(html string) MiddlewareOption {
	return func(options *MiddlewareOptions) {
		options.GateOptions = append(options.GateOptions, WithPaywall(html))
	}
}

// WithGateOptions passes options such as WithRateLimit through to the gate
func WithGateOptions(opts ...GateOption) MiddlewareOption {
	return func(options *MiddlewareOptions) {
		options.GateOptions = append(options.GateOptions, opts...)
	}
}

// NewGateFromOptions builds a fixed-price gate charging amount to recipient
func NewGateFromOptions(amount, recipient string, opts ...MiddlewareOption) (*Gate, error) {
	options := &MiddlewareOptions{Chain: x402.ChainBase}
	for _, opt := range opts {
		opt(options)
	}
	if options.Token == "" {
		options.Token = x402.DefaultToken(options.Chain)
	}

	verifier := options.Verifier
	if verifier == nil {
		verifier = FacilitatorVerifier{Client: NewHTTPFacilitatorClient(options.FacilitatorConfig)}
	}

	return NewGate(GateConfig{
		Amount:         amount,
		Token:          options.Token,
		Chain:          options.Chain,
		Recipient:      recipient,
		Tool:           options.Tool,
		Description:    options.Description,
		ValidityPeriod: options.ValidityPeriod,
		Message:        options.Message,
	}, verifier, options.GateOptions...)
}
