package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/x402-foundation/agentpay"
)

// SchemeExact is the only envelope scheme
const SchemeExact = "exact"

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

var txHashRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Envelope is the decoded X-Payment header
type Envelope struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     x402.Chain      `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// TxHashPayload is the payload of a settled payment
type TxHashPayload struct {
	TxHash string `json:"txHash"`
}

const envelopeSchema = `{
  "type": "object",
  "required": ["x402Version", "scheme", "network", "payload"],
  "properties": {
    "x402Version": {"type": "integer", "minimum": 1},
    "scheme": {"type": "string", "enum": ["exact"]},
    "network": {"type": "string", "minLength": 1},
    "payload": {
      "oneOf": [
        {
          "type": "object",
          "required": ["txHash"],
          "properties": {"txHash": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}}
        },
        {
          "type": "object",
          "required": ["from", "to", "value", "validAfter", "validBefore", "nonce", "signature"],
          "properties": {
            "from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
            "to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
            "value": {"type": "string", "pattern": "^[0-9]+$"},
            "validAfter": {"type": "integer"},
            "validBefore": {"type": "integer"},
            "nonce": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
            "signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"}
          }
        }
      ]
    }
  }
}`

var envelopeSchemaLoader = gojsonschema.NewStringLoader(envelopeSchema)

// NewTxHashEnvelope wraps a settled transaction hash
func NewTxHashEnvelope(chain x402.Chain, txHash string) (*Envelope, error) {
	payload, err := json.Marshal(TxHashPayload{TxHash: txHash})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Envelope{X402Version: X402Version, Scheme: SchemeExact, Network: chain, Payload: payload}, nil
}

// NewAuthorizationEnvelope wraps a signed EIP-3009 authorization
func NewAuthorizationEnvelope(chain x402.Chain, auth *x402.EIP3009Authorization) (*Envelope, error) {
	if auth == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "authorization is nil", nil)
	}
	payload, err := json.Marshal(auth)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Envelope{X402Version: X402Version, Scheme: SchemeExact, Network: chain, Payload: payload}, nil
}

// Encode renders the envelope as a header value
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// TxHash returns the settled transaction hash, or "" for an authorization
func (e *Envelope) TxHash() string {
	var p TxHashPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.TxHash
}

// Authorization returns the carried authorization, or nil for a tx hash
func (e *Envelope) Authorization() *x402.EIP3009Authorization {
	if e.TxHash() != "" {
		return nil
	}
	var auth x402.EIP3009Authorization
	if err := json.Unmarshal(e.Payload, &auth); err != nil || auth.Signature == "" {
		return nil
	}
	if auth.Chain == "" {
		auth.Chain = e.Network
	}
	return &auth
}

// DecodeEnvelope validates and decodes an X-Payment header value.
// It performs validation of:
// - Base64 format
// - JSON structure against the envelope schema
func DecodeEnvelope(header string) (*Envelope, error) {
	if header == "" {
		return nil, invalidEnvelope("payment header is empty", nil)
	}
	if !base64Regex.MatchString(header) {
		return nil, invalidEnvelope("invalid payment header format: not valid base64", nil)
	}
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, invalidEnvelope("invalid payment header format: base64 decoding failed", err)
	}

	result, err := gojsonschema.Validate(envelopeSchemaLoader, gojsonschema.NewBytesLoader(decoded))
	if err != nil {
		return nil, invalidEnvelope("invalid payment header format: not valid JSON", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "invalid payment header: "+strings.Join(errs, "; "),
			map[string]interface{}{"errors": errs})
	}

	var env Envelope
	if err := json.Unmarshal(decoded, &env); err != nil {
		return nil, invalidEnvelope("failed to parse payment header", err)
	}
	return &env, nil
}

// PaymentFromRequest extracts the payment a client attached to r. It reads
// X-Payment first and falls back to the legacy X-Payment-Proof hash, which
// is assumed to be on chain. It returns nil, nil when neither is present.
func PaymentFromRequest(r *http.Request, chain x402.Chain) (*Envelope, error) {
	if header := r.Header.Get(HeaderPayment); header != "" {
		return DecodeEnvelope(header)
	}
	proof := strings.TrimSpace(r.Header.Get(HeaderPaymentProof))
	if proof == "" {
		return nil, nil
	}
	if !txHashRegex.MatchString(proof) {
		return nil, invalidEnvelope("invalid payment proof: "+proof, nil)
	}
	return NewTxHashEnvelope(chain, proof)
}

func invalidEnvelope(message string, err error) error {
	if err != nil {
		return x402.WrapPaymentError(x402.ErrCodeInvalidPaymentRequest, message, err, nil)
	}
	return x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, message, nil)
}
