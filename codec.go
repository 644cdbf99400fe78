package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ChallengeScheme is the auth scheme of a 402 challenge header
const ChallengeScheme = "X402"

// ChallengeHeader carries the payment terms of a 402 response
const ChallengeHeader = "WWW-Authenticate"

// Error values used in X402 error challenges
const (
	ChallengeErrorRateLimit          = "rate_limit_exceeded"
	ChallengeErrorVerificationFailed = "payment_verification_failed"
	ChallengeErrorPaymentFailed      = "payment_failed"
)

var (
	challengeParamRegex = regexp.MustCompile(`(\w+)="((?:[^"\\]|\\.)*)"`)
	escapedCharRegex    = regexp.MustCompile(`\\(.)`)
	priceRegex          = regexp.MustCompile(`^([\d.]+)\s+(\w+)$`)
)

// Response is the transport-neutral view of an HTTP response used by the codec
type Response struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"headers"`
	Body       []byte      `json:"body,omitempty"`
}

// ParseHTTPResponse reads resp into a Response. The body is consumed and closed.
func ParseHTTPResponse(resp *http.Response) (*Response, error) {
	if resp == nil {
		return nil, NewPaymentError(ErrCodeInvalidPaymentRequest, "nil response", nil)
	}
	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}
	if resp.Body != nil {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, WrapPaymentError(ErrCodeNetworkError, "failed to read response body", err, nil)
		}
		out.Body = body
	}
	return out, nil
}

// IsPaymentRequired reports whether resp is a 402
func (r *Response) IsPaymentRequired() bool {
	return r != nil && r.StatusCode == http.StatusPaymentRequired
}

func (r *Response) header(name string) string {
	if r.Header == nil {
		return ""
	}
	if v := r.Header.Get(name); v != "" {
		return v
	}
	// Headers built by hand may not be canonicalized
	for k, vs := range r.Header {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// ParseChallenge extracts the key="value" parameters of an X402 challenge
func ParseChallenge(header string) (map[string]string, error) {
	header = strings.TrimSpace(header)
	// The scheme token ends at the first space or tab
	scheme, rest := header, ""
	if i := strings.IndexAny(header, " \t"); i >= 0 {
		scheme, rest = header[:i], header[i+1:]
	}
	if !strings.EqualFold(scheme, ChallengeScheme) {
		return nil, NewPaymentError(ErrCodeInvalidPaymentRequest,
			"missing X402 challenge", map[string]interface{}{"header": header})
	}
	params := make(map[string]string)
	for _, m := range challengeParamRegex.FindAllStringSubmatch(rest, -1) {
		params[m[1]] = escapedCharRegex.ReplaceAllString(m[2], "$1")
	}
	return params, nil
}

// ParsePaymentRequired decodes a 402 response into a validated PaymentRequest
func ParsePaymentRequired(resp *Response) (*PaymentRequest, error) {
	return parsePaymentRequiredAt(resp, time.Now())
}

func parsePaymentRequiredAt(resp *Response, now time.Time) (*PaymentRequest, error) {
	if resp == nil || resp.StatusCode != http.StatusPaymentRequired {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, NewPaymentError(ErrCodeInvalidPaymentRequest,
			"response is not 402 Payment Required", map[string]interface{}{"status": status})
	}

	header := resp.header(ChallengeHeader)
	if header == "" {
		if len(resp.Body) > 0 {
			return parseBody(resp.Body, now)
		}
		return nil, NewPaymentError(ErrCodeInvalidPaymentRequest, "missing www-authenticate header", nil)
	}

	params, err := ParseChallenge(header)
	if err != nil {
		return nil, err
	}
	if e, ok := params["error"]; ok {
		return nil, challengeError(e, params)
	}

	m := priceRegex.FindStringSubmatch(params["price"])
	if m == nil {
		return nil, NewPaymentError(ErrCodeInvalidPaymentRequest,
			"invalid price in challenge", map[string]interface{}{"price": params["price"]})
	}

	req := &PaymentRequest{
		Amount:      m[1],
		Token:       Token(m[2]),
		Chain:       Chain(params["chain"]),
		Recipient:   params["recipient"],
		Reference:   params["reference"],
		Tool:        params["tool"],
		Description: params["description"],
		Resource:    params["resource"],
	}
	if d, ok := params["deadline"]; ok {
		deadline, err := strconv.ParseInt(d, 10, 64)
		if err != nil {
			return nil, WrapPaymentError(ErrCodeInvalidPaymentRequest,
				"invalid deadline: "+d, err, nil)
		}
		req.Deadline = deadline
	}

	if err := ValidatePaymentRequest(req, now); err != nil {
		return nil, err
	}
	return req, nil
}

func challengeError(code string, params map[string]string) error {
	details := make(map[string]interface{}, len(params))
	for k, v := range params {
		details[k] = v
	}
	switch code {
	case ChallengeErrorRateLimit:
		return NewPaymentError(ErrCodeRateLimitExceeded, "rate limit exceeded", details)
	case ChallengeErrorVerificationFailed:
		return NewPaymentError(ErrCodeVerificationFailed, "payment verification failed: "+params["message"], details)
	default:
		return NewPaymentError(ErrCodePaymentRejected, "server rejected payment: "+code, details)
	}
}

// paymentRequiredBody is the JSON echo of the challenge
type paymentRequiredBody struct {
	Error          string          `json:"error"`
	Message        string          `json:"message,omitempty"`
	PaymentRequest *PaymentRequest `json:"paymentRequest"`
}

const paymentRequiredBodySchema = `{
  "type": "object",
  "required": ["paymentRequest"],
  "properties": {
    "error": {"type": "string"},
    "message": {"type": "string"},
    "paymentRequest": {
      "type": "object",
      "required": ["amount", "token", "chain", "recipient"],
      "properties": {
        "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
        "token": {"type": "string", "minLength": 1},
        "chain": {"type": "string", "minLength": 1},
        "recipient": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
        "deadline": {"type": "integer"}
      }
    }
  }
}`

var bodySchema = gojsonschema.NewStringLoader(paymentRequiredBodySchema)

func parseBody(body []byte, now time.Time) (*PaymentRequest, error) {
	result, err := gojsonschema.Validate(bodySchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, WrapPaymentError(ErrCodeInvalidPaymentRequest, "invalid 402 body", err, nil)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return nil, NewPaymentError(ErrCodeInvalidPaymentRequest, "invalid 402 body",
			map[string]interface{}{"errors": reasons})
	}

	var parsed paymentRequiredBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, WrapPaymentError(ErrCodeInvalidPaymentRequest, "invalid 402 body", err, nil)
	}
	if err := ValidatePaymentRequest(parsed.PaymentRequest, now); err != nil {
		return nil, err
	}
	return parsed.PaymentRequest, nil
}

// FormatChallenge renders req as an X402 challenge header value
func FormatChallenge(req *PaymentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, `%s price="%s %s" chain="%s" recipient="%s"`,
		ChallengeScheme, req.Amount, req.Token, req.Chain, req.Recipient)
	optional := []struct{ key, value string }{
		{"reference", req.Reference},
		{"tool", req.Tool},
		{"description", req.Description},
		{"resource", req.Resource},
	}
	if req.Deadline != 0 {
		fmt.Fprintf(&b, ` deadline="%d"`, req.Deadline)
	}
	for _, p := range optional {
		if p.value == "" {
			continue
		}
		fmt.Fprintf(&b, ` %s="%s"`, p.key, quoteParam(p.value))
	}
	return b.String()
}

// FormatErrorChallenge renders an X402 error challenge such as
// X402 error="rate_limit_exceeded" limit="10/hour"
func FormatErrorChallenge(code string, params ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `%s error="%s"`, ChallengeScheme, code)
	for i := 0; i+1 < len(params); i += 2 {
		if params[i+1] == "" {
			continue
		}
		fmt.Fprintf(&b, ` %s="%s"`, params[i], quoteParam(params[i+1]))
	}
	return b.String()
}

// quoteParam escapes v for a quoted-string parameter value
func quoteParam(v string) string {
	return paramEscaper.Replace(v)
}

var paramEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// CreatePaymentRequiredResponse builds the 402 response a server sends for req
func CreatePaymentRequiredResponse(req *PaymentRequest, message string) (*Response, error) {
	if req == nil {
		return nil, NewPaymentError(ErrCodeInvalidPaymentRequest, "payment request is nil", nil)
	}
	if message == "" {
		message = fmt.Sprintf("Payment of %s %s required", req.Amount, req.Token)
	}
	body, err := json.Marshal(paymentRequiredBody{
		Error:          "Payment Required",
		Message:        message,
		PaymentRequest: req,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal 402 body: %w", err)
	}

	header := make(http.Header)
	header.Set(ChallengeHeader, FormatChallenge(req))
	header.Set("Content-Type", "application/json")
	return &Response{
		StatusCode: http.StatusPaymentRequired,
		Header:     header,
		Body:       body,
	}, nil
}
