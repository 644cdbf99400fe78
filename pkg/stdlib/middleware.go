package stdlib

import (
	"encoding/json"
	"net/http"

	x402http "github.com/x402-foundation/agentpay/http"
)

// PaymentMiddleware charges amount, paid to recipient, for every request
// reaching the wrapped handler.
// Amount: the decimal denominated amount to charge (ex: 0.01 for 1 cent)
func PaymentMiddleware(amount, recipient string, opts ...x402http.MiddlewareOption) func(http.Handler) http.Handler {
	gate, err := x402http.NewGateFromOptions(amount, recipient, opts...)
	if err != nil {
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			})
		}
	}
	return GateMiddleware(gate)
}

// GateMiddleware wraps handlers with an existing gate. The accepted receipt
// is available to the handler through x402http.ReceiptFromContext.
func GateMiddleware(gate *x402http.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := gate.Evaluate(r)
			if !decision.Allowed {
				x402http.WriteResponse(w, decision.Response)
				return
			}
			x402http.SetReceiptHeader(w.Header(), decision.Receipt)
			next.ServeHTTP(w, r.WithContext(x402http.WithReceipt(r.Context(), decision.Receipt)))
		})
	}
}

// writeErrorResponse writes an error response with the given status code and message.
func writeErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":       errorMsg,
		"x402Version": x402http.X402Version,
	})
}
