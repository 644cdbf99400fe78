package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	x402http "github.com/x402-foundation/agentpay/http"
)

// ReceiptKey is the echo context key holding the accepted *x402http.Receipt
const ReceiptKey = "x402Receipt"

// PaymentMiddleware is the Echo middleware charging amount, paid to
// recipient, for every request it guards.
// Amount: the decimal denominated amount to charge (ex: 0.01 for 1 cent)
func PaymentMiddleware(amount, recipient string, opts ...x402http.MiddlewareOption) echo.MiddlewareFunc {
	gate, err := x402http.NewGateFromOptions(amount, recipient, opts...)
	if err != nil {
		return func(echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				return c.JSON(http.StatusInternalServerError, map[string]interface{}{
					"error":       err.Error(),
					"x402Version": x402http.X402Version,
				})
			}
		}
	}
	return GateMiddleware(gate)
}

// GateMiddleware guards the next handler with an existing gate
func GateMiddleware(gate *x402http.Gate) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			decision := gate.Evaluate(c.Request())
			if !decision.Allowed {
				resp := decision.Response
				for k, values := range resp.Header {
					if k == echo.HeaderContentType {
						continue
					}
					for _, v := range values {
						c.Response().Header().Add(k, v)
					}
				}
				return c.Blob(resp.StatusCode, resp.Header.Get(echo.HeaderContentType), resp.Body)
			}

			x402http.SetReceiptHeader(c.Response().Header(), decision.Receipt)
			c.Set(ReceiptKey, decision.Receipt)
			c.SetRequest(c.Request().WithContext(x402http.WithReceipt(c.Request().Context(), decision.Receipt)))
			return next(c)
		}
	}
}

// GetReceipt returns the receipt stored by the middleware
func GetReceipt(c echo.Context) (*x402http.Receipt, bool) {
	receipt, ok := c.Get(ReceiptKey).(*x402http.Receipt)
	return receipt, ok
}
