package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	x402http "github.com/x402-foundation/agentpay/http"
)

// ReceiptKey is the gin context key holding the accepted *x402http.Receipt
const ReceiptKey = "x402Receipt"

// PaymentMiddleware is the Gin middleware charging amount, paid to recipient,
// for every request it guards.
// Amount: the decimal denominated amount to charge (ex: 0.01 for 1 cent)
func PaymentMiddleware(amount, recipient string, opts ...x402http.MiddlewareOption) gin.HandlerFunc {
	gate, err := x402http.NewGateFromOptions(amount, recipient, opts...)
	if err != nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": x402http.X402Version,
			})
		}
	}
	return GateMiddleware(gate)
}

// GateMiddleware guards the following handlers with an existing gate
func GateMiddleware(gate *x402http.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := gate.Evaluate(c.Request)
		if !decision.Allowed {
			resp := decision.Response
			for k, values := range resp.Header {
				if k == "Content-Type" {
					continue
				}
				for _, v := range values {
					c.Writer.Header().Add(k, v)
				}
			}
			c.Abort()
			c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
			return
		}

		x402http.SetReceiptHeader(c.Writer.Header(), decision.Receipt)
		c.Set(ReceiptKey, decision.Receipt)
		c.Request = c.Request.WithContext(x402http.WithReceipt(c.Request.Context(), decision.Receipt))
		c.Next()
	}
}

// GetReceipt returns the receipt stored by the middleware
func GetReceipt(c *gin.Context) (*x402http.Receipt, bool) {
	v, ok := c.Get(ReceiptKey)
	if !ok {
		return nil, false
	}
	receipt, ok := v.(*x402http.Receipt)
	return receipt, ok
}
