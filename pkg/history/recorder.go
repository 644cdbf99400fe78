package history

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	x402 "github.com/x402-foundation/agentpay"
)

// Recorder is an x402.Listener source that stores every confirmed or
// settled transaction. Register it with client.On(recorder.Listen).
type Recorder struct {
	store *Store
	chain x402.Chain

	mu    sync.Mutex
	tools map[string]string
}

// NewRecorder records transactions made on chain into store
func NewRecorder(store *Store, chain x402.Chain) *Recorder {
	return &Recorder{store: store, chain: chain, tools: make(map[string]string)}
}

// Listen implements x402.Listener
func (r *Recorder) Listen(ctx context.Context, event x402.Event) error {
	switch event.Type {
	case x402.EventPaymentRequested:
		if req, ok := event.Data.(*x402.PaymentRequest); ok && req.Tool != "" {
			r.mu.Lock()
			r.tools[pendingKey(req.Recipient, req.Amount)] = req.Tool
			r.mu.Unlock()
		}
		return nil

	case x402.EventPaymentFailed:
		if req, ok := event.Data.(*x402.PaymentRequest); ok {
			r.mu.Lock()
			delete(r.tools, pendingKey(req.Recipient, req.Amount))
			r.mu.Unlock()
		}
		return nil

	case x402.EventPaymentConfirmed, x402.EventAuthorizationSettled:
		tx, ok := event.Data.(*x402.PaymentTransaction)
		if !ok || tx.Hash == "" {
			return nil
		}
		r.mu.Lock()
		key := pendingKey(tx.To, tx.Amount)
		tool := r.tools[key]
		if event.Type == x402.EventPaymentConfirmed {
			delete(r.tools, key)
		}
		r.mu.Unlock()

		return r.store.AddPayment(ctx, &Record{
			TxHash:      tx.Hash,
			Chain:       r.chain,
			From:        tx.From,
			To:          tx.To,
			Amount:      tx.Amount,
			RawAmount:   tx.RawAmount,
			Token:       tx.Token,
			Tool:        tool,
			Gasless:     tx.Gasless,
			Status:      tx.Status,
			BlockNumber: tx.BlockNumber,
		})
	}
	return nil
}

func pendingKey(recipient, amount string) string {
	if d, err := decimal.NewFromString(amount); err == nil {
		amount = d.String()
	}
	return strings.ToLower(recipient) + "|" + amount
}
