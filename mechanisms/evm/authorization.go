package evm

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/agentpay"
)

// AuthorizationEngine creates, checks and settles EIP-3009
// transferWithAuthorization permits on one chain.
//
// The signer is the paying account; it may be nil for a relayer that only
// settles authorizations signed elsewhere. The chain client submits the
// settlement and may belong to any funded account.
type AuthorizationEngine struct {
	chain   x402.Chain
	client  ChainClient
	signer  Signer
	cfg     engineConfig
	chainID chainIDCache
	logger  *logrus.Entry
}

// NewAuthorizationEngine creates an EIP-3009 engine for chain
func NewAuthorizationEngine(chain x402.Chain, client ChainClient, signer Signer, opts ...Option) (*AuthorizationEngine, error) {
	info, err := x402.GetChainInfo(chain)
	if err != nil {
		return nil, err
	}
	cfg := newEngineConfig(opts)
	return &AuthorizationEngine{
		chain:   chain,
		client:  client,
		signer:  signer,
		cfg:     cfg,
		chainID: chainIDCache{fallback: info.ChainID},
		logger:  x402.WithCategory(cfg.logger, x402.LogCategoryGasless),
	}, nil
}

// SupportsGasless reports whether token supports EIP-3009 on this chain
func (e *AuthorizationEngine) SupportsGasless(token x402.Token) bool {
	return x402.SupportsGasless(e.chain, token)
}

func (e *AuthorizationEngine) gaslessToken(token x402.Token) (x402.TokenConfig, error) {
	tc, err := x402.GetTokenConfig(e.chain, token)
	if err != nil {
		return x402.TokenConfig{}, err
	}
	if !tc.SupportsEIP3009 {
		return x402.TokenConfig{}, x402.NewPaymentError(x402.ErrCodeUnsupportedToken,
			"token "+string(token)+" does not support transferWithAuthorization on "+string(e.chain),
			map[string]interface{}{"token": token, "chain": e.chain})
	}
	return tc, nil
}

// CreateAuthorization signs a transfer of amount from the signer to recipient
func (e *AuthorizationEngine) CreateAuthorization(
	ctx context.Context,
	recipient, amount string,
	token x402.Token,
	opts x402.AuthorizationOptions,
) (*x402.EIP3009Authorization, error) {
	if e.signer == nil {
		return nil, missingKey("create an authorization")
	}
	tc, err := e.gaslessToken(token)
	if err != nil {
		return nil, err
	}
	if !x402.IsAddress(recipient) {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest,
			"invalid recipient address: "+recipient,
			map[string]interface{}{"recipient": recipient})
	}
	value, err := x402.ParseUnits(amount, tc.Decimals)
	if err != nil {
		return nil, err
	}

	validAfter := opts.ValidAfter
	if validAfter == 0 {
		validAfter = e.cfg.now().Unix()
	}
	period := opts.ValidityPeriod
	if period <= 0 {
		period = e.cfg.validityPeriod
	}

	nonce := opts.Nonce
	if nonce == "" {
		if nonce, err = CreateNonce(); err != nil {
			return nil, err
		}
	} else if _, err := HexToBytes32(nonce); err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeInvalidPaymentRequest,
			"nonce must be 32 bytes of hex", err, map[string]interface{}{"nonce": nonce})
	}

	chainID, err := e.chainID.get(ctx, e.client)
	if err != nil {
		return nil, err
	}

	auth := &x402.EIP3009Authorization{
		From:        e.signer.Address(),
		To:          NormalizeAddress(recipient),
		Value:       value.String(),
		ValidAfter:  validAfter,
		ValidBefore: validAfter + period,
		Nonce:       nonce,
		Token:       tc.Symbol,
		Chain:       e.chain,
	}

	message, err := AuthorizationMessage(auth)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeInvalidPaymentRequest, "invalid authorization", err, nil)
	}
	sig, err := e.signer.SignTypedData(ctx, AuthorizationDomain(tc, chainID), EIP3009Types,
		PrimaryTypeTransferWithAuthorization, message)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeInvalidSignature, "failed to sign authorization", err, nil)
	}
	v, r, s, err := SplitSignature(sig)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeInvalidSignature, "signer returned a malformed signature", err, nil)
	}
	sig[64] = v
	auth.V, auth.R, auth.S = v, r, s
	auth.Signature = BytesToHex(sig)

	e.logger.WithFields(logrus.Fields{
		"from":        auth.From,
		"to":          auth.To,
		"value":       auth.Value,
		"validBefore": auth.ValidBefore,
	}).Debug("authorization created")
	return auth, nil
}

// IsNonceUsed reads authorizationState(authorizer, nonce) from the token.
// When the contract cannot answer the nonce is reported unused.
func (e *AuthorizationEngine) IsNonceUsed(ctx context.Context, authorizer, nonce string, token x402.Token) (bool, error) {
	tc, err := x402.GetTokenConfig(e.chain, token)
	if err != nil {
		return false, err
	}
	nonceBytes, err := HexToBytes32(nonce)
	if err != nil {
		return false, x402.WrapPaymentError(x402.ErrCodeInvalidPaymentRequest,
			"nonce must be 32 bytes of hex", err, map[string]interface{}{"nonce": nonce})
	}
	if e.cfg.cache.Get(x402.AuthorizationKey(tc.Address, authorizer, nonce)) != nil {
		return true, nil
	}
	if e.client == nil {
		return false, nil
	}

	result, err := e.client.ReadContract(ctx, tc.Address, AuthorizationStateABI, FunctionAuthorizationState,
		common.HexToAddress(authorizer), nonceBytes)
	if err != nil {
		e.logger.WithError(err).WithField("token", tc.Address).
			Debug("authorizationState unavailable, treating nonce as unused")
		return false, nil
	}
	used, ok := result.(bool)
	if !ok {
		e.logger.WithField("result", result).Debug("unexpected authorizationState result")
		return false, nil
	}
	return used, nil
}

// check runs the time window and nonce checks in order and returns the
// first failure as a typed error
func (e *AuthorizationEngine) check(ctx context.Context, auth *x402.EIP3009Authorization, token x402.Token) (x402.TokenConfig, error) {
	if auth == nil {
		return x402.TokenConfig{}, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "authorization is required", nil)
	}
	if auth.Chain != "" && auth.Chain != e.chain {
		return x402.TokenConfig{}, x402.NewPaymentError(x402.ErrCodeUnsupportedChain,
			"authorization is for "+string(auth.Chain)+", engine is on "+string(e.chain),
			map[string]interface{}{"chain": auth.Chain})
	}
	tc, err := e.gaslessToken(token)
	if err != nil {
		return tc, err
	}

	now := e.cfg.now().Unix()
	if now < auth.ValidAfter {
		return tc, x402.NewPaymentError(x402.ErrCodeAuthorizationNotYetValid,
			"authorization is not yet valid",
			map[string]interface{}{"validAfter": auth.ValidAfter, "now": now})
	}
	if now > auth.ValidBefore {
		return tc, x402.NewPaymentError(x402.ErrCodeAuthorizationExpired,
			"authorization has expired",
			map[string]interface{}{"validBefore": auth.ValidBefore, "now": now})
	}

	used, err := e.IsNonceUsed(ctx, auth.From, auth.Nonce, token)
	if err != nil {
		return tc, err
	}
	if used {
		details := map[string]interface{}{"from": auth.From, "nonce": auth.Nonce}
		if tx := e.cfg.cache.Get(x402.AuthorizationKey(tc.Address, auth.From, auth.Nonce)); tx != nil {
			details["hash"] = tx.Hash
		}
		return tc, x402.NewPaymentError(x402.ErrCodeNonceAlreadyUsed,
			"authorization nonce has already been used", details)
	}
	return tc, nil
}

// ValidateAuthorization pre-checks auth. It never returns an error and
// never changes state, so it can be called any number of times.
func (e *AuthorizationEngine) ValidateAuthorization(ctx context.Context, auth *x402.EIP3009Authorization, token x402.Token) x402.AuthorizationVerdict {
	if _, err := e.check(ctx, auth, token); err != nil {
		verdict := x402.AuthorizationVerdict{Code: x402.ErrorCode(err), Reason: err.Error()}
		var pe *x402.PaymentError
		if errors.As(err, &pe) {
			verdict.Reason = pe.Message
		}
		return verdict
	}
	return x402.AuthorizationVerdict{Valid: true}
}

// SettleAuthorization submits auth to the token contract and waits for the receipt
func (e *AuthorizationEngine) SettleAuthorization(ctx context.Context, auth *x402.EIP3009Authorization, token x402.Token) (*x402.PaymentTransaction, error) {
	tc, err := e.check(ctx, auth, token)
	if err != nil {
		return nil, err
	}
	if e.client == nil {
		return nil, missingKey("settle an authorization")
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() <= 0 {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest,
			"invalid authorization value: "+auth.Value, nil)
	}
	v, r, s, err := authorizationVRS(auth)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeInvalidSignature, "invalid authorization signature", err, nil)
	}
	nonce, _ := HexToBytes32(auth.Nonce)

	key := x402.AuthorizationKey(tc.Address, auth.From, auth.Nonce)
	done, err := e.claim(ctx, key, auth.Nonce)
	if err != nil {
		return nil, err
	}

	chainID, err := e.chainID.get(ctx, e.client)
	if err != nil {
		e.cfg.cache.Fail(key, done)
		return nil, err
	}

	txHash, err := e.client.WriteContract(ctx, tc.Address, TransferWithAuthorizationVRSABI,
		FunctionTransferWithAuthorization,
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		nonce,
		v,
		r,
		s,
	)
	if err != nil {
		e.cfg.cache.Fail(key, done)
		return nil, submitFailed("transferWithAuthorization", err)
	}

	tx := &x402.PaymentTransaction{
		Hash:         txHash,
		ChainID:      chainID.Int64(),
		From:         auth.From,
		To:           auth.To,
		Amount:       x402.FormatUnits(value, tc.Decimals),
		RawAmount:    value.String(),
		Token:        tc.Symbol,
		TokenAddress: tc.Address,
		Status:       x402.TxStatusPending,
		Timestamp:    e.cfg.now(),
		Gasless:      true,
	}
	e.logger.WithFields(logrus.Fields{"hash": txHash, "from": auth.From}).Info("authorization submitted")

	if err := e.cfg.finalize(ctx, e.client, tx); err != nil {
		e.cfg.cache.Fail(key, done)
		return nil, err
	}
	e.cfg.cache.Complete(key, tx, done)
	e.logger.WithFields(logrus.Fields{"hash": txHash, "block": tx.BlockNumber}).Info("authorization settled")
	return tx, nil
}

// claim takes ownership of the settlement of key. A caller that finds
// another settlement in flight waits for it: if that one succeeded the
// nonce is spent, if it failed this caller takes over.
func (e *AuthorizationEngine) claim(ctx context.Context, key, nonce string) (chan struct{}, error) {
	for {
		status, settled, done := e.cfg.cache.Begin(key)
		switch status {
		case x402.StatusNotFound:
			return done, nil
		case x402.StatusSettled:
			return nil, alreadySettled(settled, nonce)
		}

		e.logger.WithField("nonce", nonce).Debug("waiting for concurrent settlement")
		settled, err := e.cfg.cache.Wait(ctx, key, done)
		if err != nil {
			return nil, x402.WrapPaymentError(x402.ErrCodePaymentTimeout,
				"gave up waiting for a concurrent settlement", err,
				map[string]interface{}{"nonce": nonce, "status": "unknown"})
		}
		if settled != nil {
			return nil, alreadySettled(settled, nonce)
		}
	}
}

func alreadySettled(tx *x402.PaymentTransaction, nonce string) error {
	return x402.NewPaymentError(x402.ErrCodeNonceAlreadyUsed,
		"authorization was already settled",
		map[string]interface{}{"hash": tx.Hash, "nonce": nonce})
}

// ExecuteGasless creates and settles an authorization for req in one step
func (e *AuthorizationEngine) ExecuteGasless(ctx context.Context, req *x402.PaymentRequest, opts x402.AuthorizationOptions) (*x402.PaymentTransaction, error) {
	if req.Chain != e.chain {
		return nil, x402.NewPaymentError(x402.ErrCodeUnsupportedChain,
			"request is on "+string(req.Chain)+", engine is on "+string(e.chain), nil)
	}
	if err := x402.ValidatePaymentRequest(req, e.cfg.now()); err != nil {
		return nil, err
	}
	auth, err := e.CreateAuthorization(ctx, req.Recipient, req.Amount, req.Token, opts)
	if err != nil {
		return nil, err
	}
	return e.SettleAuthorization(ctx, auth, req.Token)
}

func authorizationVRS(auth *x402.EIP3009Authorization) (uint8, [32]byte, [32]byte, error) {
	var r, s [32]byte
	if auth.R != "" && auth.S != "" && auth.V != 0 {
		var err error
		if r, err = HexToBytes32(auth.R); err != nil {
			return 0, r, s, err
		}
		if s, err = HexToBytes32(auth.S); err != nil {
			return 0, r, s, err
		}
		return auth.V, r, s, nil
	}
	sig, err := HexToBytes(auth.Signature)
	if err != nil {
		return 0, r, s, err
	}
	v, rHex, sHex, err := SplitSignature(sig)
	if err != nil {
		return 0, r, s, err
	}
	r, _ = HexToBytes32(rHex)
	s, _ = HexToBytes32(sHex)
	return v, r, s, nil
}

var _ x402.GaslessSettler = (*AuthorizationEngine)(nil)
