package facilitator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/borchain/x402-connector"
	"github.com/borchain/x402-connector/internal/eip3009"
)

const evmPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

func newEVMFacilitator(t *testing.T, cfg x402.LocalConfig) *EVMLocal {
	t.Helper()
	chain, err := x402.GetChainConfig(x402.NetworkBaseSepolia)
	require.NoError(t, err)
	return NewEVMLocal(chain, cfg, nil)
}

// signedEVMPayment builds a payment credential signed by a fresh key and the
// requirement it satisfies.
func signedEVMPayment(t *testing.T) (*ecdsa.PrivateKey, x402.PaymentPayload, x402.PaymentRequirements) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	chain, err := x402.GetChainConfig(x402.NetworkBaseSepolia)
	require.NoError(t, err)

	auth, err := eip3009.CreateAuthorization(from, common.HexToAddress(evmPayTo), big.NewInt(10000), 600)
	require.NoError(t, err)

	token := common.HexToAddress(chain.USDCAddress)
	signature, err := eip3009.SignAuthorization(key, token, big.NewInt(chain.ChainID), auth, chain.EIP712Name, chain.EIP712Version)
	require.NoError(t, err)

	payment := x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkBaseSepolia,
		Payload: x402.ExactPayload{
			Signature: signature,
			Authorization: x402.ExactAuthorization{
				From:        from.Hex(),
				To:          evmPayTo,
				Value:       auth.Value.String(),
				ValidAfter:  auth.ValidAfter.String(),
				ValidBefore: auth.ValidBefore.String(),
				Nonce:       common.BytesToHash(auth.Nonce[:]).Hex(),
			},
		},
	}
	requirement := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkBaseSepolia,
		MaxAmountRequired: "10000",
		Asset:             chain.USDCAddress,
		PayTo:             evmPayTo,
	}
	return key, payment, requirement
}

func TestEVMVerifyValidPayment(t *testing.T) {
	f := newEVMFacilitator(t, x402.LocalConfig{})
	_, payment, requirement := signedEVMPayment(t)

	result, err := f.Verify(context.Background(), payment, requirement)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, payment.Payload.Authorization.From, result.Payer)
	assert.Empty(t, result.InvalidReason)
}

func TestEVMVerifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*x402.PaymentPayload, *x402.PaymentRequirements)
		reason string
	}{
		{
			name:   "wrong protocol version",
			mutate: func(p *x402.PaymentPayload, _ *x402.PaymentRequirements) { p.X402Version = 2 },
			reason: "invalid_x402_version",
		},
		{
			name:   "wrong scheme",
			mutate: func(p *x402.PaymentPayload, _ *x402.PaymentRequirements) { p.Scheme = "streaming" },
			reason: "invalid_scheme",
		},
		{
			name:   "wrong network",
			mutate: func(p *x402.PaymentPayload, _ *x402.PaymentRequirements) { p.Network = x402.NetworkPolygon },
			reason: "invalid_network",
		},
		{
			name: "recipient mismatch",
			mutate: func(_ *x402.PaymentPayload, r *x402.PaymentRequirements) {
				r.PayTo = "0x1111111111111111111111111111111111111111"
			},
			reason: "recipient_mismatch",
		},
		{
			name: "amount mismatch",
			mutate: func(_ *x402.PaymentPayload, r *x402.PaymentRequirements) {
				r.MaxAmountRequired = "9999"
			},
			reason: "amount_mismatch",
		},
		{
			name: "not yet valid",
			mutate: func(p *x402.PaymentPayload, _ *x402.PaymentRequirements) {
				p.Payload.Authorization.ValidAfter = big.NewInt(time.Now().Unix() + 3600).String()
			},
			reason: "payment_not_yet_valid",
		},
		{
			name: "expired",
			mutate: func(p *x402.PaymentPayload, _ *x402.PaymentRequirements) {
				p.Payload.Authorization.ValidBefore = big.NewInt(time.Now().Unix() - 3600).String()
			},
			reason: "payment_expired",
		},
		{
			name: "tampered value",
			mutate: func(p *x402.PaymentPayload, r *x402.PaymentRequirements) {
				p.Payload.Authorization.Value = "20000"
				r.MaxAmountRequired = "20000"
			},
			reason: "invalid_signature",
		},
		{
			name: "garbage signature",
			mutate: func(p *x402.PaymentPayload, _ *x402.PaymentRequirements) {
				p.Payload.Signature = "0xdeadbeef"
			},
			reason: "invalid_signature",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEVMFacilitator(t, x402.LocalConfig{})
			_, payment, requirement := signedEVMPayment(t)
			tt.mutate(&payment, &requirement)

			result, err := f.Verify(context.Background(), payment, requirement)
			require.NoError(t, err)
			assert.False(t, result.IsValid)
			assert.Equal(t, tt.reason, result.InvalidReason)
		})
	}
}

func TestEVMVerifySignerMismatch(t *testing.T) {
	f := newEVMFacilitator(t, x402.LocalConfig{})
	_, payment, requirement := signedEVMPayment(t)

	// Another account claims the signed authorization as its own.
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	payment.Payload.Authorization.From = crypto.PubkeyToAddress(otherKey.PublicKey).Hex()

	result, err := f.Verify(context.Background(), payment, requirement)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "invalid_signature", result.InvalidReason)
}

func TestEVMVerifyReplayedNonce(t *testing.T) {
	f := newEVMFacilitator(t, x402.LocalConfig{})
	_, payment, requirement := signedEVMPayment(t)

	first, err := f.Verify(context.Background(), payment, requirement)
	require.NoError(t, err)
	require.True(t, first.IsValid)

	second, err := f.Verify(context.Background(), payment, requirement)
	require.NoError(t, err)
	assert.False(t, second.IsValid)
	assert.Equal(t, "nonce_already_used", second.InvalidReason)
}

func TestEVMVerifyMalformedAuthorization(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*x402.ExactAuthorization)
	}{
		{"bad from address", func(a *x402.ExactAuthorization) { a.From = "not-an-address" }},
		{"bad to address", func(a *x402.ExactAuthorization) { a.To = "0x12" }},
		{"non-numeric value", func(a *x402.ExactAuthorization) { a.Value = "ten" }},
		{"negative value", func(a *x402.ExactAuthorization) { a.Value = "-5" }},
		{"bad validAfter", func(a *x402.ExactAuthorization) { a.ValidAfter = "soon" }},
		{"bad validBefore", func(a *x402.ExactAuthorization) { a.ValidBefore = "" }},
		{"short nonce", func(a *x402.ExactAuthorization) { a.Nonce = "0x1234" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEVMFacilitator(t, x402.LocalConfig{})
			_, payment, requirement := signedEVMPayment(t)
			tt.mutate(&payment.Payload.Authorization)

			result, err := f.Verify(context.Background(), payment, requirement)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, x402.ErrMalformedCredential))
		})
	}
}

func TestEVMSettleWithoutSignerKey(t *testing.T) {
	f := newEVMFacilitator(t, x402.LocalConfig{
		PrivateKeyEnv: "TEST_EVM_SETTLE_KEY_UNSET",
		RPCURLEnv:     "TEST_EVM_SETTLE_RPC_UNSET",
	})
	_, payment, requirement := signedEVMPayment(t)

	receipt, err := f.Settle(context.Background(), payment, requirement)
	assert.Nil(t, receipt)
	assert.True(t, errors.Is(err, x402.ErrSignerUnavailable))
}

func TestEVMSettleBadSignerKey(t *testing.T) {
	t.Setenv("TEST_EVM_SETTLE_KEY", "zz-not-a-key")
	f := newEVMFacilitator(t, x402.LocalConfig{
		PrivateKeyEnv: "TEST_EVM_SETTLE_KEY",
		RPCURLEnv:     "TEST_EVM_SETTLE_RPC_UNSET",
	})
	_, payment, requirement := signedEVMPayment(t)

	receipt, err := f.Settle(context.Background(), payment, requirement)
	assert.Nil(t, receipt)
	assert.True(t, errors.Is(err, x402.ErrSignerUnavailable))
}

func TestEVMSettleWithoutRPCURL(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("TEST_EVM_SETTLE_KEY", common.Bytes2Hex(crypto.FromECDSA(key)))

	f := newEVMFacilitator(t, x402.LocalConfig{
		PrivateKeyEnv: "TEST_EVM_SETTLE_KEY",
		RPCURLEnv:     "TEST_EVM_SETTLE_RPC_UNSET",
	})
	_, payment, requirement := signedEVMPayment(t)

	receipt, err := f.Settle(context.Background(), payment, requirement)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.False(t, receipt.Success)
	assert.Contains(t, receipt.ErrorReason, "TEST_EVM_SETTLE_RPC_UNSET")
	assert.Equal(t, payment.Payload.Authorization.From, receipt.Payer)
}

func TestEVMSettleMalformedCredential(t *testing.T) {
	f := newEVMFacilitator(t, x402.LocalConfig{PrivateKeyEnv: "K", RPCURLEnv: "R"})
	_, payment, requirement := signedEVMPayment(t)
	payment.Payload.Authorization.From = "bogus"

	receipt, err := f.Settle(context.Background(), payment, requirement)
	assert.Nil(t, receipt)
	assert.True(t, errors.Is(err, x402.ErrMalformedCredential))
}

func TestEVMTokenAddressFallback(t *testing.T) {
	f := newEVMFacilitator(t, x402.LocalConfig{})

	custom := "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	assert.Equal(t, common.HexToAddress(custom), f.tokenAddress(x402.PaymentRequirements{Asset: custom}))
	assert.Equal(t, common.HexToAddress(f.chain.USDCAddress), f.tokenAddress(x402.PaymentRequirements{Asset: "usdc"}))
}

func TestEVMSigningDomainFromExtra(t *testing.T) {
	f := newEVMFacilitator(t, x402.LocalConfig{})

	name, version := f.signingDomain(x402.PaymentRequirements{})
	assert.Equal(t, f.chain.EIP712Name, name)
	assert.Equal(t, f.chain.EIP712Version, version)

	name, version = f.signingDomain(x402.PaymentRequirements{
		Extra: map[string]any{"name": "TestToken", "version": "7"},
	})
	assert.Equal(t, "TestToken", name)
	assert.Equal(t, "7", version)
}
