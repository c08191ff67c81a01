package facilitator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/borchain/x402-connector"
	"github.com/borchain/x402-connector/internal/eip3009"
)

// transferWithAuthorization (EIP-3009) and balanceOf, the only token entry
// points the local facilitator touches.
const usdcABI = `[
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "from", "type": "address"},
      {"name": "to", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "validAfter", "type": "uint256"},
      {"name": "validBefore", "type": "uint256"},
      {"name": "nonce", "type": "bytes32"},
      {"name": "v", "type": "uint8"},
      {"name": "r", "type": "bytes32"},
      {"name": "s", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  }
]`

var parsedUSDCABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(usdcABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EVMLocal verifies and settles "exact" payments on an EVM chain. Verification
// is pure signature and field checking plus an optional balance read; it never
// broadcasts. Settlement submits transferWithAuthorization with a locally held
// signer key, so the payer needs no gas and the facilitator pays it.
type EVMLocal struct {
	chain  x402.ChainConfig
	cfg    x402.LocalConfig
	logger *slog.Logger

	mu         sync.Mutex
	usedNonces map[string]struct{}
}

// NewEVMLocal builds a local EVM facilitator for one chain.
func NewEVMLocal(chain x402.ChainConfig, cfg x402.LocalConfig, logger *slog.Logger) *EVMLocal {
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMLocal{
		chain:      chain,
		cfg:        cfg,
		logger:     logger,
		usedNonces: make(map[string]struct{}),
	}
}

// Verify implements Client. Rejections carry a machine-readable reason; an
// error is returned only when the credential cannot be parsed at all.
func (f *EVMLocal) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.VerificationResult, error) {
	if payment.X402Version != x402.X402Version {
		return invalid("invalid_x402_version"), nil
	}
	if payment.Scheme != x402.SchemeExact || requirement.Scheme != x402.SchemeExact {
		return invalid("invalid_scheme"), nil
	}
	if !strings.EqualFold(payment.Network, requirement.Network) {
		return invalid("invalid_network"), nil
	}

	auth, err := parseAuthorization(payment.Payload.Authorization)
	if err != nil {
		return nil, err
	}
	from := payment.Payload.Authorization.From

	if !strings.EqualFold(payment.Payload.Authorization.To, requirement.PayTo) {
		return invalid("recipient_mismatch"), nil
	}

	required, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad maxAmountRequired %q", x402.ErrInvalidConfig, requirement.MaxAmountRequired)
	}
	if auth.Value.Cmp(required) != 0 {
		return invalid("amount_mismatch"), nil
	}

	now := time.Now().Unix()
	if now < auth.ValidAfter.Int64() {
		return invalid("payment_not_yet_valid"), nil
	}
	if auth.ValidBefore.Sign() > 0 && now > auth.ValidBefore.Int64() {
		return invalid("payment_expired"), nil
	}

	nonceKey := common.BytesToHash(auth.Nonce[:]).Hex()
	f.mu.Lock()
	_, used := f.usedNonces[nonceKey]
	f.mu.Unlock()
	if used {
		return invalid("nonce_already_used"), nil
	}

	name, version := f.signingDomain(requirement)
	signer, err := eip3009.RecoverSigner(payment.Payload.Signature, f.tokenAddress(requirement), big.NewInt(f.chain.ChainID), auth, name, version)
	if err != nil {
		return invalid("invalid_signature"), nil
	}
	if signer != auth.From {
		return invalid("invalid_signature"), nil
	}

	if f.cfg.VerifyBalance {
		sufficient, err := f.checkBalance(ctx, auth.From, f.tokenAddress(requirement), required)
		if err != nil {
			// A flaky RPC must not turn valid payments away.
			f.logger.Warn("balance check skipped", "error", err)
		} else if !sufficient {
			return invalid("insufficient_balance"), nil
		}
	}

	f.mu.Lock()
	f.usedNonces[nonceKey] = struct{}{}
	f.mu.Unlock()

	f.logger.Info("payment verified", "network", f.chain.Network, "payer", from)
	return &x402.VerificationResult{IsValid: true, Payer: from}, nil
}

// Settle implements Client. Failures to reach or transact on the chain come
// back as a non-success receipt; only an unusable credential is an error.
func (f *EVMLocal) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.SettleReceipt, error) {
	auth, err := parseAuthorization(payment.Payload.Authorization)
	if err != nil {
		return nil, err
	}
	sig, err := eip3009.DecodeSignature(payment.Payload.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedCredential, err)
	}
	payer := payment.Payload.Authorization.From

	keyHex := os.Getenv(f.cfg.PrivateKeyEnv)
	if keyHex == "" {
		return nil, fmt.Errorf("%w: %s not set", x402.ErrSignerUnavailable, f.cfg.PrivateKeyEnv)
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: bad key in %s", x402.ErrSignerUnavailable, f.cfg.PrivateKeyEnv)
	}
	sender := crypto.PubkeyToAddress(privateKey.PublicKey)

	rpcURL := os.Getenv(f.cfg.RPCURLEnv)
	if rpcURL == "" {
		return failedReceipt(f.chain.Network, payer, fmt.Sprintf("%s not set", f.cfg.RPCURLEnv)), nil
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return failedReceipt(f.chain.Network, payer, fmt.Sprintf("rpc dial failed: %v", err)), nil
	}
	defer client.Close()

	r, s, v := eip3009.SplitSignature(sig)
	calldata, err := parsedUSDCABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, v, r, s)
	if err != nil {
		return nil, fmt.Errorf("failed to pack calldata: %w", err)
	}

	token := f.tokenAddress(requirement)

	if f.cfg.SimulateBeforeSend {
		msg := ethereumCallMsg(sender, token, calldata)
		if _, err := client.CallContract(ctx, msg, nil); err != nil {
			return failedReceipt(f.chain.Network, payer, fmt.Sprintf("simulation failed: %v", err)), nil
		}
	}

	txNonce, err := client.PendingNonceAt(ctx, sender)
	if err != nil {
		return failedReceipt(f.chain.Network, payer, fmt.Sprintf("nonce query failed: %v", err)), nil
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return failedReceipt(f.chain.Network, payer, fmt.Sprintf("gas price query failed: %v", err)), nil
	}

	gasLimit, err := client.EstimateGas(ctx, ethereumCallMsg(sender, token, calldata))
	if err != nil {
		f.logger.Warn("gas estimation failed, using fallback", "error", err)
		gasLimit = 120000
	}

	tx := types.NewTransaction(txNonce, token, big.NewInt(0), gasLimit, gasPrice, calldata)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(f.chain.ChainID)), privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return failedReceipt(f.chain.Network, payer, fmt.Sprintf("broadcast failed: %v", err)), nil
	}
	txHash := signedTx.Hash().Hex()
	f.logger.Info("settlement broadcast", "network", f.chain.Network, "tx", txHash, "payer", payer)

	if f.cfg.WaitForReceipt {
		receipt, err := bind.WaitMined(ctx, client, signedTx)
		if err != nil {
			return failedReceipt(f.chain.Network, payer, fmt.Sprintf("confirmation wait failed: %v", err)), nil
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return failedReceipt(f.chain.Network, payer, "transaction reverted"), nil
		}
	}

	return &x402.SettleReceipt{
		Success:     true,
		Transaction: txHash,
		Network:     f.chain.Network,
		Payer:       payer,
	}, nil
}

func (f *EVMLocal) checkBalance(ctx context.Context, account, token common.Address, required *big.Int) (bool, error) {
	rpcURL := os.Getenv(f.cfg.RPCURLEnv)
	if rpcURL == "" {
		return false, fmt.Errorf("%s not set", f.cfg.RPCURLEnv)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return false, err
	}
	defer client.Close()

	calldata, err := parsedUSDCABI.Pack("balanceOf", account)
	if err != nil {
		return false, err
	}
	out, err := client.CallContract(ctx, ethereumCallMsg(common.Address{}, token, calldata), nil)
	if err != nil {
		return false, err
	}
	results, err := parsedUSDCABI.Unpack("balanceOf", out)
	if err != nil {
		return false, err
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return balance.Cmp(required) >= 0, nil
}

// tokenAddress prefers the requirement's asset; the chain's USDC contract is
// the fallback when a custom resolver left it empty.
func (f *EVMLocal) tokenAddress(requirement x402.PaymentRequirements) common.Address {
	if common.IsHexAddress(requirement.Asset) {
		return common.HexToAddress(requirement.Asset)
	}
	return common.HexToAddress(f.chain.USDCAddress)
}

// signingDomain pulls the EIP-712 name/version from the requirement's extra
// metadata, falling back to the chain registry.
func (f *EVMLocal) signingDomain(requirement x402.PaymentRequirements) (name, version string) {
	name, version = f.chain.EIP712Name, f.chain.EIP712Version
	if requirement.Extra == nil {
		return name, version
	}
	if v, ok := requirement.Extra["name"].(string); ok && v != "" {
		name = v
	}
	if v, ok := requirement.Extra["version"].(string); ok && v != "" {
		version = v
	}
	return name, version
}

// parseAuthorization converts the wire authorization into chain types. Any
// failure wraps ErrMalformedCredential so the gate denies with a format error
// instead of a verification one.
func parseAuthorization(wire x402.ExactAuthorization) (*eip3009.Authorization, error) {
	if !common.IsHexAddress(wire.From) {
		return nil, fmt.Errorf("%w: bad from address %q", x402.ErrMalformedCredential, wire.From)
	}
	if !common.IsHexAddress(wire.To) {
		return nil, fmt.Errorf("%w: bad to address %q", x402.ErrMalformedCredential, wire.To)
	}
	value, ok := new(big.Int).SetString(wire.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: bad value %q", x402.ErrMalformedCredential, wire.Value)
	}
	validAfter, err := strconv.ParseInt(wire.ValidAfter, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad validAfter %q", x402.ErrMalformedCredential, wire.ValidAfter)
	}
	validBefore, err := strconv.ParseInt(wire.ValidBefore, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad validBefore %q", x402.ErrMalformedCredential, wire.ValidBefore)
	}
	if !strings.HasPrefix(wire.Nonce, "0x") || len(wire.Nonce) != 66 {
		return nil, fmt.Errorf("%w: bad nonce %q", x402.ErrMalformedCredential, wire.Nonce)
	}

	auth := &eip3009.Authorization{
		From:        common.HexToAddress(wire.From),
		To:          common.HexToAddress(wire.To),
		Value:       value,
		ValidAfter:  big.NewInt(validAfter),
		ValidBefore: big.NewInt(validBefore),
	}
	copy(auth.Nonce[:], common.HexToHash(wire.Nonce).Bytes())
	return auth, nil
}

func ethereumCallMsg(from, to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Data: data}
}

func invalid(reason string) *x402.VerificationResult {
	return &x402.VerificationResult{IsValid: false, InvalidReason: reason}
}

func failedReceipt(network, payer, reason string) *x402.SettleReceipt {
	return &x402.SettleReceipt{
		Success:     false,
		Network:     network,
		Payer:       payer,
		ErrorReason: reason,
	}
}
