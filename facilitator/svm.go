package facilitator

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/borchain/x402-connector"
)

const (
	defaultComputeUnits     uint32 = 200_000
	defaultComputeUnitPrice uint64 = 10_000

	confirmationPollInterval = 500 * time.Millisecond
	confirmationPollAttempts = 60
)

var computeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// SVMLocal verifies and settles "exact" payments on Solana. The credential
// carries an Ed25519 signature over the authorization fields rather than a
// pre-built transaction; settlement moves the payer's SPL tokens through a
// delegate transfer signed by the facilitator key, which the payer must have
// approved as a delegate on their token account beforehand.
type SVMLocal struct {
	chain  x402.ChainConfig
	cfg    x402.LocalConfig
	logger *slog.Logger

	mu         sync.Mutex
	usedNonces map[string]struct{}
}

// NewSVMLocal builds a local Solana facilitator for one network.
func NewSVMLocal(chain x402.ChainConfig, cfg x402.LocalConfig, logger *slog.Logger) *SVMLocal {
	if logger == nil {
		logger = slog.Default()
	}
	return &SVMLocal{
		chain:      chain,
		cfg:        cfg,
		logger:     logger,
		usedNonces: make(map[string]struct{}),
	}
}

// Verify implements Client.
func (f *SVMLocal) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.VerificationResult, error) {
	if payment.X402Version != x402.X402Version {
		return invalid("invalid_x402_version"), nil
	}
	if payment.Scheme != x402.SchemeExact || requirement.Scheme != x402.SchemeExact {
		return invalid("invalid_scheme"), nil
	}
	if !strings.EqualFold(payment.Network, requirement.Network) {
		return invalid("invalid_network"), nil
	}

	auth := payment.Payload.Authorization

	fromKey, err := solana.PublicKeyFromBase58(auth.From)
	if err != nil {
		return nil, fmt.Errorf("%w: bad from address %q", x402.ErrMalformedCredential, auth.From)
	}
	if _, err := solana.PublicKeyFromBase58(auth.To); err != nil {
		return nil, fmt.Errorf("%w: bad to address %q", x402.ErrMalformedCredential, auth.To)
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() < 0 || !value.IsUint64() {
		return nil, fmt.Errorf("%w: bad value %q", x402.ErrMalformedCredential, auth.Value)
	}
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad validAfter %q", x402.ErrMalformedCredential, auth.ValidAfter)
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad validBefore %q", x402.ErrMalformedCredential, auth.ValidBefore)
	}

	// Base58 addresses compare case-sensitively.
	if auth.To != requirement.PayTo {
		return invalid("recipient_mismatch"), nil
	}
	if auth.Value != requirement.MaxAmountRequired {
		return invalid("amount_mismatch"), nil
	}

	now := time.Now().Unix()
	if now < validAfter {
		return invalid("payment_not_yet_valid"), nil
	}
	if validBefore > 0 && now > validBefore {
		return invalid("payment_expired"), nil
	}

	f.mu.Lock()
	_, used := f.usedNonces[auth.Nonce]
	f.mu.Unlock()
	if used {
		return invalid("nonce_already_used"), nil
	}

	sig, err := decodeEd25519Signature(payment.Payload.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedCredential, err)
	}
	message := AuthorizationMessage(auth)
	if !ed25519.Verify(ed25519.PublicKey(fromKey[:]), message, sig) {
		return invalid("invalid_signature"), nil
	}

	if f.cfg.VerifyBalance {
		sufficient, err := f.checkTokenBalance(ctx, fromKey, f.mintAddress(requirement), value.Uint64())
		if err != nil {
			f.logger.Warn("balance check skipped", "error", err)
		} else if !sufficient {
			return invalid("insufficient_balance"), nil
		}
	}

	f.mu.Lock()
	f.usedNonces[auth.Nonce] = struct{}{}
	f.mu.Unlock()

	f.logger.Info("payment verified", "network", f.chain.Network, "payer", auth.From)
	return &x402.VerificationResult{IsValid: true, Payer: auth.From}, nil
}

// Settle implements Client. Chain and RPC failures come back as a non-success
// receipt; an unusable credential or signer key is an error.
func (f *SVMLocal) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.SettleReceipt, error) {
	auth := payment.Payload.Authorization
	payer := auth.From

	keyBase58 := os.Getenv(f.cfg.PrivateKeyEnv)
	if keyBase58 == "" {
		return nil, fmt.Errorf("%w: %s not set", x402.ErrSignerUnavailable, f.cfg.PrivateKeyEnv)
	}
	signerKey, err := solana.PrivateKeyFromBase58(keyBase58)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key in %s", x402.ErrSignerUnavailable, f.cfg.PrivateKeyEnv)
	}
	signerPub := signerKey.PublicKey()

	fromKey, err := solana.PublicKeyFromBase58(auth.From)
	if err != nil {
		return nil, fmt.Errorf("%w: bad from address %q", x402.ErrMalformedCredential, auth.From)
	}
	toKey, err := solana.PublicKeyFromBase58(auth.To)
	if err != nil {
		return nil, fmt.Errorf("%w: bad to address %q", x402.ErrMalformedCredential, auth.To)
	}
	value, err := strconv.ParseUint(auth.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad value %q", x402.ErrMalformedCredential, auth.Value)
	}

	client := rpc.New(f.rpcURL())
	mint := f.mintAddress(requirement)

	sourceATA, _, err := solana.FindAssociatedTokenAddress(fromKey, mint)
	if err != nil {
		return failedReceipt(f.chain.Network, payer, fmt.Sprintf("source ATA derivation failed: %v", err)), nil
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(toKey, mint)
	if err != nil {
		return failedReceipt(f.chain.Network, payer, fmt.Sprintf("destination ATA derivation failed: %v", err)), nil
	}

	instructions := []solana.Instruction{
		setComputeUnitLimitInstruction(defaultComputeUnits),
		setComputeUnitPriceInstruction(defaultComputeUnitPrice),
		createIdempotentATAInstruction(signerPub, toKey, mint, destATA),
		// The facilitator signs as the payer's approved delegate; the payer's
		// own key never touches this transaction.
		token.NewTransferCheckedInstructionBuilder().
			SetAmount(value).
			SetDecimals(uint8(f.chain.Decimals)).
			SetSourceAccount(sourceATA).
			SetDestinationAccount(destATA).
			SetMintAccount(mint).
			SetOwnerAccount(signerPub).
			Build(),
	}

	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return failedReceipt(f.chain.Network, payer, fmt.Sprintf("blockhash query failed: %v", err)), nil
	}

	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(signerPub))
	if err != nil {
		return failedReceipt(f.chain.Network, payer, fmt.Sprintf("transaction build failed: %v", err)), nil
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signerPub) {
			return &signerKey
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	txSig, err := client.SendTransaction(ctx, tx)
	if err != nil {
		return failedReceipt(f.chain.Network, payer, fmt.Sprintf("broadcast failed: %v", err)), nil
	}
	f.logger.Info("settlement broadcast", "network", f.chain.Network, "tx", txSig.String(), "payer", payer)

	if f.cfg.WaitForReceipt {
		if err := f.awaitConfirmation(ctx, client, txSig); err != nil {
			return failedReceipt(f.chain.Network, payer, err.Error()), nil
		}
	}

	return &x402.SettleReceipt{
		Success:     true,
		Transaction: txSig.String(),
		Network:     f.chain.Network,
		Payer:       payer,
	}, nil
}

func (f *SVMLocal) awaitConfirmation(ctx context.Context, client *rpc.Client, sig solana.Signature) error {
	for attempt := 0; attempt < confirmationPollAttempts; attempt++ {
		statuses, err := client.GetSignatureStatuses(ctx, false, sig)
		if err == nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation wait aborted: %w", ctx.Err())
		case <-time.After(confirmationPollInterval):
		}
	}
	return fmt.Errorf("confirmation not observed for %s", sig)
}

func (f *SVMLocal) checkTokenBalance(ctx context.Context, owner, mint solana.PublicKey, required uint64) (bool, error) {
	client := rpc.New(f.rpcURL())
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return false, err
	}
	result, err := client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		return false, err
	}
	balance, err := strconv.ParseUint(result.Value.Amount, 10, 64)
	if err != nil {
		return false, fmt.Errorf("bad balance amount %q", result.Value.Amount)
	}
	return balance >= required, nil
}

// rpcURL resolves the RPC endpoint from the configured environment variable,
// falling back to the network's public endpoint.
func (f *SVMLocal) rpcURL() string {
	if url := os.Getenv(f.cfg.RPCURLEnv); url != "" {
		return url
	}
	fallback := rpc.DevNet_RPC
	if f.chain.Network == x402.NetworkSolana {
		fallback = rpc.MainNetBeta_RPC
	}
	f.logger.Warn("using default Solana RPC", "url", fallback, "env", f.cfg.RPCURLEnv)
	return fallback
}

func (f *SVMLocal) mintAddress(requirement x402.PaymentRequirements) solana.PublicKey {
	if mint, err := solana.PublicKeyFromBase58(requirement.Asset); err == nil {
		return mint
	}
	return solana.MustPublicKeyFromBase58(f.chain.USDCAddress)
}

// AuthorizationMessage is the byte string a Solana payer signs: the
// authorization fields joined with "|" in wire order.
func AuthorizationMessage(auth x402.ExactAuthorization) []byte {
	return []byte(strings.Join([]string{
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce,
	}, "|"))
}

// decodeEd25519Signature accepts either 0x-prefixed hex or base64.
func decodeEd25519Signature(signature string) ([]byte, error) {
	var (
		sig []byte
		err error
	)
	if strings.HasPrefix(signature, "0x") {
		sig, err = hex.DecodeString(signature[2:])
	} else {
		sig, err = base64.StdEncoding.DecodeString(signature)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	return sig, nil
}

func setComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2 // SetComputeUnitLimit
	data[1] = byte(units)
	data[2] = byte(units >> 8)
	data[3] = byte(units >> 16)
	data[4] = byte(units >> 24)
	return solana.NewInstruction(computeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

func setComputeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3 // SetComputeUnitPrice
	for i := 0; i < 8; i++ {
		data[i+1] = byte(microlamports >> (8 * i))
	}
	return solana.NewInstruction(computeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// createIdempotentATAInstruction creates the destination token account if it
// does not exist yet. CreateIdempotent (index 1) succeeds either way.
func createIdempotentATAInstruction(payer, owner, mint, ata solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1})
}
