// Package eip3009 implements the EIP-3009 transferWithAuthorization typed
// data: digest construction, authorization signing and signer recovery.
package eip3009

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Authorization is a transferWithAuthorization message.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// CreateAuthorization builds an authorization valid from shortly before now
// until timeoutSeconds from now, with a random nonce.
func CreateAuthorization(from, to common.Address, value *big.Int, timeoutSeconds int) (*Authorization, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now().Unix()
	return &Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  big.NewInt(now - 10),
		ValidBefore: big.NewInt(now + int64(timeoutSeconds)),
		Nonce:       nonce,
	}, nil
}

// GenerateNonce returns a random 32-byte nonce.
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// Digest computes the EIP-712 digest a payer signs for the authorization
// under the given token contract's signing domain.
func Digest(tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: tokenAddress.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// SignAuthorization signs the authorization digest and returns a 65-byte
// hex signature with the Ethereum v offset (27/28).
func SignAuthorization(privateKey *ecdsa.PrivateKey, tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) (string, error) {
	digest, err := Digest(tokenAddress, chainID, auth, name, version)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}

	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// RecoverSigner recovers the address that produced the given signature over
// the authorization digest. The signature may use either v convention
// (0/1 or 27/28).
func RecoverSigner(signature string, tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) (common.Address, error) {
	sig, err := DecodeSignature(signature)
	if err != nil {
		return common.Address{}, err
	}

	digest, err := Digest(tokenAddress, chainID, auth, name, version)
	if err != nil {
		return common.Address{}, err
	}

	// crypto.SigToPub expects recovery id 0/1.
	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, recSig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// DecodeSignature decodes a 0x-prefixed 65-byte hex signature.
func DecodeSignature(signature string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	return sig, nil
}

// SplitSignature splits a 65-byte signature into the r, s, v components used
// by the transferWithAuthorization calldata. v is normalized to 27/28.
func SplitSignature(sig []byte) (r, s [32]byte, v uint8) {
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return r, s, v
}
