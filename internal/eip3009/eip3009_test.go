package eip3009

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	testToken   = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testChainID = big.NewInt(84532)
)

func TestCreateAuthorization(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	auth, err := CreateAuthorization(from, to, big.NewInt(10000), 300)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().Unix()
	if auth.ValidAfter.Int64() > now {
		t.Errorf("ValidAfter = %d is in the future", auth.ValidAfter.Int64())
	}
	if auth.ValidBefore.Int64() <= now {
		t.Errorf("ValidBefore = %d is not in the future", auth.ValidBefore.Int64())
	}
	if auth.Nonce == [32]byte{} {
		t.Error("Nonce should be random, got all zeros")
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)

	auth, err := CreateAuthorization(signer, common.HexToAddress("0x2222222222222222222222222222222222222222"), big.NewInt(10000), 60)
	if err != nil {
		t.Fatal(err)
	}

	signature, err := SignAuthorization(key, testToken, testChainID, auth, "USDC", "2")
	if err != nil {
		t.Fatal(err)
	}

	recovered, err := RecoverSigner(signature, testToken, testChainID, auth, "USDC", "2")
	if err != nil {
		t.Fatal(err)
	}
	if recovered != signer {
		t.Errorf("recovered %s; want %s", recovered.Hex(), signer.Hex())
	}
}

func TestRecoverSignerRejectsTampering(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)

	auth, err := CreateAuthorization(signer, common.HexToAddress("0x2222222222222222222222222222222222222222"), big.NewInt(10000), 60)
	if err != nil {
		t.Fatal(err)
	}
	signature, err := SignAuthorization(key, testToken, testChainID, auth, "USDC", "2")
	if err != nil {
		t.Fatal(err)
	}

	// Changing any signed field must not recover the original signer.
	auth.Value = big.NewInt(99999)
	recovered, err := RecoverSigner(signature, testToken, testChainID, auth, "USDC", "2")
	if err == nil && recovered == signer {
		t.Error("tampered authorization still recovered the signer")
	}
}

func TestDecodeSignature(t *testing.T) {
	tests := []struct {
		name      string
		signature string
		wantErr   bool
	}{
		{"Valid", "0x" + strings.Repeat("ab", 65), false},
		{"NoPrefix", strings.Repeat("ab", 65), false},
		{"TooShort", "0x" + strings.Repeat("ab", 64), true},
		{"NotHex", "0x" + strings.Repeat("zz", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSignature(tt.signature)
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeSignature error = %v; wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplitSignature(t *testing.T) {
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = byte(i)
	}

	sig[64] = 0
	_, _, v := SplitSignature(sig)
	if v != 27 {
		t.Errorf("v = %d; want 27 after normalization", v)
	}

	sig[64] = 28
	r, s, v := SplitSignature(sig)
	if v != 28 {
		t.Errorf("v = %d; want 28", v)
	}
	if r[0] != 0 || s[0] != 32 {
		t.Errorf("r/s split wrong: r[0]=%d s[0]=%d", r[0], s[0])
	}
}
