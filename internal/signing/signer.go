package signing

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces an authorization signature over a canonical message.
// Implementations return the normalized 65-byte 0x-hex form.
type Signer interface {
	SignMessage(ctx context.Context, message string) (string, error)
	Address() string
}

// KeySigner signs with a locally held ECDSA key using the standard
// prefixed-message digest, matching what browser wallets produce.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address string
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

func (s *KeySigner) SignMessage(_ context.Context, message string) (string, error) {
	digest := accounts.TextHash([]byte(message))
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	// crypto.Sign yields v in {0,1}; wallets and the backend expect {27,28}.
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

func (s *KeySigner) Address() string {
	return s.address
}
