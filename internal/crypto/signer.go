package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// Signer signs with the operator key. Every signature is an EIP-191
// personal_sign signature so any Ethereum wallet tooling can verify it.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address is the operator address. It doubles as the escrow address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignMessage returns the 0x-prefixed 65-byte personal_sign signature of msg.
func (s *Signer) SignMessage(msg []byte) (string, error) {
	return s.signDigest(accounts.TextHash(msg))
}

// SignEvent signs the canonical bytes of e.
func (s *Signer) SignEvent(e domain.Event) (string, error) {
	return s.SignMessage(e.CanonicalBytes())
}

// signDigest signs a 32-byte digest; v is shifted to {27,28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w: %w", domain.ErrSigningFailed, err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress returns the address whose key produced the personal_sign
// signature sigHex over msg.
func RecoverAddress(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature length %d, want 65", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyEvent checks that e carries a valid signature by operator.
func VerifyEvent(e domain.Event, operator common.Address) error {
	if e.Signature == "" {
		return errors.New("crypto/signer: event is unsigned")
	}
	addr, err := RecoverAddress(e.CanonicalBytes(), e.Signature)
	if err != nil {
		return err
	}
	if addr != operator {
		return fmt.Errorf("crypto/signer: event signed by %s, want %s", addr.Hex(), operator.Hex())
	}
	return nil
}

// RequestPayload is the message a client signs to authenticate an API call:
//
//	METHOD\nPATH\nTIMESTAMP\nhex(sha256(body))
func RequestPayload(method, path, timestamp string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n" + hex.EncodeToString(sum[:]))
}

// RequestKey identifies a signed request by its signer and payload. Every
// valid encoding of one signature maps to the same key.
func RequestKey(addr common.Address, payload []byte) string {
	return hex.EncodeToString(ethcrypto.Keccak256(addr.Bytes(), payload))
}
