// Package crypto loads the operator key, signs emitted events and verifies
// signed API requests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32

	// keyFileVersion 2 records the escrow address next to the ciphertext.
	keyFileVersion = 2
)

// keyFile is the on-disk form of an encrypted operator key. Binary fields are
// standard base64.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig says where the operator key comes from. The operator key signs
// every emitted event and its address is the marketplace escrow custodian.
type KeyConfig struct {
	// RawPrivateKey is hex, with or without 0x. It wins over EncryptedKeyPath.
	RawPrivateKey string

	// EncryptedKeyPath points at a file written by EncryptKey.
	EncryptedKeyPath string
	KeyPassword      string
}

// parseKey validates a hex secp256k1 key and returns its raw bytes and
// address.
func parseKey(keyHex string) ([]byte, common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, common.Address{}, fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(raw))
	}
	pk, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return raw, ethcrypto.PubkeyToAddress(pk.PublicKey), nil
}

// EncryptKey seals a hex private key under password (PBKDF2-HMAC-SHA256 into
// AES-256-GCM) and returns the key file JSON. The escrow address is bound to
// the ciphertext as additional data, so editing it breaks decryption.
func EncryptKey(privateKeyHex string, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	raw, addr, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := deriveAEAD(password, salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: key derivation: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Address:    addr.Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, raw, addr.Bytes())),
	}, "", "  ")
}

// DecryptKey opens a key file written by EncryptKey and returns the private
// key as hex without 0x.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}
	if !common.IsHexAddress(kf.Address) {
		return "", fmt.Errorf("crypto: key file address %q is invalid", kf.Address)
	}
	addr := common.HexToAddress(kf.Address)

	var salt, nonce, ciphertext []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"salt", kf.Salt, &salt},
		{"nonce", kf.Nonce, &nonce},
		{"ciphertext", kf.Ciphertext, &ciphertext},
	} {
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return "", fmt.Errorf("crypto: decoding %s: %w", f.name, err)
		}
		*f.out = b
	}

	gcm, err := deriveAEAD(password, salt)
	if err != nil {
		return "", fmt.Errorf("crypto: key derivation: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce length %d, want %d", len(nonce), gcm.NonceSize())
	}
	raw, err := gcm.Open(nil, nonce, ciphertext, addr.Bytes())
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	keyHex := hex.EncodeToString(raw)
	if _, got, err := parseKey(keyHex); err != nil {
		return "", err
	} else if got != addr {
		return "", fmt.Errorf("crypto: key file holds %s, not %s", got.Hex(), addr.Hex())
	}
	return keyHex, nil
}

// KeyFileAddress reads the escrow address recorded in a key file without
// decrypting it.
func KeyFileAddress(data []byte) (common.Address, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return common.Address{}, fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if !common.IsHexAddress(kf.Address) {
		return common.Address{}, fmt.Errorf("crypto: key file address %q is invalid", kf.Address)
	}
	return common.HexToAddress(kf.Address), nil
}

// LoadKey resolves the operator key. A raw key wins over an encrypted
// key file.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		raw, _, err := parseKey(cfg.RawPrivateKey)
		if err != nil {
			return "", fmt.Errorf("crypto: raw operator key: %w", err)
		}
		return hex.EncodeToString(raw), nil
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	default:
		return "", errors.New("crypto: no operator key configured")
	}
}

func deriveAEAD(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
