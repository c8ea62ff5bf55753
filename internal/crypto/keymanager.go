// Package crypto provides EIP-191 request signing and recovery, encrypted
// payout key files, and HMAC authentication of feed pushes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyFileVersion = 2
	kdfIterations  = 480_000
	kdfSaltLen     = 16
)

// payoutKeyFile is the on-disk form of an encrypted payout key. The address
// is authenticated as GCM additional data, so a file edited to point at a
// different account fails to open.
type payoutKeyFile struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	Iterations int            `json:"kdf_iterations"`
	Salt       string         `json:"salt"`
	Nonce      string         `json:"nonce"`
	Ciphertext string         `json:"ciphertext"`
}

// KeyConfig points LoadSigner at the payout key, populated from the
// [payout] config section.
type KeyConfig struct {
	// RawPrivateKey wins over EncryptedKeyPath when both are set.
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// EncryptKey seals a hex private key under password and returns the key
// file contents.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: encrypt key: empty password")
	}
	signer, err := NewSigner(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: salt: %w", err)
	}
	gcm, err := keyFileAEAD(password, salt, kdfIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: nonce: %w", err)
	}

	addr := signer.Address()
	sealed := gcm.Seal(nil, nonce, ethcrypto.FromECDSA(signer.PrivateKey()), addr.Bytes())
	return json.MarshalIndent(payoutKeyFile{
		Version:    keyFileVersion,
		Address:    addr,
		Iterations: kdfIterations,
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(sealed),
	}, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey and returns a Signer
// for the recorded address.
func DecryptKey(data []byte, password string) (*Signer, error) {
	var f payoutKeyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: parse: %w", err)
	}
	if f.Version != keyFileVersion {
		return nil, fmt.Errorf("crypto: decrypt key: unsupported version %d", f.Version)
	}
	if f.Iterations <= 0 {
		return nil, errors.New("crypto: decrypt key: missing kdf_iterations")
	}

	var fields [3][]byte
	for i, s := range []string{f.Salt, f.Nonce, f.Ciphertext} {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("crypto: decrypt key: field %d: %w", i, err)
		}
		fields[i] = b
	}
	salt, nonce, sealed := fields[0], fields[1], fields[2]

	gcm, err := keyFileAEAD(password, salt, f.Iterations)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("crypto: decrypt key: bad nonce length")
	}
	raw, err := gcm.Open(nil, nonce, sealed, f.Address.Bytes())
	if err != nil {
		return nil, errors.New("crypto: decrypt key: wrong password or tampered file")
	}

	signer, err := NewSigner(hex.EncodeToString(raw))
	if err != nil {
		return nil, err
	}
	if signer.Address() != f.Address {
		return nil, fmt.Errorf("crypto: decrypt key: key does not match %s", f.Address.Hex())
	}
	return signer, nil
}

func keyFileAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	if password == "" {
		return nil, errors.New("crypto: key file: empty password")
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: key file: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// LoadSigner resolves the payout key: the raw key when set, otherwise the
// encrypted key file.
func LoadSigner(cfg KeyConfig) (*Signer, error) {
	if cfg.RawPrivateKey != "" {
		return NewSigner(cfg.RawPrivateKey)
	}
	if cfg.EncryptedKeyPath == "" {
		return nil, errors.New("crypto: set payout.private_key or payout.encrypted_key_path")
	}
	data, err := os.ReadFile(cfg.EncryptedKeyPath)
	if err != nil {
		return nil, fmt.Errorf("crypto: read key file: %w", err)
	}
	return DecryptKey(data, cfg.KeyPassword)
}
