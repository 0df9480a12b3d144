// Package security provides the two confidentiality tiers of the ledger
// protocol: a block cipher for login credentials and a lightweight keystream
// for in-session request and response bodies.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// Default login key material. Deployments override it with LEDGER_LOGIN_KEY and
// LEDGER_LOGIN_IV.
const (
	DefaultLoginKey = "0123456789abcdef"
	DefaultLoginIV  = "abcdef9876543210"
)

// DefaultXORMask is the byte the default session keystream XORs with.
const DefaultXORMask byte = 0xAA

// Cipher errors
var (
	ErrNotBlockAligned = errors.New("payload is not a multiple of the cipher block size")
	ErrInvalidKey      = errors.New("invalid cipher key material")
)

// BlockCipher encrypts fixed-size payloads whose length is a multiple of the block size.
type BlockCipher interface {
	BlockSize() int
	Encrypt(dst, src []byte) error
	Decrypt(dst, src []byte) error
}

// Keystream is a symmetric transform: applying it twice restores the input.
type Keystream interface {
	Apply(dst, src []byte)
}

// AESCBC is AES in CBC mode with a fixed IV and no padding.
type AESCBC struct {
	block cipher.Block
	iv    []byte
}

// NewAESCBC creates the login cipher. The key selects AES-128/192/256 by length
// and the IV must be 16 bytes.
func NewAESCBC(key, iv []byte) (*AESCBC, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrInvalidKey, len(iv), aes.BlockSize)
	}
	return &AESCBC{block: block, iv: append([]byte(nil), iv...)}, nil
}

// BlockSize returns the AES block size.
func (c *AESCBC) BlockSize() int { return aes.BlockSize }

// Encrypt writes the ciphertext of src into dst. dst must be at least len(src).
func (c *AESCBC) Encrypt(dst, src []byte) error {
	if err := c.check(dst, src); err != nil {
		return err
	}
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(dst, src)
	return nil
}

// Decrypt writes the plaintext of src into dst. dst must be at least len(src).
func (c *AESCBC) Decrypt(dst, src []byte) error {
	if err := c.check(dst, src); err != nil {
		return err
	}
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(dst, src)
	return nil
}

func (c *AESCBC) check(dst, src []byte) error {
	if len(src)%aes.BlockSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrNotBlockAligned, len(src))
	}
	if len(dst) < len(src) {
		return fmt.Errorf("destination too small: %d < %d", len(dst), len(src))
	}
	return nil
}

// XORMask XORs every byte with a single mask byte.
type XORMask byte

// Apply implements Keystream.
func (m XORMask) Apply(dst, src []byte) {
	for i := range src {
		dst[i] = src[i] ^ byte(m)
	}
}

// ChaCha20Stream XORs payloads with a ChaCha20 keystream restarted for every
// message, so both peers stay in sync without per-message state.
type ChaCha20Stream struct {
	key   []byte
	nonce []byte
}

// NewChaCha20Stream creates a keystream from a 32-byte key and a 12-byte nonce.
func NewChaCha20Stream(key, nonce []byte) (*ChaCha20Stream, error) {
	if len(key) != chacha20.KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidKey, len(key), chacha20.KeySize)
	}
	if len(nonce) != chacha20.NonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes, want %d", ErrInvalidKey, len(nonce), chacha20.NonceSize)
	}
	return &ChaCha20Stream{
		key:   append([]byte(nil), key...),
		nonce: append([]byte(nil), nonce...),
	}, nil
}

// Apply implements Keystream.
func (s *ChaCha20Stream) Apply(dst, src []byte) {
	c, err := chacha20.NewUnauthenticatedCipher(s.key, s.nonce)
	if err != nil {
		// key and nonce sizes are validated by the constructor
		panic(err)
	}
	c.XORKeyStream(dst, src)
}
