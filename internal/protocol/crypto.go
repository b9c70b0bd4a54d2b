package protocol

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the required length of the application credential in bytes.
// The hub firmware uses AES-128, so the key is exactly one block.
const KeySize = 16

// CryptoError indicates that an encryption or decryption operation failed.
// A decryption failure means the datagram was either corrupted in transit or
// produced by a peer holding a different application key; callers must treat
// the payload as untrusted and discard it.
type CryptoError struct {
	Op  string // "encrypt", "decrypt" or "token"
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto %s failed: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Codec encrypts and decrypts protocol payloads with the pre-shared
// application key. The codec is stateless and safe for concurrent use.
//
// The hub firmware uses AES-128 in ECB mode with PKCS#7 padding for
// variable-length payloads, and raw single-block ECB for the 16-character
// session token. ECB is a firmware contract, not a choice made here.
type Codec struct {
	block cipher.Block
}

// NewCodec creates a codec from the application credential. The key must be
// exactly 16 bytes (the key printed in the vendor app's About screen).
func NewCodec(key string) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("application key must be %d characters, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	return &Codec{block: block}, nil
}

// Encrypt pads the plaintext to a whole number of blocks (PKCS#7) and
// encrypts it. Any payload length round-trips exactly through Decrypt.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		c.block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return out, nil
}

// Decrypt decrypts a ciphertext produced by Encrypt and removes the padding.
// Returns a *CryptoError if the ciphertext length is invalid or the padding
// does not verify (wrong key or corrupted data). A successful return does
// not guarantee the payload is trustworthy - callers must still validate
// that the plaintext parses as a well-formed message.
func (c *Codec) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, &CryptoError{
			Op:  "decrypt",
			Err: fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext)),
		}
	}

	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		c.block.Decrypt(out[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	return plain, nil
}

// EncryptToHex encrypts the plaintext and returns the uppercase hex string
// used for the data field of authenticated messages.
func (c *Codec) EncryptToHex(plaintext []byte) (string, error) {
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(ciphertext)), nil
}

// DecryptFromHex decodes a hex data field and decrypts it
func (c *Codec) DecryptFromHex(s string) ([]byte, error) {
	ciphertext, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("data field is not valid hex: %w", err)}
	}
	return c.Decrypt(ciphertext)
}

// AccessToken derives the per-hub access token from the session token issued
// in a discovery reply: the 16-character token is encrypted as a single raw
// AES block (no padding - firmware contract) and hex-encoded uppercase.
func (c *Codec) AccessToken(token string) (string, error) {
	if len(token) != aes.BlockSize {
		return "", &CryptoError{
			Op:  "token",
			Err: fmt.Errorf("session token must be %d characters, got %d", aes.BlockSize, len(token)),
		}
	}
	out := make([]byte, aes.BlockSize)
	c.block.Encrypt(out, []byte(token))
	return strings.ToUpper(hex.EncodeToString(out)), nil
}

// pkcs7Pad appends PKCS#7 padding, always adding at least one byte
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// pkcs7Unpad verifies and strips PKCS#7 padding
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding byte 0x%02x", data[len(data)-1])
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
