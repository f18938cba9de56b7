// Package secret encrypts individual sensitive field values before they are
// written to a configuration store.
//
// Stored form is "<iv hex>:<ciphertext hex>" using AES-256-CBC with PKCS#7
// padding. The key is derived from an application secret with PBKDF2-SHA512.
package secret

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Separator splits the IV from the ciphertext in the stored form.
	Separator = ":"

	keyLen     = 32
	iterations = 10000
)

// salt is fixed so the same application secret always yields the same key.
var salt = []byte("furnivia-config-store")

// ErrDecrypt is returned for malformed pairs, bad padding or a wrong key.
var ErrDecrypt = errors.New("secret: cannot decrypt value")

// Cipher encrypts and decrypts field values with a key derived once at construction.
// It is safe for concurrent use.
type Cipher struct {
	block cipher.Block
	rand  io.Reader
}

// NewCipher derives the field key from secret.
func NewCipher(secret string) *Cipher {
	key := pbkdf2.Key([]byte(secret), salt, iterations, keyLen, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		// keyLen is a valid AES size; this cannot happen.
		panic(err)
	}
	return &Cipher{block: block, rand: rand.Reader}
}

// Encrypt returns the stored representation of plain.
func (c *Cipher) Encrypt(plain string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("secret: read iv: %w", err)
	}
	data := pad([]byte(plain), aes.BlockSize)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, data)
	return hex.EncodeToString(iv) + Separator + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any malformed input yields an error wrapping ErrDecrypt.
func (c *Cipher) Decrypt(stored string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(stored, Separator)
	if !ok {
		return "", fmt.Errorf("%w: missing separator", ErrDecrypt)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: bad iv", ErrDecrypt)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: bad ciphertext", ErrDecrypt)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, ct)
	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Reveal returns the plaintext for a stored value. Values written before
// encryption was introduced carry no separator and are returned unchanged.
func (c *Cipher) Reveal(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	return c.Decrypt(stored)
}

// IsEncrypted reports whether v looks like the stored representation.
func IsEncrypted(v string) bool { return strings.Contains(v, Separator) }

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("%w: bad length", ErrDecrypt)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return b[:len(b)-n], nil
}
