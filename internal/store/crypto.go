package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Persona env values are stored as
//
//	enc:v1:<base64 iv>:<base64 tag>:<base64 ciphertext>
//
// AES-256-GCM, 12-byte IV, fresh IV per value. A value without the prefix
// is treated as plaintext (and re-encrypted on the next write); a value
// with the prefix that fails to parse or authenticate decrypts to "".

const (
	encPrefix  = "enc:v1:"
	envKeySize = 32
	gcmIVSize  = 12
	gcmTagSize = 16
)

// ErrInvalidKey is returned when the env encryption key is not 32 bytes.
var ErrInvalidKey = errors.New("store: env key must be 32 bytes")

// envCodec encrypts and decrypts persona env values.
type envCodec struct {
	key []byte
}

func newEnvCodec(key []byte) (envCodec, error) {
	if len(key) != envKeySize {
		return envCodec{}, ErrInvalidKey
	}
	return envCodec{key: key}, nil
}

// newEnvKey generates a fresh 256-bit key.
func newEnvKey() ([]byte, error) {
	key := make([]byte, envKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("store: generate env key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext into the enc:v1 format.
func (c envCodec) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("store: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("store: new gcm: %w", err)
	}

	iv := make([]byte, gcmIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("store: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	b64 := base64.StdEncoding.EncodeToString
	return encPrefix + b64(iv) + ":" + b64(tag) + ":" + b64(ct), nil
}

// Decrypt opens an enc:v1 value. Unprefixed input is returned verbatim as
// plaintext; a malformed or tampered enc:v1 value yields "".
func (c envCodec) Decrypt(value string) string {
	if !strings.HasPrefix(value, encPrefix) {
		return value
	}
	parts := strings.Split(value[len(encPrefix):], ":")
	if len(parts) != 3 {
		return ""
	}
	iv, err1 := base64.StdEncoding.DecodeString(parts[0])
	tag, err2 := base64.StdEncoding.DecodeString(parts[1])
	ct, err3 := base64.StdEncoding.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || len(iv) != gcmIVSize || len(tag) != gcmTagSize {
		return ""
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return ""
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return ""
	}
	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return ""
	}
	return string(plain)
}

// IsEncrypted reports whether a stored value carries the enc:v1 prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}
