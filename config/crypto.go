package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// CipherPrefix marks an encrypted value in the on-disk document.
const CipherPrefix = "encrypted:"

const (
	keyIterations = 10000
	keyLength     = 32
)

// keySalt is fixed per application so the key depends only on the machine.
var keySalt = []byte("acproxycam.credentials.v1")

// Cipher encrypts and decrypts credential fields with AES-256-CBC under a
// key derived from the machine identity.
type Cipher struct {
	key []byte
}

// NewCipher derives the key from this machine's identifier.
func NewCipher() *Cipher {
	return NewCipherWithID(machineID())
}

// NewCipherWithID derives the key from an explicit identifier.
func NewCipherWithID(id string) *Cipher {
	return &Cipher{key: pbkdf2.Key([]byte(id), keySalt, keyIterations, keyLength, sha256.New)}
}

// machineID returns a stable per-host identifier, falling back to the
// hostname when no machine-id file exists.
func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "acproxycam-fallback"
	}
	return host
}

// Encrypt returns the value as CipherPrefix + base64(IV || ciphertext).
// Empty and already-encrypted values pass through unchanged.
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" || strings.HasPrefix(plain, CipherPrefix) {
		return plain, nil
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plain), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate IV: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return CipherPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned as-is so
// older plaintext configs keep loading; the next save encrypts them.
func (c *Cipher) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, CipherPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, CipherPrefix))
	if err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return "", errors.New("credential ciphertext has bad length")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	plain := make([]byte, len(raw)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, raw[:aes.BlockSize]).CryptBlocks(plain, raw[aes.BlockSize:])

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("unpad credential: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether a stored value carries the cipher prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, CipherPrefix)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("bad padded length")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, errors.New("bad padding byte")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}
