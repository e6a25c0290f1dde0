// Package codec provides the compression container and encryption modules used for volumes.
package codec

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptionXChaCha is the module name of the XChaCha20-Poly1305 encryption module.
const EncryptionXChaCha = "xchacha"

const (
	saltSize     = 16
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var xchachaMagic = []byte("BVX1")

// ErrUnknownModule is returned for compression or encryption modules that are not supported.
var ErrUnknownModule = errors.New("unknown codec module")

// ErrDecrypt is returned when a volume cannot be authenticated with the configured passphrase.
var ErrDecrypt = errors.New("decrypt volume")

// Encryption encrypts whole volumes.
type Encryption interface {
	// Name returns the module name used as the volume filename extension.
	Name() string
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// NewEncryption returns the encryption module with the given name.
// An empty module name means volumes are stored unencrypted and returns nil.
func NewEncryption(module, passphrase string) (Encryption, error) {
	switch module {
	case "":
		return nil, nil
	case EncryptionXChaCha:
		if passphrase == "" {
			return nil, fmt.Errorf("encryption module %s requires a passphrase", module)
		}
		return newXChaCha(passphrase)
	default:
		return nil, fmt.Errorf("%w: encryption %q", ErrUnknownModule, module)
	}
}

// xchacha encrypts with XChaCha20-Poly1305 under a key stretched from the passphrase.
// Layout: magic | salt | nonce | ciphertext+tag.
type xchacha struct {
	passphrase []byte
	salt       [saltSize]byte
	key        [chacha20poly1305.KeySize]byte

	mu   sync.Mutex
	keys map[[saltSize]byte][chacha20poly1305.KeySize]byte
}

func newXChaCha(passphrase string) (*xchacha, error) {
	x := &xchacha{
		passphrase: []byte(passphrase),
		keys:       make(map[[saltSize]byte][chacha20poly1305.KeySize]byte),
	}
	if _, err := io.ReadFull(rand.Reader, x.salt[:]); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	x.key = x.deriveKey(x.salt)
	return x, nil
}

func (x *xchacha) Name() string { return EncryptionXChaCha }

func (x *xchacha) deriveKey(salt [saltSize]byte) [chacha20poly1305.KeySize]byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	if k, ok := x.keys[salt]; ok {
		return k
	}
	var key [chacha20poly1305.KeySize]byte
	copy(key[:], argon2.IDKey(x.passphrase, salt[:], argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize))
	x.keys[salt] = key
	return key
}

func (x *xchacha) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(x.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	out := make([]byte, 0, len(xchachaMagic)+saltSize+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out = append(out, xchachaMagic...)
	out = append(out, x.salt[:]...)

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, xchachaMagic), nil
}

func (x *xchacha) Decrypt(ciphertext []byte) ([]byte, error) {
	header := len(xchachaMagic) + saltSize + chacha20poly1305.NonceSizeX
	if len(ciphertext) < header+chacha20poly1305.Overhead || !bytes.Equal(ciphertext[:len(xchachaMagic)], xchachaMagic) {
		return nil, fmt.Errorf("%w: not an %s volume", ErrDecrypt, EncryptionXChaCha)
	}

	var salt [saltSize]byte
	copy(salt[:], ciphertext[len(xchachaMagic):])
	key := x.deriveKey(salt)

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := ciphertext[len(xchachaMagic)+saltSize : header]
	plaintext, err := aead.Open(nil, nonce, ciphertext[header:], xchachaMagic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
