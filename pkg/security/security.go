// Package security provides optional, transparent at-rest encryption of
// WAL payload bytes. With encryption disabled (the default across the
// engine), nothing in this package is exercised and the WAL writes its
// plain frame layout byte-for-byte.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize        = 32 // AES-256
	pbkdf2Iters    = 100000
	defaultSaltLen = 32
)

// Config holds an encryptor's key material. Key is either set directly or
// derived from Password+Salt by NewConfigFromPassword or
// ConfigFromPasswordAndSalt; NewEncryptor uses Key alone.
type Config struct {
	Key      []byte // must be 32 bytes; NewEncryptor does not derive it
	Password string
	Salt     []byte
}

// DefaultConfig returns a Config with no key: NewEncryptor called with this
// reports an error, forcing callers to opt in explicitly.
func DefaultConfig() Config {
	return Config{}
}

// NewConfigFromPassword derives a 32-byte key from password via PBKDF2-SHA256
// with a freshly generated random salt, which callers must persist
// (alongside the data directory) to decrypt on a later run.
func NewConfigFromPassword(password string) (Config, error) {
	if password == "" {
		return Config{}, fmt.Errorf("security: password must not be empty")
	}
	salt := make([]byte, defaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return Config{}, fmt.Errorf("security: generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iters, keySize, sha256.New)
	return Config{Key: key, Password: password, Salt: salt}, nil
}

// ConfigFromPasswordAndSalt rederives the same key NewConfigFromPassword
// produced, given the salt it returned. Used to reopen an encrypted data_dir.
func ConfigFromPasswordAndSalt(password string, salt []byte) (Config, error) {
	if password == "" {
		return Config{}, fmt.Errorf("security: password must not be empty")
	}
	if len(salt) == 0 {
		return Config{}, fmt.Errorf("security: salt must not be empty")
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iters, keySize, sha256.New)
	return Config{Key: key, Password: password, Salt: salt}, nil
}

// Encryptor performs AES-256-GCM encryption of WAL value bytes. It
// implements wal.ValueCodec without importing the wal package, keeping the
// dependency direction leaf-ward.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor constructs an Encryptor from cfg. cfg.Key must be exactly 32
// bytes (use NewConfigFromPassword to derive one).
func NewEncryptor(cfg Config) (*Encryptor, error) {
	if len(cfg.Key) != keySize {
		return nil, fmt.Errorf("security: key must be %d bytes, got %d", keySize, len(cfg.Key))
	}
	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create GCM: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Encrypt seals plaintext, returning [nonce][ciphertext+tag]. Encrypting the
// empty slice is well-defined: empty values are legal in the store, so an
// empty value round-trips.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: generate nonce: %w", err)
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("security: ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:n], ciphertext[n:]
	plaintext, err := e.gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("security: decrypt: %w", err)
	}
	return plaintext, nil
}
