// Package crypto holds the fernet key used to sign bearer tokens and to
// encrypt credential secret material at rest. The key is generated on first
// start and persisted in the settings table so all server instances sharing
// the database agree on it.
package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/quicklabs/termgate/internal/database"
	"gorm.io/gorm"
)

var (
	mu  sync.Mutex
	key *fernet.Key
)

// EnsureKey loads the fernet key from the settings table, generating and
// persisting one if absent. It returns the encoded key for components that
// hold their own copy (the token validator).
func EnsureKey(db *gorm.DB) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	keyStr, err := database.GetSetting(db, "fernet_key")
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return "", fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := database.SetSetting(db, "fernet_key", keyStr); err != nil {
			return "", fmt.Errorf("save fernet key: %w", err)
		}
		key = &k
		return keyStr, nil
	}

	k, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return "", fmt.Errorf("decode fernet key: %w", err)
	}
	key = k
	return keyStr, nil
}

func current() (*fernet.Key, error) {
	mu.Lock()
	defer mu.Unlock()
	if key == nil {
		return nil, fmt.Errorf("crypto key not initialized")
	}
	return key, nil
}

func Encrypt(plaintext string) (string, error) {
	k, err := current()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), k)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	k, err := current()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{k})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}
