package sign

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// TokenMinter issues opaque tokens for sealed credential handles. A token is
// an HMAC over the credential name keyed by a process-local key, so a token
// that escapes into a log line cannot be reversed into the credential value
// and cannot be forged by code that never held the minter.
type TokenMinter struct {
	mu  sync.Mutex
	key []byte
}

// NewTokenMinter creates a minter with a fresh random process-local key.
func NewTokenMinter() (*TokenMinter, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating minter key: %w", err)
	}
	return &TokenMinter{key: key}, nil
}

// Mint returns the opaque token for a credential name.
func (m *TokenMinter) Mint(credentialName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(credentialName))
	return hex.EncodeToString(mac.Sum(nil))
}

// Check reports whether token is the minter's token for credentialName,
// using constant-time comparison.
func (m *TokenMinter) Check(credentialName, token string) bool {
	want := m.Mint(credentialName)
	return hmac.Equal([]byte(want), []byte(token))
}
