package sign

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Key is one trusted verification key. Streams scopes which ledger streams
// the key may attest ("audit", "sig"); an empty list means both.
type Key struct {
	Name        string   `json:"name"`
	Fingerprint string   `json:"fingerprint"` // SHA-256 over the raw public key bytes
	PEM         string   `json:"pem"`
	Streams     []string `json:"streams,omitempty"`
}

// attests reports whether the key is scoped to the given ledger stream.
func (k *Key) attests(stream string) bool {
	if len(k.Streams) == 0 {
		return true
	}
	for _, s := range k.Streams {
		if s == stream {
			return true
		}
	}
	return false
}

// Keyring holds the verification keys trusted to attest ledger records.
type Keyring struct {
	Keys []Key `json:"keys"`
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{}
}

// Add inserts a key, replacing any existing entry with the same fingerprint
// so a re-import can update a key's name or stream scope in place.
func (kr *Keyring) Add(k Key) {
	for i := range kr.Keys {
		if kr.Keys[i].Fingerprint == k.Fingerprint {
			kr.Keys[i] = k
			return
		}
	}
	kr.Keys = append(kr.Keys, k)
}

// Lookup returns the key with the given fingerprint.
func (kr *Keyring) Lookup(fingerprint string) (*Key, bool) {
	for i := range kr.Keys {
		if kr.Keys[i].Fingerprint == fingerprint {
			return &kr.Keys[i], true
		}
	}
	return nil, false
}

// Remove deletes the key with the given fingerprint.
func (kr *Keyring) Remove(fingerprint string) error {
	for i := range kr.Keys {
		if kr.Keys[i].Fingerprint == fingerprint {
			kr.Keys = append(kr.Keys[:i], kr.Keys[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("key %q not found in keyring", fingerprint)
}

// Verify checks signature over payload against every key scoped to stream
// and returns the attesting key. Keys whose PEM fails to parse are skipped;
// a corrupt entry must not block verification by the remaining keys.
func (kr *Keyring) Verify(stream string, payload, signature []byte) (*Key, bool) {
	if len(signature) != ed25519.SignatureSize {
		return nil, false
	}
	for i := range kr.Keys {
		k := &kr.Keys[i]
		if !k.attests(stream) {
			continue
		}
		pub, err := ParsePublicKey([]byte(k.PEM))
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, payload, signature) {
			return k, true
		}
	}
	return nil, false
}

// NewKey builds a Key from a name, a PEM-encoded public key, and an optional
// stream scope, deriving the fingerprint from the parsed key.
func NewKey(name string, publicKeyPEM []byte, streams ...string) (Key, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return Key{}, fmt.Errorf("parsing public key: %w", err)
	}
	return Key{
		Name:        name,
		Fingerprint: KeyFingerprint(pub),
		PEM:         string(publicKeyPEM),
		Streams:     streams,
	}, nil
}

// KeyFingerprint computes the SHA-256 fingerprint of a raw Ed25519 public key.
func KeyFingerprint(pub ed25519.PublicKey) string {
	h := sha256.Sum256([]byte(pub))
	return hex.EncodeToString(h[:])
}

// LoadKeyring reads a keyring from a JSON file. A missing file yields an
// empty keyring: a project without keys simply trusts nothing yet.
func LoadKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewKeyring(), nil
		}
		return nil, err
	}

	var kr Keyring
	if err := json.Unmarshal(data, &kr); err != nil {
		return nil, fmt.Errorf("corrupt keyring at %q: %w", path, err)
	}
	return &kr, nil
}

// SaveKeyring writes the keyring to path, creating parent directories and
// replacing the file atomically so a crash mid-save never truncates it.
func SaveKeyring(path string, kr *Keyring) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating keyring dir: %w", err)
	}

	data, err := json.MarshalIndent(kr, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling keyring: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing keyring: %w", err)
	}
	return nil
}
