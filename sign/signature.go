// Package sign implements the signing collaborator behind the audit
// ledger's sig stream: Ed25519 attestation of ledger records, a keyring of
// verification keys scoped to ledger streams, and the HMAC tokens that back
// sealed credential handles.
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// pemTypeRaw is the PEM block type for a raw 32-byte Ed25519 key, the form
// ExportKeyPEM emits. PKIX-wrapped "PUBLIC KEY" blocks are also accepted so
// keys generated by openssl can join the keyring unchanged.
const pemTypeRaw = "ED25519 PUBLIC KEY"

// GenerateKeyPair produces a fresh Ed25519 signing key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key pair: %w", err)
	}
	return pub, priv, nil
}

// Attest signs a ledger record payload with the given private key.
func Attest(payload []byte, priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, payload)
}

// ParsePublicKey decodes a PEM-encoded Ed25519 public key, accepting both
// the raw form this package exports and standard PKIX encodings.
func ParsePublicKey(pemData []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case pemTypeRaw:
		if len(block.Bytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("raw Ed25519 key: got %d bytes, want %d", len(block.Bytes), ed25519.PublicKeySize)
		}
		return ed25519.PublicKey(block.Bytes), nil

	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("PKIX key: %w", err)
		}
		pub, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("PKIX key: %T is not an Ed25519 key", parsed)
		}
		return pub, nil

	default:
		return nil, fmt.Errorf("unsupported PEM block type: %q", block.Type)
	}
}

// ExportKeyPEM encodes an Ed25519 public key as a raw PEM block.
func ExportKeyPEM(pub ed25519.PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeRaw,
		Bytes: []byte(pub),
	})
}
