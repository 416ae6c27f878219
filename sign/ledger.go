package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mlld-lang/sec/core/audit"
)

// Event is a signing/verification/mutable-update event forwarded unchanged
// to the sig stream. Payload is the canonical JSON of whatever the
// event covers; Signature is the Ed25519 signature over it.
type Event struct {
	Action      string `json:"action"` // "sign" | "verify" | "mutable-update"
	Subject     string `json:"subject"`
	Fingerprint string `json:"fingerprint"`
	Signature   string `json:"signature,omitempty"` // base64
	Valid       *bool  `json:"valid,omitempty"`     // set on verify events
}

// Forwarder signs outbound events and hands them to the audit ledger's sig
// stream. The core never interprets these records; it forwards them per
// the ledger contract.
type Forwarder struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	ledger *audit.Ledger
}

// NewForwarder builds a Forwarder around a key pair and a ledger.
func NewForwarder(pub ed25519.PublicKey, priv ed25519.PrivateKey, ledger *audit.Ledger) *Forwarder {
	return &Forwarder{priv: priv, pub: pub, ledger: ledger}
}

// Fingerprint returns the forwarder's public key fingerprint.
func (f *Forwarder) Fingerprint() string { return KeyFingerprint(f.pub) }

// SignEvent attests subject content, emits the event to the sig stream, and
// returns the signature.
func (f *Forwarder) SignEvent(subject string, content []byte) ([]byte, error) {
	sig := Attest(content, f.priv)
	ev := Event{
		Action:      "sign",
		Subject:     subject,
		Fingerprint: f.Fingerprint(),
		Signature:   base64.StdEncoding.EncodeToString(sig),
	}
	if err := f.emit(ev); err != nil {
		return sig, err
	}
	return sig, nil
}

// VerifyEvent checks a signature against the keyring's keys scoped to the
// given ledger stream, emits the outcome to the sig stream, and returns the
// verdict. The emitted event names the attesting key when one is found.
func (f *Forwarder) VerifyEvent(kr *Keyring, stream, subject string, content, signature []byte) (bool, error) {
	key, valid := kr.Verify(stream, content, signature)

	ev := Event{
		Action:      "verify",
		Subject:     subject,
		Fingerprint: f.Fingerprint(),
		Valid:       &valid,
	}
	if valid {
		ev.Fingerprint = key.Fingerprint
	}
	if err := f.emit(ev); err != nil {
		return valid, err
	}
	return valid, nil
}

func (f *Forwarder) emit(ev Event) error {
	if f.ledger == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sign: marshal event: %w", err)
	}
	return f.ledger.EmitSig(audit.Record{
		Op:       audit.OpSummary{Type: "sign", Name: ev.Subject},
		Decision: ev.Action,
		Reason:   string(payload),
	})
}
