package sign

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/mlld-lang/sec/core/audit"
)

func TestAttestVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	key, err := NewKey("ledger", ExportKeyPEM(pub))
	if err != nil {
		t.Fatal(err)
	}
	kr := NewKeyring()
	kr.Add(key)

	payload := []byte(`{"seq":1,"kind":"write"}`)
	sig := Attest(payload, priv)

	attesting, ok := kr.Verify("audit", payload, sig)
	if !ok {
		t.Fatal("signature should verify")
	}
	if attesting.Fingerprint != key.Fingerprint {
		t.Fatalf("attesting key = %q, want %q", attesting.Fingerprint, key.Fingerprint)
	}

	if _, ok := kr.Verify("audit", []byte("tampered"), sig); ok {
		t.Fatal("tampered payload must not verify")
	}
	if _, ok := kr.Verify("audit", payload, []byte("short")); ok {
		t.Fatal("malformed signature must not verify")
	}
}

func TestKeyringStreamScope(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	key, err := NewKey("sig-only", ExportKeyPEM(pub), "sig")
	if err != nil {
		t.Fatal(err)
	}
	kr := NewKeyring()
	kr.Add(key)

	payload := []byte("record")
	sig := Attest(payload, priv)

	if _, ok := kr.Verify("sig", payload, sig); !ok {
		t.Fatal("key scoped to sig must verify sig-stream records")
	}
	if _, ok := kr.Verify("audit", payload, sig); ok {
		t.Fatal("key scoped to sig must not attest the audit stream")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey([]byte("not pem")); err == nil {
		t.Fatal("expected no-PEM error")
	}
}

func TestKeyringAddReplacesByFingerprint(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	first, err := NewKey("old-name", ExportKeyPEM(pub))
	if err != nil {
		t.Fatal(err)
	}
	renamed, err := NewKey("new-name", ExportKeyPEM(pub), "audit")
	if err != nil {
		t.Fatal(err)
	}

	kr := NewKeyring()
	kr.Add(first)
	kr.Add(renamed)
	if len(kr.Keys) != 1 {
		t.Fatalf("expected in-place replacement, got %d keys", len(kr.Keys))
	}
	got, ok := kr.Lookup(first.Fingerprint)
	if !ok || got.Name != "new-name" || len(got.Streams) != 1 {
		t.Fatalf("replacement not applied: %+v", got)
	}
}

func TestKeyringSaveLoadRoundTrip(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	key, err := NewKey("ledger", ExportKeyPEM(pub), "audit", "sig")
	if err != nil {
		t.Fatal(err)
	}

	kr := NewKeyring()
	kr.Add(key)

	path := filepath.Join(t.TempDir(), "sub", "keyring.json")
	if err := SaveKeyring(path, kr); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadKeyring(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := loaded.Lookup(key.Fingerprint)
	if !ok || len(got.Streams) != 2 {
		t.Fatalf("loaded keyring = %+v", loaded)
	}

	if err := loaded.Remove(key.Fingerprint); err != nil {
		t.Fatal(err)
	}
	if err := loaded.Remove(key.Fingerprint); err == nil {
		t.Fatal("removing a missing key must error")
	}
}

func TestLoadKeyringMissingFile(t *testing.T) {
	kr, err := LoadKeyring(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(kr.Keys) != 0 {
		t.Fatal("missing file should yield an empty keyring")
	}
}

func TestTokenMinter(t *testing.T) {
	m, err := NewTokenMinter()
	if err != nil {
		t.Fatal(err)
	}

	tok := m.Mint("slack")
	if tok == "" || tok == "slack" {
		t.Fatalf("token = %q", tok)
	}
	if !m.Check("slack", tok) {
		t.Fatal("minted token must check")
	}
	if m.Check("github", tok) {
		t.Fatal("token must be bound to its credential name")
	}

	other, err := NewTokenMinter()
	if err != nil {
		t.Fatal(err)
	}
	if other.Check("slack", tok) {
		t.Fatal("a different process key must not validate the token")
	}
}

func TestForwarderEmitsToSigStream(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	var auditBuf, sigBuf bytes.Buffer
	ledger := audit.NewLedger(audit.NewWriter(&auditBuf, nil), audit.NewWriter(&sigBuf, nil))
	f := NewForwarder(pub, priv, ledger)

	content := []byte("record-payload")
	sig, err := f.SignEvent("audit.jsonl", content)
	if err != nil {
		t.Fatal(err)
	}
	if sigBuf.Len() == 0 {
		t.Fatal("sign event must land in the sig stream")
	}
	if auditBuf.Len() != 0 {
		t.Fatal("sign event must not land in the audit stream")
	}

	kr := NewKeyring()
	key, err := NewKey("ledger", ExportKeyPEM(pub))
	if err != nil {
		t.Fatal(err)
	}
	kr.Add(key)

	valid, err := f.VerifyEvent(kr, "audit", "audit.jsonl", content, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatal("verification should succeed against the keyring")
	}
}
