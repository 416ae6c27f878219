package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mlld-lang/sec/core/label"
)

func TestEmitAssignsMonotonicSequence(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)

	for i := 0; i < 3; i++ {
		if err := w.Emit(Record{Kind: KindGuard, Op: OpSummary{Type: "run", Name: "cmd:echo"}}); err != nil {
			t.Fatal(err)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line %d not valid JSON: %v", i, err)
		}
		if rec.Seq != uint64(i+1) {
			t.Fatalf("line %d seq = %d, want %d", i, rec.Seq, i+1)
		}
		if rec.Timestamp == "" {
			t.Fatalf("line %d missing timestamp", i)
		}
	}
}

func TestRecordWireShape(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)

	d, err := label.Of(label.ResolveWarn, label.Secret, "src:file")
	if err != nil {
		t.Fatal(err)
	}
	after := FromLabel(d)

	err = w.Emit(Record{
		Kind:     KindWrite,
		Op:       OpSummary{Type: "write", Name: "/project/out.txt"},
		After:    &after,
		Decision: "complete",
		Corr:     "c-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"seq", "ts", "kind", "op", "after", "decision", "corr"} {
		if _, ok := got[field]; !ok {
			t.Errorf("missing wire field %q", field)
		}
	}
	afterMap := got["after"].(map[string]any)
	taint := afterMap["taint"].([]any)
	found := false
	for _, l := range taint {
		if l == "secret" {
			found = true
		}
	}
	if !found {
		t.Error("after.taint should carry secret")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestEmitFailureIsWarningOnly(t *testing.T) {
	w := NewWriter(failingWriter{}, nil)
	err := w.Emit(Record{Kind: KindGuard})
	var aerr *AuditWriteError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AuditWriteError, got %v", err)
	}
}

func TestLedgerSigStreamForcesKind(t *testing.T) {
	var auditBuf, sigBuf bytes.Buffer
	l := NewLedger(NewWriter(&auditBuf, nil), NewWriter(&sigBuf, nil))

	if err := l.EmitSig(Record{Op: OpSummary{Type: "sign", Name: "ledger"}, Decision: "verify"}); err != nil {
		t.Fatal(err)
	}

	var rec Record
	if err := json.Unmarshal(sigBuf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Kind != KindSign {
		t.Fatalf("sig stream kind = %q, want %q", rec.Kind, KindSign)
	}
	if auditBuf.Len() != 0 {
		t.Fatal("sig events must not land in the audit stream")
	}
}

func TestFromLabelStableOrder(t *testing.T) {
	d, err := label.Of(label.ResolveWarn, "zeta", "alpha", label.Secret)
	if err != nil {
		t.Fatal(err)
	}
	a := FromLabel(d)
	b := FromLabel(d)
	if strings.Join(a.Labels, ",") != strings.Join(b.Labels, ",") {
		t.Fatal("serialization must be deterministic")
	}
}
