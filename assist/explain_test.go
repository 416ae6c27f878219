package assist

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mlld-lang/sec/core/dispatch"
	"github.com/mlld-lang/sec/core/label"
)

type fakeProvider struct {
	reply string
	err   error
	seen  []Message
}

func (p *fakeProvider) Complete(_ context.Context, messages []Message) (*Response, error) {
	p.seen = messages
	if p.err != nil {
		return nil, p.err
	}
	return &Response{Content: p.reply}, nil
}

func TestExplainSendsDenialContext(t *testing.T) {
	p := &fakeProvider{reply: "The exfil rule blocked this."}
	e := NewExplainer(p)

	d := FromError(&dispatch.GuardDenyError{
		Reason:      "secret cannot flow to an exfil-risk operation",
		RuleID:      "no-secret-exfil",
		Suggestions: []string{"remove secret via a privileged guard"},
	}, []label.Label{label.Secret}, []label.Label{"exfil", "net:w"})

	got, err := e.Explain(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if got != "The exfil rule blocked this." {
		t.Fatalf("explanation = %q", got)
	}

	if len(p.seen) != 2 || p.seen[0].Role != RoleSystem {
		t.Fatalf("messages = %+v", p.seen)
	}
	user := p.seen[1].Content
	for _, want := range []string{"no-secret-exfil", "secret", "exfil", "privileged guard"} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q:\n%s", want, user)
		}
	}
}

func TestExplainDegradesGracefully(t *testing.T) {
	p := &fakeProvider{err: errors.New("provider down")}
	e := NewExplainer(p)

	d := Denial{Reason: "blocked", RuleID: "no-secret-exfil", Suggestions: []string{"fix it"}}
	got, err := e.Explain(context.Background(), d)
	if err == nil {
		t.Fatal("provider failure must surface for visibility")
	}
	if !strings.Contains(got, "blocked") || !strings.Contains(got, "no-secret-exfil") {
		t.Fatalf("fallback = %q", got)
	}
}
