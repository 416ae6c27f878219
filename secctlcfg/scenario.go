package secctlcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/core/opctx"
)

// Scenario is a scripted operation sequence the secctl harness dry-runs
// against a compiled policy and guard set.
type Scenario struct {
	Ops []OpConfig `yaml:"ops"`
}

// OpConfig describes one operation in a scenario.
type OpConfig struct {
	Type     string        `yaml:"type"` // show | run | exe | read | write | llm | import | checkpoint
	Name     string        `yaml:"name"`
	OpLabels []string      `yaml:"op_labels"`
	Danger   bool          `yaml:"danger"`
	Auth     []string      `yaml:"auth"`
	Inputs   []InputConfig `yaml:"inputs"`
	Result   string        `yaml:"result"` // canned result the fake executor returns
}

// InputConfig is one labeled input.
type InputConfig struct {
	Var    string   `yaml:"var"`
	Labels []string `yaml:"labels"`
	Value  string   `yaml:"value"`
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secctlcfg: reading %s: %w", path, err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("secctlcfg: parsing %s: %w", path, err)
	}
	return &sc, nil
}

// ToContext converts one operation config into an OperationContext.
func (oc OpConfig) ToContext(resolver label.ConflictResolver) (*opctx.Context, error) {
	t, err := parseOpType(oc.Type)
	if err != nil {
		return nil, err
	}

	opLabels := label.NewSet(t.OpLabel())
	for _, l := range oc.OpLabels {
		opLabels[label.Label(l)] = struct{}{}
	}

	var inputs []opctx.Input
	for _, in := range oc.Inputs {
		ls := make([]label.Label, len(in.Labels))
		for i, l := range in.Labels {
			ls[i] = label.Label(l)
		}
		d, err := label.Of(resolver, ls...)
		if err != nil {
			return nil, fmt.Errorf("secctlcfg: input %q: %w", in.Var, err)
		}
		inputs = append(inputs, opctx.Input{Variable: in.Var, Descriptor: d})
	}

	return &opctx.Context{
		Type:     t,
		Name:     oc.Name,
		OpLabels: opLabels,
		Inputs:   inputs,
		Auth:     oc.Auth,
		Danger:   oc.Danger,
	}, nil
}

func parseOpType(s string) (opctx.Type, error) {
	switch s {
	case "show":
		return opctx.TypeShow, nil
	case "run":
		return opctx.TypeRun, nil
	case "exe":
		return opctx.TypeExe, nil
	case "read":
		return opctx.TypeRead, nil
	case "write":
		return opctx.TypeWrite, nil
	case "llm":
		return opctx.TypeLLM, nil
	case "import":
		return opctx.TypeImport, nil
	case "checkpoint":
		return opctx.TypeCheckpoint, nil
	default:
		return 0, fmt.Errorf("secctlcfg: unknown operation type %q", s)
	}
}
