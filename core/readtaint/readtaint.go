// Package readtaint implements read-taint recovery: on a file read, restore
// the descriptor of the most recent recorded write to that path from the
// audit stream, so taint survives disk persistence across program runs. It
// is consulted by the operation dispatcher through the ReadTaintRecovery
// interface.
package readtaint

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mlld-lang/sec/core/label"
)

// record is the subset of audit.Record this package needs to decode, kept
// independent of the audit package so readtaint never imports core/dispatch
// or core/audit's write path, only its on-disk shape.
type record struct {
	Kind string `json:"kind"`
	Op   struct {
		Name string `json:"name"`
	} `json:"op"`
	After *struct {
		Labels  []string `json:"labels"`
		Taint   []string `json:"taint"`
		Sources []string `json:"sources"`
	} `json:"after"`
}

// Source recovers descriptors by scanning an audit log's NDJSON records for
// the most recent "write" entry matching a path. A nil or ephemeral Source
// always reports no recovery, matching MLLD_EPHEMERAL's "disables persistent
// cache" behavior.
type Source struct {
	mu        sync.Mutex
	path      string
	ephemeral bool
}

// New returns a Source that scans the NDJSON audit log at auditLogPath.
func New(auditLogPath string) *Source {
	return &Source{path: auditLogPath}
}

// NewEphemeral returns a Source that never recovers anything, the behavior
// MLLD_EPHEMERAL=true requires.
func NewEphemeral() *Source {
	return &Source{ephemeral: true}
}

// NewFromEnv returns an ephemeral Source when MLLD_EPHEMERAL=true, otherwise
// a Source scanning auditLogPath.
func NewFromEnv(auditLogPath string) *Source {
	if os.Getenv("MLLD_EPHEMERAL") == "true" {
		return NewEphemeral()
	}
	return New(auditLogPath)
}

// Recover implements dispatch.ReadTaintRecovery: it returns the descriptor
// of the most recent write record whose absolute path matches path.
func (s *Source) Recover(path string) (label.Descriptor, bool) {
	if s == nil || s.ephemeral || s.path == "" {
		return label.Descriptor{}, false
	}

	s.mu.Lock()
	f, err := os.Open(s.path)
	s.mu.Unlock()
	if err != nil {
		return label.Descriptor{}, false
	}
	defer f.Close()

	want := absOrSelf(path)
	rec, ok := latestWrite(f, want)
	if !ok {
		return label.Descriptor{}, false
	}
	return rebuild(rec), true
}

func absOrSelf(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// latestWrite scans r for "write" records matching want, keeping the last
// one seen; the audit stream is append-only so later lines are more
// recent.
func latestWrite(r io.Reader, want string) (record, bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)

	var latest record
	found := false
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Kind != "write" || rec.After == nil {
			continue
		}
		if absOrSelf(rec.Op.Name) != want {
			continue
		}
		latest = rec
		found = true
	}
	return latest, found
}

// rebuild reconstructs a descriptor from a stored after-snapshot. Taint is
// the authoritative set for guard/policy matching, so it drives
// reconstruction; dir:/src: markers end up in both labels and taint as a
// result (label.AddLabel's ordinary path), a harmless widening versus the
// original split since Factual labels were already taint-only by
// construction.
func rebuild(rec record) label.Descriptor {
	d := label.Empty
	for _, l := range rec.After.Taint {
		nd, err := d.AddLabel(label.ResolveWarn, label.Label(l))
		if err != nil {
			continue
		}
		d = nd
	}
	for _, src := range rec.After.Sources {
		d = d.WithSource(src)
	}
	return d
}
