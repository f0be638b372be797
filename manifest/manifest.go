// Package manifest handles vesper.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Manifest represents a vesper.toml configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Runtime Runtime `toml:"runtime"`

	// Dir is the directory containing the vesper.toml file (set at
	// load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name  string `toml:"name"`
	Image string `toml:"image"`
}

// Runtime configures the execution engine.
type Runtime struct {
	// Reentrancy selects the scheduling policy applied to the main
	// service: prioritized, open, exclusive or forbidden.
	Reentrancy string `toml:"reentrancy"`

	// OpsPerTick is the op budget a fiber may spend before the
	// scheduler pre-empts it.
	OpsPerTick int `toml:"ops-per-tick"`

	// Timeout is the default deadline budget for cross-service calls,
	// e.g. "250ms". Empty means no deadline.
	Timeout string `toml:"timeout"`

	// Trace enables diagnostic op tracing.
	Trace bool `toml:"trace"`

	// TraceDB, when set, records the trace into this SQLite file
	// instead of the log.
	TraceDB string `toml:"trace-db"`

	// RelaxedAsserts downgrades assertion failures to log lines.
	RelaxedAsserts bool `toml:"relaxed-asserts"`
}

// CallTimeout parses the configured timeout. Zero means none.
func (r Runtime) CallTimeout() (time.Duration, error) {
	if r.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 0, fmt.Errorf("bad runtime.timeout: %w", err)
	}
	return d, nil
}

// Load parses a vesper.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "vesper.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	m.Dir = dir

	if m.Runtime.Reentrancy != "" {
		switch m.Runtime.Reentrancy {
		case "prioritized", "open", "exclusive", "forbidden":
		default:
			return nil, fmt.Errorf("%s: unknown runtime.reentrancy %q", path, m.Runtime.Reentrancy)
		}
	}
	if m.Runtime.OpsPerTick < 0 {
		return nil, fmt.Errorf("%s: runtime.ops-per-tick must not be negative", path)
	}
	if _, err := m.Runtime.CallTimeout(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// Exists reports whether dir carries a vesper.toml.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "vesper.toml"))
	return err == nil
}
