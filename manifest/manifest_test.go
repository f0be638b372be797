package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "vesper.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadFullConfig(t *testing.T) {
	dir := writeConfig(t, `
[project]
name = "orders"
image = "orders.vim"

[runtime]
reentrancy = "open"
ops-per-tick = 25
timeout = "250ms"
trace = true
trace-db = "run.db"
relaxed-asserts = true
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Project.Name != "orders" || m.Project.Image != "orders.vim" {
		t.Errorf("project = %+v", m.Project)
	}
	if m.Runtime.Reentrancy != "open" || m.Runtime.OpsPerTick != 25 {
		t.Errorf("runtime = %+v", m.Runtime)
	}
	if !m.Runtime.Trace || m.Runtime.TraceDB != "run.db" || !m.Runtime.RelaxedAsserts {
		t.Errorf("runtime = %+v", m.Runtime)
	}
	d, err := m.Runtime.CallTimeout()
	if err != nil {
		t.Fatal(err)
	}
	if d != 250*time.Millisecond {
		t.Errorf("timeout = %s", d)
	}
	if m.Dir != dir {
		t.Errorf("dir = %q, want %q", m.Dir, dir)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := writeConfig(t, `
[project]
name = "bare"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Runtime.Reentrancy != "" || m.Runtime.OpsPerTick != 0 {
		t.Errorf("runtime should be zero-valued: %+v", m.Runtime)
	}
	d, err := m.Runtime.CallTimeout()
	if err != nil || d != 0 {
		t.Errorf("empty timeout = %s, %v", d, err)
	}
}

func TestRejectUnknownReentrancy(t *testing.T) {
	dir := writeConfig(t, `
[runtime]
reentrancy = "optimistic"
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("unknown reentrancy mode accepted")
	}
}

func TestRejectBadTimeout(t *testing.T) {
	dir := writeConfig(t, `
[runtime]
timeout = "soon"
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("unparsable timeout accepted")
	}
}

func TestMissingFileReported(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("missing vesper.toml loaded")
	}
	if Exists(t.TempDir()) {
		t.Fatal("Exists reported a missing file")
	}
}
