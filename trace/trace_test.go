package trace

import (
	"path/filepath"
	"testing"
)

func TestRecordAndCount(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.TraceOp("main", 1, 0, "vm.Const")
	s.TraceOp("main", 1, 1, "vm.Return1")
	s.TraceFiber("main", 1, "Running")

	ops, err := s.Count("op")
	if err != nil {
		t.Fatal(err)
	}
	if ops != 2 {
		t.Errorf("op count = %d, want 2", ops)
	}
	all, err := s.Count("")
	if err != nil {
		t.Fatal(err)
	}
	if all != 3 {
		t.Errorf("total count = %d, want 3", all)
	}
}

func TestFileBackedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.TraceFiber("worker", 2, "Paused")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening sees the persisted events.
	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	n, err := s2.Count("fiber")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("persisted count = %d, want 1", n)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	// Recording after close is a no-op, not a crash.
	s.TraceOp("main", 1, 0, "vm.Nop")
}
