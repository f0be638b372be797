package vm

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Current-context tracking
// ---------------------------------------------------------------------------

// currentContexts maps goroutine ID to the service whose scheduler is
// running on that goroutine. It is set on every context swap; ops never
// read it - they receive the frame, which knows its context. It exists
// for host code and diagnostics that have no frame at hand.
var currentContexts sync.Map // int64 -> *Service

// getGoroutineID returns the current goroutine's ID by parsing the
// stack header; Go does not expose goroutine IDs directly.
func getGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	s = strings.TrimPrefix(s, "goroutine ")
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}

// setCurrentContext publishes the service running on this goroutine.
func setCurrentContext(s *Service) {
	currentContexts.Store(getGoroutineID(), s)
}

// clearCurrentContext removes the publication when a scheduler exits.
func clearCurrentContext() {
	currentContexts.Delete(getGoroutineID())
}

// CurrentService returns the service whose scheduler owns the calling
// goroutine, or nil when called from host code.
func CurrentService() *Service {
	if v, ok := currentContexts.Load(getGoroutineID()); ok {
		return v.(*Service)
	}
	return nil
}
