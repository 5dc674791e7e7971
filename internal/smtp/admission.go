package smtp

import "sync/atomic"

// AdmissionController is the C5 session counter: an atomic cap on
// concurrently open sessions, shared across every accepted connection.
type AdmissionController struct {
	active  int64
	maxConn int64
}

func NewAdmissionController(maxConn int) *AdmissionController {
	return &AdmissionController{maxConn: int64(maxConn)}
}

// TryAcquire atomically increments the session counter; if the post-
// increment value exceeds the configured max, it is decremented back and
// false is returned (caller replies 421 and closes).
func (a *AdmissionController) TryAcquire() bool {
	n := atomic.AddInt64(&a.active, 1)
	if n > a.maxConn {
		atomic.AddInt64(&a.active, -1)
		return false
	}
	return true
}

// Release decrements the session counter on session end, for any reason.
func (a *AdmissionController) Release() {
	atomic.AddInt64(&a.active, -1)
}

// Active returns the current open-session count.
func (a *AdmissionController) Active() int64 {
	return atomic.LoadInt64(&a.active)
}
