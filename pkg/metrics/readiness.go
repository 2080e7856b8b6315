package metrics

import (
	"sync"
	"time"
)

// Default staleness window after which a component's last success no longer
// counts toward readiness.
const DefaultMaxAge = 2 * time.Minute

// ComponentStatus is one component's contribution to the readiness report.
type ComponentStatus struct {
	OK        bool      `json:"ok"`
	LastOK    time.Time `json:"last_ok,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Readiness tracks the last successful probe per component. A pod is ready
// when every expected component succeeded within the staleness window; the
// ops readyz endpoint serves the verdict.
type Readiness struct {
	mu         sync.Mutex
	maxAge     time.Duration
	components map[string]componentState

	now func() time.Time
}

type componentState struct {
	expected bool
	lastOK   time.Time
	lastErr  string
}

// Component names tracked by the daemon.
const (
	ComponentLease     = "lease_renew"
	ComponentMetastore = "metastore_ping"
	ComponentObjstore  = "objstore_head"
)

// NewReadiness returns a tracker with the given staleness window; maxAge <= 0
// selects DefaultMaxAge.
func NewReadiness(maxAge time.Duration) *Readiness {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Readiness{
		maxAge:     maxAge,
		components: make(map[string]componentState),
		now:        time.Now,
	}
}

// Expect registers a component that must report success for the pod to be
// ready. A registered component with no success yet makes Ready return false.
func (r *Readiness) Expect(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		st := r.components[name]
		st.expected = true
		r.components[name] = st
	}
}

// MarkOK records a successful probe for the component.
func (r *Readiness) MarkOK(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.components[name]
	st.expected = true
	st.lastOK = r.now()
	st.lastErr = ""
	r.components[name] = st
}

// MarkFailed records a failed probe. The component stays ready until its last
// success ages out of the window.
func (r *Readiness) MarkFailed(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.components[name]
	st.expected = true
	if err != nil {
		st.lastErr = err.Error()
	}
	r.components[name] = st
}

// Ready reports whether every expected component succeeded within the window.
func (r *Readiness) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.maxAge)
	for _, st := range r.components {
		if !st.expected {
			continue
		}
		if st.lastOK.IsZero() || st.lastOK.Before(cutoff) {
			return false
		}
	}
	return true
}

// Report returns the per-component status snapshot.
func (r *Readiness) Report() map[string]ComponentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.maxAge)
	out := make(map[string]ComponentStatus, len(r.components))
	for name, st := range r.components {
		if !st.expected {
			continue
		}
		out[name] = ComponentStatus{
			OK:        !st.lastOK.IsZero() && !st.lastOK.Before(cutoff),
			LastOK:    st.lastOK,
			LastError: st.lastErr,
		}
	}
	return out
}
