// Package health reports the interview API server's lifecycle to its
// orchestrator: alive as long as the process runs, ready only while the
// HTTP listener accepts turns, draining during graceful shutdown.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Lifecycle phases. A checker starts in phaseStarting, moves to
// phaseServing once the listener is up, and to phaseDraining when shutdown
// begins. There is no way back to serving.
const (
	phaseStarting int32 = iota
	phaseServing
	phaseDraining
)

// Checker tracks which lifecycle phase the server is in.
// Safe for concurrent use.
type Checker struct {
	phase atomic.Int32
}

// NewChecker returns a checker in the starting phase.
func NewChecker() *Checker {
	return &Checker{}
}

// SetReady marks the server as accepting requests.
func (c *Checker) SetReady() {
	c.phase.Store(phaseServing)
}

// SetDraining marks the server as shutting down. Readiness goes false so
// the load balancer stops routing new turns while in-flight ones finish.
func (c *Checker) SetDraining() {
	c.phase.Store(phaseDraining)
}

// IsReady reports whether the server is accepting requests.
func (c *Checker) IsReady() bool {
	return c.phase.Load() == phaseServing
}

// Phase returns the current lifecycle phase as a string.
func (c *Checker) Phase() string {
	switch c.phase.Load() {
	case phaseServing:
		return "serving"
	case phaseDraining:
		return "draining"
	default:
		return "starting"
	}
}

// LivenessHandler answers /healthz: 200 as long as the process is up,
// whatever the phase.
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, "alive")
	}
}

// ReadinessHandler answers /readyz: 200 while serving, 503 while starting
// or draining.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusServiceUnavailable
		if c.IsReady() {
			code = http.StatusOK
		}
		respond(w, code, c.Phase())
	}
}

func respond(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
