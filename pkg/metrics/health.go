package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// subsystems are the processes cmd/coordinator starts at boot. GET /ready
// requires all four to have checked in before the coordinator is safe to
// put behind a load balancer.
var subsystems = []string{"scheduler", "orchestrator", "repository", "ingress"}

// componentState is the last health report a subsystem made of itself.
type componentState struct {
	healthy bool
	message string
}

// registry tracks the last reported state of every subsystem plus process
// metadata shared by the health and readiness endpoints.
type registry struct {
	mu      sync.RWMutex
	started time.Time
	version string
	states  map[string]componentState
}

var reg = &registry{
	started: time.Now(),
	states:  make(map[string]componentState),
}

// SetVersion records the build version reported in health responses.
func SetVersion(version string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.version = version
}

// RegisterComponent records a subsystem's initial health at startup.
func RegisterComponent(name string, healthy bool, message string) {
	UpdateComponent(name, healthy, message)
}

// UpdateComponent records a subsystem's current health, overwriting
// whatever it last reported. Subsystems call this as their condition
// changes, not just once at startup, so GET /ready reflects the
// coordinator's actual state rather than a snapshot of who merely
// started.
func UpdateComponent(name string, healthy bool, message string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.states[name] = componentState{healthy: healthy, message: message}
}

// HealthStatus is the JSON body served by /healthz and /ready.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// snapshot returns the registry's common fields so GetHealth and
// GetReadiness stay consistent on version and uptime.
func (r *registry) snapshot() (version, uptime string, states map[string]componentState) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states = make(map[string]componentState, len(r.states))
	for name, state := range r.states {
		states[name] = state
	}
	return r.version, time.Since(r.started).Round(time.Second).String(), states
}

// GetHealth reports every subsystem that has ever registered, healthy or
// not. A subsystem that hasn't started yet doesn't count against it; use
// GetReadiness to require that all of them have.
func GetHealth() HealthStatus {
	version, uptime, states := reg.snapshot()

	status := "healthy"
	components := make(map[string]string, len(states))
	for name, state := range states {
		if state.healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + state.message
	}

	return HealthStatus{Status: status, Timestamp: time.Now(), Version: version, Uptime: uptime, Components: components}
}

// GetReadiness reports whether every required subsystem has both
// registered and is currently healthy. A subsystem that hasn't reported
// yet counts the same as an unhealthy one: the coordinator isn't ready
// until all four have checked in.
func GetReadiness() HealthStatus {
	version, uptime, states := reg.snapshot()

	components := make(map[string]string, len(subsystems))
	var notReady []string

	for _, name := range subsystems {
		state, reported := states[name]
		switch {
		case !reported:
			components[name] = "not registered"
			notReady = append(notReady, name)
		case !state.healthy:
			components[name] = "not ready: " + state.message
			notReady = append(notReady, name)
		default:
			components[name] = "ready"
		}
	}

	if len(notReady) == 0 {
		return HealthStatus{Status: "ready", Timestamp: time.Now(), Version: version, Uptime: uptime, Components: components}
	}

	sort.Strings(notReady)
	reason := notReady[0]
	for _, name := range notReady[1:] {
		reason += ", " + name
	}

	return HealthStatus{
		Status:     "not_ready",
		Timestamp:  time.Now(),
		Version:    version,
		Uptime:     uptime,
		Components: components,
		Reason:     "waiting on: " + reason,
	}
}

func writeStatus(w http.ResponseWriter, status HealthStatus, okStatus string) {
	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if status.Status != okStatus {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// HealthHandler serves GET /healthz: an overview of every subsystem the
// coordinator has heard from.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, GetHealth(), "healthy")
	}
}

// ReadyHandler serves GET /ready: whether the coordinator can take
// traffic. A container orchestrator should pull the coordinator out of
// service while this returns 503.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, GetReadiness(), "ready")
	}
}

// LivenessHandler serves GET /live: whether the process itself should be
// restarted. It never depends on subsystem health, only on whether the
// handler runs at all, so a stuck subsystem doesn't get mistaken for a
// process that needs killing.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(reg.started).Round(time.Second).String(),
		})
	}
}
