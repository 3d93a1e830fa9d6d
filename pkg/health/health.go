// Package health tracks the health of the storage tiers behind the cache.
// Each component is probed periodically; consecutive failures degrade it
// and consecutive successes bring it back.
package health

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	cerrors "github.com/restopos/datacache/pkg/errors"
)

// State is the health of one component, ordered from best to worst
type State int

const (
	// StateHealthy means reads and writes succeed
	StateHealthy State = iota

	// StateDegraded means recent probes failed but the component still answers
	StateDegraded

	// StateReadOnly means writes keep failing while reads may still work
	StateReadOnly

	// StateUnavailable means the component failed too many probes in a row
	StateUnavailable
)

// String returns the string representation of a state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state by name
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Probe checks one component
type Probe func(ctx context.Context) error

// ComponentHealth is a snapshot of one component
type ComponentHealth struct {
	Name              string        `json:"name"`
	State             State         `json:"state"`
	LastStateChange   time.Time     `json:"last_state_change"`
	LastCheck         time.Time     `json:"last_check"`
	Latency           time.Duration `json:"latency"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastError         string        `json:"last_error,omitempty"`
}

// Config sets the probe interval and the error counts that change state
type Config struct {
	Interval time.Duration

	// ErrorThreshold consecutive failures degrade a component
	ErrorThreshold int

	// UnavailableThreshold consecutive failures mark it unavailable
	UnavailableThreshold int
}

// DefaultConfig returns the default tracker configuration
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// StateChangeFunc is called after a component changes state
type StateChangeFunc func(component string, oldState, newState State, err error)

type component struct {
	health ComponentHealth
	probe  Probe
}

// Tracker holds the health of every registered component
type Tracker struct {
	mu         sync.RWMutex
	config     Config
	components map[string]*component
	onChange   []StateChangeFunc
	now        func() time.Time
}

// NewTracker creates a tracker; zero config fields take their defaults
func NewTracker(config Config) *Tracker {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	return &Tracker{
		config:     config,
		components: make(map[string]*component),
		now:        time.Now,
	}
}

// Register adds a healthy component checked by probe. Registering an
// existing name replaces its probe and keeps its state.
func (t *Tracker) Register(name string, probe Probe) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.components[name]; ok {
		c.probe = probe
		return
	}
	now := t.now()
	t.components[name] = &component{
		health: ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
		},
		probe: probe,
	}
}

// OnStateChange registers fn to be called on every state transition
func (t *Tracker) OnStateChange(fn StateChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// RecordSuccess records a successful probe. Each success cancels one
// earlier failure; the component is healthy again once none are left.
func (t *Tracker) RecordSuccess(name string) {
	t.record(name, nil, 0)
}

// RecordError records a failed probe
func (t *Tracker) RecordError(name string, err error) {
	t.record(name, err, 0)
}

func (t *Tracker) record(name string, err error, latency time.Duration) {
	t.mu.Lock()
	c, ok := t.components[name]
	if !ok {
		t.mu.Unlock()
		return
	}

	h := &c.health
	oldState := h.State
	h.LastCheck = t.now()
	h.Latency = latency

	if err == nil {
		if h.ConsecutiveErrors > 0 {
			h.ConsecutiveErrors--
		}
		if h.ConsecutiveErrors == 0 {
			h.State = StateHealthy
			h.LastError = ""
		}
	} else {
		h.ConsecutiveErrors++
		h.LastError = err.Error()
		switch {
		case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
			h.State = StateUnavailable
		case h.ConsecutiveErrors >= t.config.ErrorThreshold:
			if isWriteError(err) {
				h.State = StateReadOnly
			} else {
				h.State = StateDegraded
			}
		}
	}

	newState := h.State
	if newState != oldState {
		h.LastStateChange = h.LastCheck
	}
	callbacks := t.onChange
	t.mu.Unlock()

	if newState != oldState {
		for _, fn := range callbacks {
			fn(name, oldState, newState, err)
		}
	}
}

// State returns the state of a component; unknown names are unavailable
func (t *Tracker) State(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, ok := t.components[name]; ok {
		return c.health.State
	}
	return StateUnavailable
}

// Component returns a snapshot of one component
func (t *Tracker) Component(name string) (ComponentHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.components[name]
	if !ok {
		return ComponentHealth{}, false
	}
	return c.health, true
}

// Components returns snapshots of every component sorted by name
func (t *Tracker) Components() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]ComponentHealth, 0, len(t.components))
	for _, c := range t.components {
		result = append(result, c.health)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Overall returns the worst state across components
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.health.State > overall {
			overall = c.health.State
		}
	}
	return overall
}

// CanRead reports whether reads from the component are expected to work
func (t *Tracker) CanRead(name string) bool {
	return t.State(name) != StateUnavailable
}

// CanWrite reports whether writes to the component are expected to work
func (t *Tracker) CanWrite(name string) bool {
	state := t.State(name)
	return state == StateHealthy || state == StateDegraded
}

// Check probes every component once and returns the overall state
func (t *Tracker) Check(ctx context.Context) State {
	t.mu.RLock()
	names := make([]string, 0, len(t.components))
	probes := make([]Probe, 0, len(t.components))
	for name, c := range t.components {
		names = append(names, name)
		probes = append(probes, c.probe)
	}
	t.mu.RUnlock()

	for i, probe := range probes {
		if probe == nil {
			continue
		}
		start := t.now()
		err := probe(ctx)
		t.record(names[i], err, t.now().Sub(start))
	}
	return t.Overall()
}

// Run probes every interval until ctx is done
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check(ctx)
		}
	}
}

// isWriteError reports failures that leave reads usable
func isWriteError(err error) bool {
	code, ok := cerrors.CodeOf(err)
	if !ok {
		return false
	}
	return code == cerrors.ErrCodeStorageWrite || code == cerrors.ErrCodeQuotaExceeded
}
