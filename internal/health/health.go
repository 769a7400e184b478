// Package health runs the gateway's dependency checks: facilitator,
// database and refund wallet.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds one check.
const DefaultCheckTimeout = 3 * time.Second

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Optional  bool   `json:"optional,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Checker probes one dependency. A nil error means healthy.
type Checker func(ctx context.Context) error

// Option configures a registered check.
type Option func(*entry)

// Optional marks a check whose failure is reported but does not make the
// gateway unhealthy.
func Optional() Option {
	return func(e *entry) { e.optional = true }
}

// Timeout overrides DefaultCheckTimeout for one check.
func Timeout(d time.Duration) Option {
	return func(e *entry) { e.timeout = d }
}

type entry struct {
	name     string
	check    Checker
	optional bool
	timeout  time.Duration
}

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named check.
func (r *Registry) Register(name string, check Checker, opts ...Option) {
	e := entry{name: name, check: check, timeout: DefaultCheckTimeout}
	for _, opt := range opts {
		opt(&e)
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently. Statuses keep registration
// order. healthy is false when any required check fails.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	statuses = make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = run(ctx, e)
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy && !st.Optional {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, e entry) Status {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	err := e.check(ctx)
	st := Status{
		Name:      e.name,
		Healthy:   err == nil,
		Optional:  e.optional,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}
