// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package circuit tracks per-dependency failure state and fails calls
// fast while a dependency is unhealthy.
//
// Each dependency moves through three states:
//
//	Closed   --threshold consecutive failures-->  Open
//	Open     --cooldown elapsed, next Allow----->  HalfOpen
//	HalfOpen --probe succeeds------------------->  Closed
//	HalfOpen --probe fails---------------------->  Open
//
// HalfOpen admits exactly one probe. Every other caller is refused
// until the probe reports back through its [Permit]. Outcomes of
// other calls count toward the error rate but never move a HalfOpen
// circuit. A probe that never reports (its caller crashed) is
// abandoned after one cooldown and a new probe is admitted.
//
// State is process-local. Each router instance forms its own view of
// a dependency's health from the calls it makes.
package circuit

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/dispatch/lib/clock"
)

// State is a breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name in JSON and CBOR output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = Closed
	case "open":
		*s = Open
	case "half_open":
		*s = HalfOpen
	default:
		return fmt.Errorf("circuit: unknown state %q", text)
	}
	return nil
}

// Config configures a Breaker. Zero fields take the defaults noted.
type Config struct {
	// Threshold is the consecutive-failure count that opens the
	// circuit. Default 5.
	Threshold int

	// Thresholds overrides Threshold per dependency.
	Thresholds map[string]int

	// Cooldown is how long an open circuit refuses calls before
	// admitting a probe. Default 30s.
	Cooldown time.Duration

	// ErrorRateWindow is the span of the rolling error-rate metric,
	// divided into ErrorRateBuckets buckets. Defaults 60s and 10.
	ErrorRateWindow  time.Duration
	ErrorRateBuckets int

	Clock  clock.Clock
	Logger *slog.Logger

	// OnStateChange, if set, is called after every transition with
	// the dependency lock released.
	OnStateChange func(dependency string, from, to State)
}

// Metrics is a snapshot of one dependency.
type Metrics struct {
	Dependency          string    `json:"dependency"`
	State               State     `json:"state"`
	Threshold           int       `json:"threshold"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`

	// ProbeSuccesses counts HalfOpen probes that closed the circuit
	// over the dependency's lifetime.
	ProbeSuccesses int `json:"probe_successes"`

	// Requests and Failures cover the rolling window; ErrorRate is
	// their ratio (zero with no requests).
	Requests  uint64  `json:"requests"`
	Failures  uint64  `json:"failures"`
	ErrorRate float64 `json:"error_rate"`
}

// Breaker holds the circuit for every dependency it has seen.
type Breaker struct {
	config Config

	mu           sync.Mutex
	dependencies map[string]*dependency
}

// New returns a Breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = time.Minute
	}
	if cfg.ErrorRateBuckets <= 0 {
		cfg.ErrorRateBuckets = 10
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Breaker{config: cfg, dependencies: make(map[string]*dependency)}
}

func (b *Breaker) get(name string) *dependency {
	b.mu.Lock()
	defer b.mu.Unlock()
	dep, ok := b.dependencies[name]
	if !ok {
		threshold := b.config.Threshold
		if override, ok := b.config.Thresholds[name]; ok && override > 0 {
			threshold = override
		}
		dep = &dependency{
			name:      name,
			threshold: threshold,
			window:    newRollingWindow(b.config.ErrorRateWindow, b.config.ErrorRateBuckets),
		}
		b.dependencies[name] = dep
	}
	return dep
}

// Permit is the admission returned by Allow. Report the call's
// outcome through it so that only the admitted probe can close or
// reopen a HalfOpen circuit.
type Permit struct {
	breaker *Breaker
	name    string

	// probe is the probe sequence number, zero for ordinary calls.
	probe uint64
}

// Probe reports whether the permit admitted the HalfOpen probe.
func (p Permit) Probe() bool { return p.probe != 0 }

// Success reports that the admitted call succeeded.
func (p Permit) Success() { p.breaker.record(p.name, p.probe, false) }

// Failure reports that the admitted call failed.
func (p Permit) Failure() { p.breaker.record(p.name, p.probe, true) }

// Allow reports whether a call to the dependency may proceed. When an
// Open or HalfOpen circuit admits the call, the returned permit is the
// probe, and its outcome decides the next state.
func (b *Breaker) Allow(name string) (Permit, bool) {
	dep := b.get(name)
	now := b.config.Clock.Now()
	permit := Permit{breaker: b, name: name}

	dep.mu.Lock()
	from := dep.state
	allowed := false
	switch dep.state {
	case Closed:
		allowed = true
	case Open:
		if now.Sub(dep.openedAt) >= b.config.Cooldown {
			dep.state = HalfOpen
			permit.probe = dep.startProbe(now)
			allowed = true
		}
	case HalfOpen:
		if !dep.probeInFlight || now.Sub(dep.probeStartedAt) >= b.config.Cooldown {
			permit.probe = dep.startProbe(now)
			allowed = true
		}
	}
	to := dep.state
	dep.mu.Unlock()

	b.transitioned(name, from, to)
	return permit, allowed
}

// RecordSuccess reports a successful call made without a permit, or
// one whose permit is gone. It cannot close a HalfOpen circuit.
func (b *Breaker) RecordSuccess(name string) { b.record(name, 0, false) }

// RecordFailure reports a failed call made without a permit. It cannot
// reopen a HalfOpen circuit.
func (b *Breaker) RecordFailure(name string) { b.record(name, 0, true) }

func (b *Breaker) record(name string, probe uint64, failed bool) {
	dep := b.get(name)
	now := b.config.Clock.Now()

	dep.mu.Lock()
	from := dep.state
	dep.window.record(now, failed)
	isProbe := probe != 0 && dep.probeInFlight && probe == dep.probeSequence
	if failed {
		dep.consecutiveFailures++
		dep.lastFailure = now
	}
	switch dep.state {
	case Closed:
		if !failed {
			dep.consecutiveFailures = 0
		} else if dep.consecutiveFailures >= dep.threshold {
			dep.state = Open
			dep.openedAt = now
		}
	case HalfOpen:
		// Calls admitted before the circuit opened may finish while
		// the probe runs. Only the probe decides.
		if !isProbe {
			break
		}
		dep.probeInFlight = false
		if failed {
			dep.state = Open
			dep.openedAt = now
		} else {
			dep.state = Closed
			dep.consecutiveFailures = 0
			dep.probeSuccesses++
		}
	case Open:
		// A call admitted before the circuit opened finished late.
	}
	to := dep.state
	dep.mu.Unlock()

	b.transitioned(name, from, to)
}

// State returns the current state of a dependency. Unknown
// dependencies are Closed.
func (b *Breaker) State(name string) State {
	dep := b.get(name)
	dep.mu.Lock()
	defer dep.mu.Unlock()
	return dep.state
}

// Snapshot returns the metrics for one dependency.
func (b *Breaker) Snapshot(name string) Metrics {
	return b.get(name).metrics(b.config.Clock.Now())
}

// SnapshotAll returns metrics for every dependency seen so far, sorted
// by name.
func (b *Breaker) SnapshotAll() []Metrics {
	b.mu.Lock()
	deps := make([]*dependency, 0, len(b.dependencies))
	for _, dep := range b.dependencies {
		deps = append(deps, dep)
	}
	b.mu.Unlock()

	now := b.config.Clock.Now()
	result := make([]Metrics, 0, len(deps))
	for _, dep := range deps {
		result = append(result, dep.metrics(now))
	}
	slices.SortFunc(result, func(a, b Metrics) int {
		return strings.Compare(a.Dependency, b.Dependency)
	})
	return result
}

func (b *Breaker) transitioned(name string, from, to State) {
	if from == to {
		return
	}
	switch to {
	case Open:
		b.config.Logger.Warn("circuit opened", "dependency", name, "from", from.String())
	case HalfOpen:
		b.config.Logger.Info("circuit half-open, admitting probe", "dependency", name)
	case Closed:
		b.config.Logger.Info("circuit closed", "dependency", name)
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(name, from, to)
	}
}

// dependency is the mutable record for one dependency.
type dependency struct {
	name      string
	threshold int

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailure         time.Time
	openedAt            time.Time
	probeInFlight       bool
	probeSequence       uint64
	probeStartedAt      time.Time
	probeSuccesses      int
	window              *rollingWindow
}

// startProbe marks a new probe in flight and returns its sequence
// number. Callers hold d.mu.
func (d *dependency) startProbe(now time.Time) uint64 {
	d.probeSequence++
	d.probeInFlight = true
	d.probeStartedAt = now
	return d.probeSequence
}

func (d *dependency) metrics(now time.Time) Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	requests, failures := d.window.totals(now)
	var rate float64
	if requests > 0 {
		rate = float64(failures) / float64(requests)
	}
	return Metrics{
		Dependency:          d.name,
		State:               d.state,
		Threshold:           d.threshold,
		ConsecutiveFailures: d.consecutiveFailures,
		LastFailure:         d.lastFailure,
		OpenedAt:            d.openedAt,
		ProbeSuccesses:      d.probeSuccesses,
		Requests:            requests,
		Failures:            failures,
		ErrorRate:           rate,
	}
}
