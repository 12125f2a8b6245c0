// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/dispatch/lib/clock"
)

var testEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestBreaker(cfg Config) (*Breaker, *clock.FakeClock) {
	fake := clock.Fake(testEpoch)
	cfg.Clock = fake
	return New(cfg), fake
}

func allowed(breaker *Breaker, name string) bool {
	_, ok := breaker.Allow(name)
	return ok
}

func TestOpensAfterThresholdConsecutiveFailures(t *testing.T) {
	breaker, _ := newTestBreaker(Config{Threshold: 3})

	for i := 0; i < 2; i++ {
		breaker.RecordFailure("engagement")
	}
	if !allowed(breaker, "engagement") {
		t.Fatal("circuit refused calls below threshold")
	}
	breaker.RecordFailure("engagement")
	if allowed(breaker, "engagement") {
		t.Error("circuit admitted a call after threshold failures")
	}
	if state := breaker.State("engagement"); state != Open {
		t.Errorf("State = %v, want open", state)
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	breaker, _ := newTestBreaker(Config{Threshold: 3})

	breaker.RecordFailure("d")
	breaker.RecordFailure("d")
	breaker.RecordSuccess("d")
	breaker.RecordFailure("d")
	breaker.RecordFailure("d")
	if state := breaker.State("d"); state != Closed {
		t.Errorf("State = %v, want closed (failures were not consecutive)", state)
	}
	if got := breaker.Snapshot("d").ConsecutiveFailures; got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got)
	}
}

func TestCooldownThenSingleProbe(t *testing.T) {
	breaker, fake := newTestBreaker(Config{Threshold: 1, Cooldown: 30 * time.Second})

	breaker.RecordFailure("d")
	fake.Advance(29 * time.Second)
	if allowed(breaker, "d") {
		t.Fatal("call admitted before cooldown elapsed")
	}

	fake.Advance(time.Second)
	if !allowed(breaker, "d") {
		t.Fatal("probe refused after cooldown")
	}
	if state := breaker.State("d"); state != HalfOpen {
		t.Errorf("State = %v, want half_open", state)
	}
	for i := 0; i < 3; i++ {
		if allowed(breaker, "d") {
			t.Fatal("second call admitted while probe in flight")
		}
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	breaker, fake := newTestBreaker(Config{Threshold: 1, Cooldown: time.Second})

	breaker.RecordFailure("d")
	fake.Advance(time.Second)
	probe, _ := breaker.Allow("d")
	probe.Success()

	if state := breaker.State("d"); state != Closed {
		t.Fatalf("State = %v, want closed", state)
	}
	for i := 0; i < 3; i++ {
		if !allowed(breaker, "d") {
			t.Error("closed circuit refused a call")
		}
	}
	if got := breaker.Snapshot("d").ProbeSuccesses; got != 1 {
		t.Errorf("ProbeSuccesses = %d, want 1", got)
	}
}

func TestProbeFailureReopens(t *testing.T) {
	breaker, fake := newTestBreaker(Config{Threshold: 1, Cooldown: 10 * time.Second})

	breaker.RecordFailure("d")
	fake.Advance(10 * time.Second)
	probe, _ := breaker.Allow("d")
	probe.Failure()

	if state := breaker.State("d"); state != Open {
		t.Fatalf("State = %v, want open", state)
	}
	// The cooldown restarts from the probe failure.
	fake.Advance(9 * time.Second)
	if allowed(breaker, "d") {
		t.Error("call admitted before the restarted cooldown elapsed")
	}
	fake.Advance(time.Second)
	if !allowed(breaker, "d") {
		t.Error("probe refused after restarted cooldown")
	}
}

func TestAbandonedProbeIsReplaced(t *testing.T) {
	breaker, fake := newTestBreaker(Config{Threshold: 1, Cooldown: 5 * time.Second})

	breaker.RecordFailure("d")
	fake.Advance(5 * time.Second)
	abandoned, _ := breaker.Allow("d")

	fake.Advance(5 * time.Second)
	replacement, ok := breaker.Allow("d")
	if !ok {
		t.Fatal("replacement probe refused after the first probe went silent for a cooldown")
	}

	// The abandoned probe reporting late does not decide the circuit.
	abandoned.Success()
	if state := breaker.State("d"); state != HalfOpen {
		t.Fatalf("State after abandoned probe reported = %v, want half_open", state)
	}
	replacement.Success()
	if state := breaker.State("d"); state != Closed {
		t.Errorf("State after replacement probe succeeded = %v, want closed", state)
	}
}

func TestLateCallCannotCloseHalfOpen(t *testing.T) {
	breaker, fake := newTestBreaker(Config{Threshold: 1, Cooldown: time.Second})

	// Admitted while closed, still running when the circuit opens.
	slow, ok := breaker.Allow("d")
	if !ok || slow.Probe() {
		t.Fatalf("Allow on closed circuit = %v, probe %v; want an ordinary permit", ok, slow.Probe())
	}
	breaker.RecordFailure("d")
	fake.Advance(time.Second)
	probe, ok := breaker.Allow("d")
	if !ok || !probe.Probe() {
		t.Fatalf("Allow after cooldown = %v, probe %v; want the probe", ok, probe.Probe())
	}

	slow.Success()
	if state := breaker.State("d"); state != HalfOpen {
		t.Fatalf("State after late success = %v, want half_open", state)
	}
	if allowed(breaker, "d") {
		t.Error("second call admitted while the probe is still in flight")
	}
	breaker.RecordFailure("d")
	if state := breaker.State("d"); state != HalfOpen {
		t.Fatalf("State after unrelated failure = %v, want half_open", state)
	}

	probe.Success()
	if state := breaker.State("d"); state != Closed {
		t.Errorf("State after probe success = %v, want closed", state)
	}
	if got := breaker.Snapshot("d").ProbeSuccesses; got != 1 {
		t.Errorf("ProbeSuccesses = %d, want 1", got)
	}
}

func TestPerDependencyThresholdAndIsolation(t *testing.T) {
	breaker, _ := newTestBreaker(Config{
		Threshold:  5,
		Thresholds: map[string]int{"fragile": 1},
	})

	breaker.RecordFailure("fragile")
	breaker.RecordFailure("sturdy")
	if breaker.State("fragile") != Open {
		t.Error("fragile dependency did not open at its override threshold")
	}
	if breaker.State("sturdy") != Closed {
		t.Error("sturdy dependency opened below the default threshold")
	}
	if got := breaker.Snapshot("fragile").Threshold; got != 1 {
		t.Errorf("fragile Threshold = %d, want 1", got)
	}
}

func TestErrorRateRollingWindow(t *testing.T) {
	breaker, fake := newTestBreaker(Config{
		Threshold:        100,
		ErrorRateWindow:  60 * time.Second,
		ErrorRateBuckets: 10,
	})

	breaker.RecordFailure("d")
	breaker.RecordSuccess("d")
	breaker.RecordSuccess("d")
	breaker.RecordSuccess("d")

	metrics := breaker.Snapshot("d")
	if metrics.Requests != 4 || metrics.Failures != 1 {
		t.Fatalf("window = %d requests, %d failures; want 4, 1", metrics.Requests, metrics.Failures)
	}
	if metrics.ErrorRate != 0.25 {
		t.Errorf("ErrorRate = %v, want 0.25", metrics.ErrorRate)
	}

	fake.Advance(30 * time.Second)
	breaker.RecordFailure("d")
	if got := breaker.Snapshot("d").Requests; got != 5 {
		t.Errorf("Requests after 30s = %d, want 5", got)
	}

	// The first four outcomes age out of the 60s window.
	fake.Advance(31 * time.Second)
	metrics = breaker.Snapshot("d")
	if metrics.Requests != 1 || metrics.ErrorRate != 1 {
		t.Errorf("after aging: %d requests, rate %v; want 1, 1", metrics.Requests, metrics.ErrorRate)
	}
}

func TestOnStateChange(t *testing.T) {
	var transitions []string
	breaker, fake := newTestBreaker(Config{
		Threshold: 1,
		Cooldown:  time.Second,
		OnStateChange: func(dependency string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	breaker.RecordFailure("d")
	fake.Advance(time.Second)
	probe, _ := breaker.Allow("d")
	probe.Success()

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestConcurrentProbeAdmission(t *testing.T) {
	breaker, fake := newTestBreaker(Config{Threshold: 1, Cooldown: time.Second})
	breaker.RecordFailure("d")
	fake.Advance(time.Second)

	var admitted atomic.Int32
	var group sync.WaitGroup
	for range 32 {
		group.Add(1)
		go func() {
			defer group.Done()
			if allowed(breaker, "d") {
				admitted.Add(1)
			}
		}()
	}
	group.Wait()
	if admitted.Load() != 1 {
		t.Errorf("%d probes admitted concurrently, want 1", admitted.Load())
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	for _, state := range []State{Closed, Open, HalfOpen} {
		text, _ := state.MarshalText()
		var parsed State
		if err := parsed.UnmarshalText(text); err != nil || parsed != state {
			t.Errorf("round trip of %v = %v, %v", state, parsed, err)
		}
	}
}

func TestSnapshotAllSorted(t *testing.T) {
	breaker, _ := newTestBreaker(Config{})
	breaker.RecordSuccess("zeta")
	breaker.RecordSuccess("alpha")
	all := breaker.SnapshotAll()
	if len(all) != 2 || all[0].Dependency != "alpha" || all[1].Dependency != "zeta" {
		t.Errorf("SnapshotAll = %+v", all)
	}
}
