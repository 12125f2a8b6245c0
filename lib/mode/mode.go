// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mode arbitrates exclusive music/radio playback per
// community.
//
// A community is in exactly one of three modes: none, music, or
// radio. The [Controller] moves between them by driving the music
// and radio backends, persisting the community's [schema.ModeState],
// and telling the overlay. Transitions for one community are
// serialized by a per-community lock (and, across router nodes, an
// optional lease); different communities proceed concurrently.
//
// Switching from music to radio pauses the music queue and records
// MusicPausedOnSwitch so the next switch back resumes it. Radio has
// no resume: switching away from radio stops the stream.
//
// State only changes after the backend calls that establish it
// succeed. Overlay notification happens after the change is
// committed and its failure is a logged warning, never a rollback.
package mode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/dispatch/lib/clock"
	"github.com/bureau-foundation/dispatch/lib/codec"
	"github.com/bureau-foundation/dispatch/lib/lease"
	"github.com/bureau-foundation/dispatch/lib/schema"
	"github.com/bureau-foundation/dispatch/lib/statestore"
)

// ErrBackend wraps a playback backend failure. Operations that
// return it left the community's state unchanged.
var ErrBackend = errors.New("mode: playback backend failed")

const (
	stateKeyPrefix = "mode:state:"
	leasePrefix    = "mode:community:"

	DefaultLockIdle     = 10 * time.Minute
	DefaultLeaseTTL     = 15 * time.Second
	DefaultLeasePoll    = 50 * time.Millisecond
	DefaultNotifyWait   = 5 * time.Second
	DefaultRadioStation = "lofi"
)

// Config configures a Controller. Store, Music, and Radio are
// required.
type Config struct {
	Store statestore.Store
	Music MusicBackend
	Radio RadioBackend

	// Notifier receives committed changes. Nil disables overlay
	// notification.
	Notifier Notifier

	// Locker, when set, serializes a community's transitions across
	// router nodes sharing Store. NodeID names this node as the
	// lease owner.
	Locker   *lease.Locker
	NodeID   string
	LeaseTTL time.Duration

	// LockIdle is how long an unused per-community lock is kept.
	LockIdle time.Duration

	// DefaultStation is played when SwitchToRadio gets no station.
	DefaultStation string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Controller owns every community's mode transitions.
type Controller struct {
	store    statestore.Store
	music    MusicBackend
	radio    RadioBackend
	notifier Notifier

	locker   *lease.Locker
	nodeID   string
	leaseTTL time.Duration

	locks    *lockTable
	lockIdle time.Duration

	defaultStation string
	clock          clock.Clock
	logger         *slog.Logger
}

// New returns a Controller. It panics if a required collaborator is
// missing.
func New(cfg Config) *Controller {
	if cfg.Store == nil || cfg.Music == nil || cfg.Radio == nil {
		panic("mode: Store, Music, and Radio are required")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.LockIdle <= 0 {
		cfg.LockIdle = DefaultLockIdle
	}
	if cfg.DefaultStation == "" {
		cfg.DefaultStation = DefaultRadioStation
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		store:          cfg.Store,
		music:          cfg.Music,
		radio:          cfg.Radio,
		notifier:       cfg.Notifier,
		locker:         cfg.Locker,
		nodeID:         cfg.NodeID,
		leaseTTL:       cfg.LeaseTTL,
		locks:          newLockTable(),
		lockIdle:       cfg.LockIdle,
		defaultStation: cfg.DefaultStation,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
	}
}

// State returns a community's current state. A community that has
// never requested a mode is in ModeNone.
func (c *Controller) State(ctx context.Context, communityID string) (schema.ModeState, error) {
	state, _, err := c.load(ctx, communityID)
	return state, err
}

// Result is the outcome of a mode operation: the community's state as
// committed under its lock, and whether the call changed it.
type Result struct {
	Changed bool
	State   schema.ModeState
}

// SwitchToMusic makes music the active mode, resuming a queue paused
// by an earlier switch to radio or starting a fresh one. A radio
// stream is stopped first. It reports false with an ErrBackend error
// when the music backend could not start or resume.
func (c *Controller) SwitchToMusic(ctx context.Context, communityID string) (bool, error) {
	_, err := c.Music(ctx, communityID)
	return err == nil, err
}

// Music is SwitchToMusic reporting the committed [Result].
func (c *Controller) Music(ctx context.Context, communityID string) (Result, error) {
	return c.transition(ctx, communityID, func(state schema.ModeState) (schema.ModeState, bool, error) {
		if state.ActiveMode == schema.ModeMusic {
			return state, false, nil
		}

		if state.ActiveMode == schema.ModeRadio {
			// Radio has no resume semantics; a failed stop is logged
			// and the switch continues so music is not held hostage
			// by a stuck stream.
			if err := c.radio.Stop(ctx, communityID); err != nil {
				c.logger.Warn("stopping radio before music failed",
					"community_id", communityID,
					"error", err,
				)
			}
		}

		if state.MusicPausedOnSwitch {
			if err := c.music.Resume(ctx, communityID); err != nil {
				return state, false, fmt.Errorf("%w: resuming music: %v", ErrBackend, err)
			}
		} else {
			if err := c.music.Start(ctx, communityID); err != nil {
				return state, false, fmt.Errorf("%w: starting music: %v", ErrBackend, err)
			}
		}

		next := state
		next.PreviousMode = state.ActiveMode
		next.ActiveMode = schema.ModeMusic
		next.MusicPausedOnSwitch = false
		next.RadioPausedOnSwitch = false
		next.RadioStation = ""
		return next, true, nil
	})
}

// SwitchToRadio makes radio the active mode on station (the default
// station when empty). Active music is paused and flagged for a later
// resume. Switching an already playing radio to another station is a
// station change. It reports false with an ErrBackend error when the
// music pause or the radio start failed; a failed radio start resumes
// music it had paused.
func (c *Controller) SwitchToRadio(ctx context.Context, communityID, station string) (bool, error) {
	_, err := c.Radio(ctx, communityID, station)
	return err == nil, err
}

// Radio is SwitchToRadio reporting the committed [Result].
func (c *Controller) Radio(ctx context.Context, communityID, station string) (Result, error) {
	if station == "" {
		station = c.defaultStation
	}
	return c.transition(ctx, communityID, func(state schema.ModeState) (schema.ModeState, bool, error) {
		if state.ActiveMode == schema.ModeRadio && state.RadioStation == station {
			return state, false, nil
		}

		pausedMusic := false
		if state.ActiveMode == schema.ModeMusic {
			if err := c.music.Pause(ctx, communityID); err != nil {
				return state, false, fmt.Errorf("%w: pausing music: %v", ErrBackend, err)
			}
			pausedMusic = true
		}

		if err := c.radio.Play(ctx, communityID, station); err != nil {
			if pausedMusic {
				if resumeErr := c.music.Resume(ctx, communityID); resumeErr != nil {
					c.logger.Error("resuming music after failed radio start",
						"community_id", communityID,
						"error", resumeErr,
					)
				}
			}
			return state, false, fmt.Errorf("%w: playing radio station %q: %v", ErrBackend, station, err)
		}

		next := state
		next.PreviousMode = state.ActiveMode
		next.ActiveMode = schema.ModeRadio
		next.RadioStation = station
		next.RadioPausedOnSwitch = false
		if pausedMusic {
			next.MusicPausedOnSwitch = true
		}
		return next, true, nil
	})
}

// StopCurrentMode stops whatever is playing, including a music queue
// paused underneath radio, and resets the community to ModeNone with
// both paused flags cleared. It reports false with an ErrBackend
// error when a backend could not stop.
func (c *Controller) StopCurrentMode(ctx context.Context, communityID string) (bool, error) {
	_, err := c.Stop(ctx, communityID)
	return err == nil, err
}

// Stop is StopCurrentMode reporting the committed [Result].
func (c *Controller) Stop(ctx context.Context, communityID string) (Result, error) {
	return c.transition(ctx, communityID, func(state schema.ModeState) (schema.ModeState, bool, error) {
		if state.ActiveMode == schema.ModeNone && !state.MusicPausedOnSwitch {
			return state, false, nil
		}

		switch state.ActiveMode {
		case schema.ModeMusic:
			if err := c.music.Stop(ctx, communityID); err != nil {
				return state, false, fmt.Errorf("%w: stopping music: %v", ErrBackend, err)
			}
		case schema.ModeRadio:
			if err := c.radio.Stop(ctx, communityID); err != nil {
				return state, false, fmt.Errorf("%w: stopping radio: %v", ErrBackend, err)
			}
		}
		if state.ActiveMode != schema.ModeMusic && state.MusicPausedOnSwitch {
			if err := c.music.Stop(ctx, communityID); err != nil {
				c.logger.Warn("discarding paused music queue failed",
					"community_id", communityID,
					"error", err,
				)
			}
		}

		next := state
		next.PreviousMode = state.ActiveMode
		next.ActiveMode = schema.ModeNone
		next.MusicPausedOnSwitch = false
		next.RadioPausedOnSwitch = false
		next.RadioStation = ""
		return next, true, nil
	})
}

// ResumeMusicIfPaused resumes a music queue paused by a switch to
// radio, making music active again. Without a paused queue it does
// nothing and reports false with a nil error.
func (c *Controller) ResumeMusicIfPaused(ctx context.Context, communityID string) (bool, error) {
	result, err := c.Resume(ctx, communityID)
	return result.Changed, err
}

// Resume is ResumeMusicIfPaused reporting the committed [Result].
func (c *Controller) Resume(ctx context.Context, communityID string) (Result, error) {
	return c.transition(ctx, communityID, func(state schema.ModeState) (schema.ModeState, bool, error) {
		if !state.MusicPausedOnSwitch {
			return state, false, nil
		}
		if state.ActiveMode == schema.ModeRadio {
			if err := c.radio.Stop(ctx, communityID); err != nil {
				c.logger.Warn("stopping radio before resuming music failed",
					"community_id", communityID,
					"error", err,
				)
			}
		}
		if err := c.music.Resume(ctx, communityID); err != nil {
			return state, false, fmt.Errorf("%w: resuming music: %v", ErrBackend, err)
		}

		next := state
		next.PreviousMode = state.ActiveMode
		next.ActiveMode = schema.ModeMusic
		next.MusicPausedOnSwitch = false
		next.RadioStation = ""
		return next, true, nil
	})
}

// step computes a community's next state from its current one,
// driving the backends as needed. changed=false leaves the state
// as it was and sends no notification.
type step func(state schema.ModeState) (next schema.ModeState, changed bool, err error)

// transition runs fn under the community's lock and commits its
// result. The returned state is the one in force when the lock was
// released, the unchanged state when fn fails.
func (c *Controller) transition(ctx context.Context, communityID string, fn step) (Result, error) {
	if communityID == "" {
		return Result{}, errors.New("mode: community id is required")
	}

	unlock, err := c.lock(ctx, communityID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	state, exists, err := c.load(ctx, communityID)
	if err != nil {
		return Result{}, err
	}

	next, changed, err := fn(state)
	if err != nil {
		c.logger.Warn("mode transition failed",
			"community_id", communityID,
			"active_mode", state.ActiveMode,
			"error", err,
		)
		return Result{State: state}, err
	}
	if !changed {
		// The first request creates the community's record even when
		// it is a no-op.
		if !exists {
			if err := c.save(ctx, state); err != nil {
				return Result{State: state}, err
			}
		}
		return Result{State: state}, nil
	}

	next.CommunityID = communityID
	next.SwitchedAt = c.clock.Now()
	if err := c.save(ctx, next); err != nil {
		return Result{State: state}, err
	}
	c.logger.Info("mode changed",
		"community_id", communityID,
		"new_mode", next.ActiveMode,
		"previous_mode", next.PreviousMode,
		"radio_station", next.RadioStation,
	)
	c.notify(ctx, next)
	return Result{Changed: true, State: next}, nil
}

func (c *Controller) notify(ctx context.Context, state schema.ModeState) {
	if c.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultNotifyWait)
	defer cancel()
	change := schema.ModeChange{
		CommunityID:  state.CommunityID,
		Type:         schema.ModeChangeType,
		NewMode:      state.ActiveMode,
		PreviousMode: state.PreviousMode,
		Timestamp:    state.SwitchedAt,
	}
	if err := c.notifier.Notify(ctx, change); err != nil {
		c.logger.Warn("overlay notification failed",
			"community_id", state.CommunityID,
			"new_mode", state.ActiveMode,
			"error", err,
		)
	}
}

// lock takes the local per-community lock and, when configured, the
// cross-node lease.
func (c *Controller) lock(ctx context.Context, communityID string) (func(), error) {
	release, err := c.locks.acquire(ctx, communityID)
	if err != nil {
		return nil, fmt.Errorf("mode: locking community %s: %w", communityID, err)
	}
	if c.locker == nil {
		return func() { release(c.clock.Now()) }, nil
	}

	held, err := c.locker.AcquireWait(ctx, leasePrefix+communityID, c.nodeID, c.leaseTTL, DefaultLeasePoll)
	if err != nil {
		release(c.clock.Now())
		return nil, fmt.Errorf("mode: leasing community %s: %w", communityID, err)
	}
	return func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), held); err != nil {
			c.logger.Warn("releasing mode lease failed",
				"community_id", communityID,
				"error", err,
			)
		}
		release(c.clock.Now())
	}, nil
}

func (c *Controller) load(ctx context.Context, communityID string) (schema.ModeState, bool, error) {
	data, err := c.store.Get(ctx, stateKeyPrefix+communityID)
	if errors.Is(err, statestore.ErrNotFound) {
		return schema.ModeState{
			CommunityID:  communityID,
			ActiveMode:   schema.ModeNone,
			PreviousMode: schema.ModeNone,
		}, false, nil
	}
	if err != nil {
		return schema.ModeState{}, false, fmt.Errorf("mode: loading state for %s: %w", communityID, err)
	}
	var state schema.ModeState
	if err := codec.Unmarshal(data, &state); err != nil {
		return schema.ModeState{}, false, fmt.Errorf("mode: decoding state for %s: %w", communityID, err)
	}
	return state, true, nil
}

func (c *Controller) save(ctx context.Context, state schema.ModeState) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("mode: encoding state for %s: %w", state.CommunityID, err)
	}
	if err := c.store.Set(ctx, stateKeyPrefix+state.CommunityID, data, 0); err != nil {
		return fmt.Errorf("mode: saving state for %s: %w", state.CommunityID, err)
	}
	return nil
}

// EvictIdleLocks drops per-community locks unused for LockIdle.
func (c *Controller) EvictIdleLocks() int {
	return c.locks.evictIdle(c.clock.Now().Add(-c.lockIdle))
}

// TrackedLocks returns how many per-community locks exist.
func (c *Controller) TrackedLocks() int {
	return c.locks.size()
}

// Run evicts idle locks every LockIdle/2 until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.lockIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := c.EvictIdleLocks(); evicted > 0 {
				c.logger.Debug("evicted idle mode locks", "count", evicted)
			}
		}
	}
}
