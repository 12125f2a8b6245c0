// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"time"
)

// Mode is the playback subsystem active in a community. Music and
// Radio are mutually exclusive: only one produces audio at a time.
type Mode string

const (
	ModeNone  Mode = "none"
	ModeMusic Mode = "music"
	ModeRadio Mode = "radio"
)

// ParseMode converts a wire string to a Mode. The empty string is
// ModeNone.
func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case "", ModeNone:
		return ModeNone, nil
	case ModeMusic, ModeRadio:
		return Mode(value), nil
	}
	return "", fmt.Errorf("unknown mode %q", value)
}

// ModeState is the per-community playback record. One exists per
// community from its first mode request onward. Stopping resets it
// to ModeNone instead of deleting it.
type ModeState struct {
	CommunityID  string `json:"community_id"`
	ActiveMode   Mode   `json:"active_mode"`
	PreviousMode Mode   `json:"previous_mode"`

	// MusicPausedOnSwitch is set when a switch to radio paused an
	// active music queue. The next switch back to music resumes the
	// queue instead of starting a fresh one.
	MusicPausedOnSwitch bool `json:"music_paused_on_switch"`

	// RadioPausedOnSwitch is recorded for symmetry with the music
	// flag. Radio has no resume semantics: switching away from radio
	// stops the stream and this flag stays false.
	RadioPausedOnSwitch bool `json:"radio_paused_on_switch"`

	// RadioStation is the station playing while ActiveMode is radio.
	RadioStation string `json:"radio_station,omitempty"`

	SwitchedAt time.Time `json:"switched_at"`
}

// ModeChange is the overlay notification payload sent after every
// committed transition.
type ModeChange struct {
	CommunityID  string    `json:"community_id"`
	Type         string    `json:"type"`
	NewMode      Mode      `json:"new_mode"`
	PreviousMode Mode      `json:"previous_mode"`
	Timestamp    time.Time `json:"timestamp"`
}

// ModeChangeType is the Type field of every ModeChange.
const ModeChangeType = "mode_change"
