// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type usageError struct{}

func (usageError) Error() string { return "bad flags" }
func (usageError) ExitCode() int { return 2 }

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain", errors.New("boom"), 1},
		{"coder", usageError{}, 2},
		{"wrapped coder", fmt.Errorf("parsing: %w", usageError{}), 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ExitCode(test.err); got != test.want {
				t.Errorf("ExitCode() = %d, want %d", got, test.want)
			}
		})
	}
}

func TestReportFormatsErrorLine(t *testing.T) {
	var buffer bytes.Buffer
	code := report(&buffer, usageError{})
	if buffer.String() != "error: bad flags\n" {
		t.Errorf("report wrote %q", buffer.String())
	}
	if code != 2 {
		t.Errorf("report returned %d, want 2", code)
	}
}
