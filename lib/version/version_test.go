// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"bytes"
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	savedCommit, savedDirty := GitCommit, GitDirty
	t.Cleanup(func() { GitCommit, GitDirty = savedCommit, savedDirty })

	GitCommit = "abc1234"
	GitDirty = "true"
	if got := Info(); !strings.Contains(got, "abc1234-dirty") {
		t.Errorf("Info() = %q, want it to contain %q", got, "abc1234-dirty")
	}

	GitDirty = "false"
	if got := Info(); strings.Contains(got, "dirty") {
		t.Errorf("Info() = %q, clean build must not say dirty", got)
	}
}

func TestFprintPrefixesBinaryName(t *testing.T) {
	var buffer bytes.Buffer
	Fprint(&buffer, "dispatch-router")
	if !strings.HasPrefix(buffer.String(), "dispatch-router "+Version) {
		t.Errorf("Fprint output = %q", buffer.String())
	}
}
