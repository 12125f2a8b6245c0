// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitCoder is implemented by errors that choose their own exit status
// (dispatchctl returns 2 for usage errors and 3 for a failed remote
// action).
type ExitCoder interface {
	ExitCode() int
}

// Fatal writes "error: err" to stderr and exits with ExitCode(err).
func Fatal(err error) {
	os.Exit(report(os.Stderr, err))
}

// report writes the error line and returns the exit status Fatal
// would use.
func report(w io.Writer, err error) int {
	fmt.Fprintf(w, "error: %v\n", err)
	return ExitCode(err)
}

// ExitCode returns the code carried by an ExitCoder anywhere in err's
// chain, or 1.
func ExitCode(err error) int {
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}
