// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/dispatch/lib/codec"
	"github.com/bureau-foundation/dispatch/lib/config"
	"github.com/bureau-foundation/dispatch/lib/process"
	"github.com/bureau-foundation/dispatch/lib/service"
	"github.com/bureau-foundation/dispatch/lib/version"
)

// defaultSocketPath is used when neither --socket nor a config file
// names the router socket.
const defaultSocketPath = "/run/dispatch/router.sock"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		process.Fatal(err)
	}
}

// exitError carries dispatchctl's exit status: 2 for usage errors, 3
// when the router answered but the action failed.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func usageError(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func remoteError(err error) error {
	return &exitError{code: 3, err: err}
}

// cli is one invocation's global state.
type cli struct {
	client  *service.Client
	timeout time.Duration
	raw     bool
	stdout  io.Writer
}

func run(args []string, stdout, stderr io.Writer) error {
	var (
		socketPath  string
		configPath  string
		timeout     time.Duration
		raw         bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("dispatchctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&socketPath, "socket", "s", "", "router socket (default: service.socket_path from --config, else "+defaultSocketPath+")")
	flagSet.StringVarP(&configPath, "config", "c", "", "dispatch.yaml to read the socket path from")
	flagSet.DurationVar(&timeout, "timeout", 45*time.Second, "how long to wait for the router")
	flagSet.BoolVar(&raw, "raw", false, "print responses in CBOR diagnostic notation instead of JSON")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return usageError("%v", err)
	}
	if showVersion {
		version.Fprint(stdout, "dispatchctl")
		return nil
	}
	if flagSet.NArg() == 0 {
		printUsage(stderr, flagSet)
		return usageError("no command given")
	}

	resolved, err := resolveSocket(socketPath, configPath)
	if err != nil {
		return err
	}
	c := &cli{
		client:  service.NewClient(resolved),
		timeout: timeout,
		raw:     raw,
		stdout:  stdout,
	}
	return c.dispatch(flagSet.Arg(0), flagSet.Args()[1:])
}

// resolveSocket picks the socket from the flag, then the config file
// (flag or DISPATCH_CONFIG), then the default path.
func resolveSocket(socketPath, configPath string) (string, error) {
	if socketPath != "" {
		return socketPath, nil
	}
	if configPath == "" && os.Getenv(config.EnvConfigPath) == "" {
		return defaultSocketPath, nil
	}
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Service.SocketPath, nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `dispatchctl talks to a running dispatch-router over its socket.

Usage:
  dispatchctl [flags] <command> [arguments]

Commands:
  status                              router liveness and counters
  execute [flags] COMMAND [ARGS...]   run a command as a user
  mode state|music|stop|resume COMMUNITY
  mode radio COMMUNITY [STATION]      switch a community to radio
  owner CHANNEL                       which router owns a channel
  rebalance NODE...                   replace the shard ring membership
  invalidate [PATTERN]                drop cached command definitions
  circuits [MODULE]                   circuit breaker metrics
  remaining user|command|ip KEY       rate limit headroom

Flags:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}

// call runs action and returns the undecoded response data. A
// failure reported by the router is a remote error (exit 3).
func (c *cli) call(action string, fields map[string]any) (codec.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var data codec.RawMessage
	err := c.client.Call(ctx, action, fields, &data)
	var serviceErr *service.ServiceError
	if errors.As(err, &serviceErr) {
		return nil, remoteError(err)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// print writes data as indented JSON, or as CBOR diagnostic notation
// with --raw.
func (c *cli) print(data codec.RawMessage) error {
	if len(data) == 0 {
		fmt.Fprintln(c.stdout, "ok")
		return nil
	}
	if c.raw {
		diagnostic, err := codec.Diagnose(data)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, diagnostic)
		return nil
	}
	var value any
	if err := codec.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	encoder := json.NewEncoder(c.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func (c *cli) callAndPrint(action string, fields map[string]any) error {
	data, err := c.call(action, fields)
	if err != nil {
		return err
	}
	return c.print(data)
}
