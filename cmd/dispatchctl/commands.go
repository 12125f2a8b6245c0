// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/dispatch/lib/codec"
	"github.com/bureau-foundation/dispatch/lib/schema"
)

func (c *cli) dispatch(command string, args []string) error {
	switch command {
	case "status":
		if len(args) != 0 {
			return usageError("status takes no arguments")
		}
		return c.callAndPrint("status", nil)
	case "execute":
		return c.execute(args)
	case "mode":
		return c.mode(args)
	case "owner":
		if len(args) != 1 {
			return usageError("usage: owner CHANNEL")
		}
		return c.callAndPrint("shard.owner", map[string]any{"channel_id": args[0]})
	case "rebalance":
		if len(args) == 0 {
			return usageError("usage: rebalance NODE...")
		}
		return c.callAndPrint("shard.rebalance", map[string]any{"nodes": args})
	case "invalidate":
		if len(args) > 1 {
			return usageError("usage: invalidate [PATTERN]")
		}
		fields := map[string]any{}
		if len(args) == 1 {
			fields["pattern"] = args[0]
		}
		return c.callAndPrint("cache.invalidate", fields)
	case "circuits":
		if len(args) > 1 {
			return usageError("usage: circuits [MODULE]")
		}
		fields := map[string]any{}
		if len(args) == 1 {
			fields["dependency"] = args[0]
		}
		return c.callAndPrint("circuit.status", fields)
	case "remaining":
		if len(args) != 2 {
			return usageError("usage: remaining user|command|ip KEY")
		}
		return c.callAndPrint("ratelimit.remaining", map[string]any{"scope": args[0], "key": args[1]})
	}
	return usageError("unknown command %q", command)
}

// execute runs a command and prints its result. An unsuccessful
// result exits 3 after printing.
func (c *cli) execute(args []string) error {
	var request schema.ExecutionRequest
	flagSet := pflag.NewFlagSet("execute", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&request.UserID, "user", "u", "", "user id the command runs as (required)")
	flagSet.StringVar(&request.Platform, "platform", "cli", "originating platform")
	flagSet.StringVar(&request.CommunityID, "community", "", "community id")
	flagSet.StringVar(&request.ChannelID, "channel", "", "channel id")
	flagSet.StringVar(&request.SessionID, "session", "", "session id")
	flagSet.StringVar(&request.IPAddress, "ip", "", "caller address for the ip rate limit")
	flagSet.StringVar(&request.RequestID, "request-id", "", "request id (default: generated by the router)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return usageError("execute: %v", err)
	}
	if flagSet.NArg() == 0 {
		return usageError("usage: execute --user USER COMMAND [ARGS...]")
	}
	if request.UserID == "" {
		return usageError("execute: --user is required")
	}
	request.Command = flagSet.Arg(0)
	request.Arguments = flagSet.Args()[1:]

	fields := map[string]any{
		"command":   request.Command,
		"arguments": request.Arguments,
		"user_id":   request.UserID,
		"platform":  request.Platform,
	}
	for key, value := range map[string]string{
		"community_id": request.CommunityID,
		"channel_id":   request.ChannelID,
		"session_id":   request.SessionID,
		"ip_address":   request.IPAddress,
		"request_id":   request.RequestID,
	} {
		if value != "" {
			fields[key] = value
		}
	}

	data, err := c.call("execute", fields)
	if err != nil {
		return err
	}
	if err := c.print(data); err != nil {
		return err
	}
	var result schema.ExecutionResult
	if err := codec.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	if !result.Success {
		return remoteError(fmt.Errorf("%s failed (%s): %s", result.Command, result.ErrorKind, result.Error))
	}
	return nil
}

var modeActions = map[string]string{
	"state":  "mode.state",
	"music":  "mode.switch_music",
	"radio":  "mode.switch_radio",
	"stop":   "mode.stop",
	"resume": "mode.resume_music",
}

func (c *cli) mode(args []string) error {
	if len(args) < 2 {
		return usageError("usage: mode state|music|radio|stop|resume COMMUNITY")
	}
	action, ok := modeActions[args[0]]
	if !ok {
		return usageError("unknown mode operation %q", args[0])
	}
	fields := map[string]any{"community_id": args[1]}
	switch {
	case args[0] == "radio" && len(args) == 3:
		fields["station"] = args[2]
	case len(args) > 2:
		return usageError("too many arguments for mode %s", args[0])
	}
	return c.callAndPrint(action, fields)
}
