// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package processor executes commands: it resolves the command's
// definition, applies rate limits and the module's circuit breaker,
// dispatches with retries, and records the outcome.
//
// Every call to [Processor.Execute] returns exactly one
// [schema.ExecutionResult], bounded by the request timeout. Failures
// are reported through the result's ErrorKind, never as a Go error:
// the caller is a platform collector that turns the kind into a chat
// reply.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/dispatch/lib/audit"
	"github.com/bureau-foundation/dispatch/lib/cache"
	"github.com/bureau-foundation/dispatch/lib/circuit"
	"github.com/bureau-foundation/dispatch/lib/clock"
	"github.com/bureau-foundation/dispatch/lib/codec"
	"github.com/bureau-foundation/dispatch/lib/dispatch"
	"github.com/bureau-foundation/dispatch/lib/ratelimit"
	"github.com/bureau-foundation/dispatch/lib/registry"
	"github.com/bureau-foundation/dispatch/lib/schema"
	"github.com/bureau-foundation/dispatch/lib/session"
)

const (
	DefaultDefinitionTTL  = 300 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultAttemptTimeout = 5 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 200 * time.Millisecond
)

// definitionKeyPrefix namespaces definitions inside the cache.
const definitionKeyPrefix = "command:"

// DefinitionPattern matches every cached definition, for
// cache.Manager.Invalidate.
const DefinitionPattern = definitionKeyPrefix + "*"

// DefinitionKey is the cache key of one command's definition.
func DefinitionKey(command string) string { return definitionKeyPrefix + command }

// Limit is one rate-limit scope's quota. A zero Limit disables the
// scope.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Limits are the per-scope quotas checked before dispatch.
type Limits struct {
	// User bounds one user's executions of one command.
	User Limit

	// Command bounds all executions of one command.
	Command Limit

	// IP bounds executions from one caller address. Requests without
	// an address skip it.
	IP Limit
}

// ChannelClaimer grants a node the right to process a channel's
// events. *shard.Manager implements it.
type ChannelClaimer interface {
	Claim(ctx context.Context, channel string) error
}

// Config wires a Processor. Registry, Cache, Limiter, Breaker, and
// Dispatcher are required.
type Config struct {
	Registry   registry.Registry
	Cache      *cache.Manager
	Limiter    *ratelimit.Limiter
	Breaker    *circuit.Breaker
	Dispatcher dispatch.Dispatcher

	// Sessions, when set, tracks executions per session id.
	Sessions *session.Manager

	// Channels, when set, must grant this node ownership of a
	// request's channel before the request is processed.
	Channels ChannelClaimer

	// Audit receives every terminal result. Nil discards.
	Audit audit.Sink

	Limits Limits

	// DefinitionTTL is how long a fetched definition is cached.
	DefinitionTTL time.Duration

	// RequestTimeout bounds a whole Execute call, backoff included.
	RequestTimeout time.Duration

	// AttemptTimeout bounds one dispatch attempt when the definition
	// sets no Timeout of its own.
	AttemptTimeout time.Duration

	// MaxRetries bounds the number of dispatch attempts, the first
	// included. Values below 1 mean a single attempt.
	MaxRetries int

	// RetryDelay is the base backoff: the wait before attempt n+1 is
	// RetryDelay*2^(n-1) plus up to half that again of jitter. Zero
	// retries immediately.
	RetryDelay time.Duration

	// DispatchRate caps outbound dispatches per second across all
	// commands. Zero (or rate.Inf) is unlimited.
	DispatchRate  rate.Limit
	DispatchBurst int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Processor runs the execution pipeline. It is safe for concurrent
// use; the only state it owns is in-flight bookkeeping and counters.
type Processor struct {
	registry   registry.Registry
	cache      *cache.Manager
	limiter    *ratelimit.Limiter
	breaker    *circuit.Breaker
	dispatcher dispatch.Dispatcher
	sessions   *session.Manager
	channels   ChannelClaimer
	audit      audit.Sink

	limits         Limits
	definitionTTL  time.Duration
	requestTimeout time.Duration
	attemptTimeout time.Duration
	maxAttempts    int
	retryDelay     time.Duration

	throttle atomic.Pointer[rate.Limiter]

	clock  clock.Clock
	logger *slog.Logger

	inFlight  atomic.Int64
	total     atomic.Int64
	succeeded atomic.Int64
	retries   atomic.Int64
	failures  map[schema.ErrorKind]*atomic.Int64
}

// New returns a Processor. It panics if a required collaborator is
// missing.
func New(cfg Config) *Processor {
	if cfg.Registry == nil || cfg.Cache == nil || cfg.Limiter == nil || cfg.Breaker == nil || cfg.Dispatcher == nil {
		panic("processor: Registry, Cache, Limiter, Breaker, and Dispatcher are required")
	}
	if cfg.DefinitionTTL <= 0 {
		cfg.DefinitionTTL = DefaultDefinitionTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	p := &Processor{
		registry:       cfg.Registry,
		cache:          cfg.Cache,
		limiter:        cfg.Limiter,
		breaker:        cfg.Breaker,
		dispatcher:     cfg.Dispatcher,
		sessions:       cfg.Sessions,
		channels:       cfg.Channels,
		audit:          cfg.Audit,
		limits:         cfg.Limits,
		definitionTTL:  cfg.DefinitionTTL,
		requestTimeout: cfg.RequestTimeout,
		attemptTimeout: cfg.AttemptTimeout,
		maxAttempts:    cfg.MaxRetries,
		retryDelay:     cfg.RetryDelay,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		failures:       make(map[schema.ErrorKind]*atomic.Int64, len(schema.AllErrorKinds)),
	}
	for _, kind := range schema.AllErrorKinds {
		p.failures[kind] = new(atomic.Int64)
	}
	p.SetDispatchRate(cfg.DispatchRate, cfg.DispatchBurst)
	return p
}

// SetDispatchRate replaces the outbound throttle. In-flight waits
// finish against the old limiter.
func (p *Processor) SetDispatchRate(limit rate.Limit, burst int) {
	if limit <= 0 || limit == rate.Inf {
		p.throttle.Store(nil)
		return
	}
	if burst < 1 {
		burst = 1
	}
	p.throttle.Store(rate.NewLimiter(limit, burst))
}

// outcome is what the pipeline produced before bookkeeping.
type outcome struct {
	payload any
	kind    schema.ErrorKind
	err     error
	retries int
}

func failed(kind schema.ErrorKind, err error) outcome {
	return outcome{kind: kind, err: err}
}

// Execute runs request through the pipeline and returns its result.
func (p *Processor) Execute(ctx context.Context, request schema.ExecutionRequest) schema.ExecutionResult {
	start := p.clock.Now()
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	command := request.NormalizedCommand()

	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	result := p.run(ctx, request, command)

	completed := schema.ExecutionResult{
		RequestID:   request.RequestID,
		Command:     command,
		Success:     result.kind == schema.ErrorKindNone,
		Payload:     result.payload,
		ErrorKind:   result.kind,
		Latency:     p.clock.Now().Sub(start),
		RetryCount:  result.retries,
		CompletedAt: p.clock.Now(),
	}
	if result.err != nil {
		completed.Error = result.err.Error()
	}

	p.count(completed)
	p.record(ctx, request, completed)
	p.trackSession(ctx, request, completed)

	if completed.Success {
		p.logger.Info("command executed",
			"request_id", completed.RequestID,
			"command", completed.Command,
			"user_id", request.UserID,
			"retry_count", completed.RetryCount,
			"latency", completed.Latency,
		)
	} else {
		p.logger.Warn("command failed",
			"request_id", completed.RequestID,
			"command", completed.Command,
			"user_id", request.UserID,
			"error_kind", completed.ErrorKind,
			"error", completed.Error,
			"retry_count", completed.RetryCount,
		)
	}
	return completed
}

func (p *Processor) run(ctx context.Context, request schema.ExecutionRequest, command string) (result outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("command pipeline panicked",
				"request_id", request.RequestID,
				"command", command,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			result = failed(schema.ErrorKindInternalError, fmt.Errorf("internal error: %v", recovered))
		}
	}()

	if err := request.Validate(); err != nil {
		return failed(schema.ErrorKindPermanentFailure, fmt.Errorf("malformed request: %w", err))
	}

	if p.channels != nil && request.ChannelID != "" {
		if err := p.channels.Claim(ctx, request.ChannelID); err != nil {
			// An unverifiable claim refuses too. Two nodes never
			// process one channel.
			return failed(schema.ErrorKindDependencyUnavailable, fmt.Errorf("channel ownership: %w", err))
		}
	}

	definition, err := p.definition(ctx, command)
	if errors.Is(err, registry.ErrNotFound) {
		return failed(schema.ErrorKindUnknownCommand, fmt.Errorf("unknown command %q", command))
	}
	if err != nil {
		if ctx.Err() != nil {
			return failed(schema.ErrorKindTimeout, fmt.Errorf("loading definition: %w", err))
		}
		return failed(schema.ErrorKindDependencyUnavailable, fmt.Errorf("command registry: %w", err))
	}
	if !definition.Enabled {
		return failed(schema.ErrorKindUnknownCommand, fmt.Errorf("command %q is disabled", command))
	}

	verdict, err := p.limiter.AllowAll(ctx, p.rules(request, definition)...)
	switch {
	case err != nil:
		// The shared counters are unreachable. Admit the request
		// rather than refuse all traffic.
		p.logger.Warn("rate limiter unavailable, admitting request",
			"request_id", request.RequestID,
			"command", command,
			"error", err,
		)
	case !verdict.Allowed:
		return failed(schema.ErrorKindRateLimited, fmt.Errorf("%s limit reached for %q, retry after %v",
			verdict.Rejected.Scope, command, verdict.RetryAfter.Round(time.Millisecond)))
	}

	return p.dispatchWithRetry(ctx, request, definition)
}

func (p *Processor) definition(ctx context.Context, command string) (schema.CommandDefinition, error) {
	return cache.Load(ctx, p.cache, DefinitionKey(command), p.definitionTTL,
		func(ctx context.Context) (schema.CommandDefinition, error) {
			return p.registry.Fetch(ctx, command)
		})
}

func (p *Processor) rules(request schema.ExecutionRequest, definition schema.CommandDefinition) []ratelimit.Rule {
	var rules []ratelimit.Rule
	add := func(scope ratelimit.Scope, key string, limit Limit) {
		if limit.Limit > 0 && limit.Window > 0 {
			rules = append(rules, ratelimit.Rule{Scope: scope, Key: key, Limit: limit.Limit, Window: limit.Window})
		}
	}
	add(ratelimit.ScopeUser, request.UserID+":"+definition.Name, p.limits.User)
	add(ratelimit.ScopeCommand, definition.Name, p.limits.Command)
	if request.IPAddress != "" {
		add(ratelimit.ScopeIP, request.IPAddress, p.limits.IP)
	}
	if definition.Cooldown > 0 {
		add(ratelimit.ScopeCooldown, request.UserID+":"+definition.Name, Limit{Limit: 1, Window: definition.Cooldown})
	}
	return rules
}

// dispatchWithRetry calls the module until an attempt succeeds, a
// failure is permanent, attempts run out, the breaker opens, or the
// request deadline passes.
func (p *Processor) dispatchWithRetry(ctx context.Context, request schema.ExecutionRequest, definition schema.CommandDefinition) outcome {
	payload := dispatch.NewPayload(request, definition)
	attemptTimeout := p.attemptTimeout
	if definition.Timeout > 0 {
		attemptTimeout = definition.Timeout
	}

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				return outcome{kind: schema.ErrorKindTimeout, err: fmt.Errorf("waiting to retry: %w (last failure: %v)", err, lastErr), retries: attempt - 1}
			}
		}

		if throttle := p.throttle.Load(); throttle != nil {
			if err := throttle.Wait(ctx); err != nil {
				return outcome{kind: schema.ErrorKindTimeout, err: fmt.Errorf("dispatch throttle: %w", err), retries: max(attempt-1, 0)}
			}
		}

		permit, allowed := p.breaker.Allow(definition.Module)
		if !allowed {
			if attempt == 0 {
				return failed(schema.ErrorKindDependencyUnavailable, fmt.Errorf("circuit open for module %q", definition.Module))
			}
			return outcome{
				kind:    schema.ErrorKindTransientFailure,
				err:     fmt.Errorf("circuit opened for module %q after %d attempts: %w", definition.Module, attempt, lastErr),
				retries: attempt - 1,
			}
		}

		payload.Attempt = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		response, err := p.dispatcher.Dispatch(attemptCtx, definition, payload)
		cancel()

		if err == nil {
			permit.Success()
			return outcome{payload: response.Payload, retries: attempt}
		}
		lastErr = err

		if !dispatch.IsTransient(err) {
			// The module answered; it is healthy even though it
			// refused the request.
			permit.Success()
			return outcome{kind: schema.ErrorKindPermanentFailure, err: err, retries: attempt}
		}

		permit.Failure()
		p.logger.Debug("dispatch attempt failed",
			"request_id", request.RequestID,
			"command", definition.Name,
			"module", definition.Module,
			"attempt", attempt,
			"error", err,
		)
		if ctx.Err() != nil {
			return outcome{kind: schema.ErrorKindTimeout, err: fmt.Errorf("request deadline passed: %w", err), retries: attempt}
		}
	}

	return outcome{
		kind:    schema.ErrorKindTransientFailure,
		err:     fmt.Errorf("%d attempts failed: %w", p.maxAttempts, lastErr),
		retries: p.maxAttempts - 1,
	}
}

// backoff waits before the given attempt (1-based retry number).
func (p *Processor) backoff(ctx context.Context, attempt int) error {
	delay := p.retryDelay << (attempt - 1)
	if delay <= 0 {
		return ctx.Err()
	}
	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(rand.Int64N(half))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(delay):
		return nil
	}
}

func (p *Processor) count(result schema.ExecutionResult) {
	p.total.Add(1)
	p.retries.Add(int64(result.RetryCount))
	if result.Success {
		p.succeeded.Add(1)
		return
	}
	if counter, ok := p.failures[result.ErrorKind]; ok {
		counter.Add(1)
	}
}

// record hands the result to the audit sink. The request context may
// already be done, so the write gets its own.
func (p *Processor) record(ctx context.Context, request schema.ExecutionRequest, result schema.ExecutionResult) {
	var payload []byte
	if result.Payload != nil {
		encoded, err := codec.Marshal(result.Payload)
		if err != nil {
			p.logger.Warn("encoding audit payload failed", "request_id", result.RequestID, "error", err)
		} else {
			payload = encoded
		}
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.audit.Record(auditCtx, audit.FromResult(request, result, payload)); err != nil {
		p.logger.Warn("audit record failed",
			"request_id", result.RequestID,
			"command", result.Command,
			"error", err,
		)
	}
}

// trackSession counts the execution against the request's session,
// creating the session on first sight. Failures are logged only.
func (p *Processor) trackSession(ctx context.Context, request schema.ExecutionRequest, result schema.ExecutionResult) {
	if p.sessions == nil || request.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := p.sessions.RecordExecution(ctx, request.SessionID, result.Command)
	if errors.Is(err, session.ErrNotFound) {
		_, err = p.sessions.Create(ctx, request.SessionID, session.Session{
			UserID:      request.UserID,
			CommunityID: request.CommunityID,
		}, 0)
		if err == nil || errors.Is(err, session.ErrExists) {
			_, err = p.sessions.RecordExecution(ctx, request.SessionID, result.Command)
		}
	}
	if err != nil {
		p.logger.Warn("session tracking failed",
			"request_id", result.RequestID,
			"session_id", request.SessionID,
			"error", err,
		)
	}
}

// Stats is a snapshot of the processor's counters.
type Stats struct {
	InFlight  int64                      `json:"in_flight"`
	Total     int64                      `json:"total"`
	Succeeded int64                      `json:"succeeded"`
	Retries   int64                      `json:"retries"`
	Failures  map[schema.ErrorKind]int64 `json:"failures"`
}

func (p *Processor) Stats() Stats {
	stats := Stats{
		InFlight:  p.inFlight.Load(),
		Total:     p.total.Load(),
		Succeeded: p.succeeded.Load(),
		Retries:   p.retries.Load(),
		Failures:  make(map[schema.ErrorKind]int64, len(p.failures)),
	}
	for kind, counter := range p.failures {
		stats.Failures[kind] = counter.Load()
	}
	return stats
}

// InvalidateDefinitions drops cached definitions matching a command
// name pattern ("*" for all) so the next request refetches them.
func (p *Processor) InvalidateDefinitions(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	return p.cache.Invalidate(ctx, definitionKeyPrefix+pattern)
}
