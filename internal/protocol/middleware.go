package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/systerd/internal/audit"
	"github.com/basket/systerd/internal/mode"
	sysotel "github.com/basket/systerd/internal/otel"
	"github.com/basket/systerd/internal/permission"
	"github.com/basket/systerd/internal/registry"
	"github.com/basket/systerd/internal/shared"
)

// Call is the per-invocation state threaded through the interceptor chain.
// Interceptors may fill in fields for the ones that run after them.
type Call struct {
	Tool    string
	Args    json.RawMessage
	Level   permission.Level
	Mode    mode.Mode
	Pending bool
	Started time.Time
}

// Invoker runs a call.
type Invoker func(ctx context.Context, call *Call) (any, error)

// Interceptor wraps an Invoker with before/after behavior.
type Interceptor func(next Invoker) Invoker

// Chain composes interceptors around final. The first interceptor is the
// outermost.
func Chain(final Invoker, interceptors ...Interceptor) Invoker {
	for i := len(interceptors) - 1; i >= 0; i-- {
		final = interceptors[i](final)
	}
	return final
}

// PermissionInterceptor reloads the permission file, blocks DISABLED
// operations and flags AI_ASK calls as approval-pending when the current
// mode requires approval. Approval is advisory: the call proceeds.
func PermissionInterceptor(perms *permission.Store, modes *mode.Controller, logger *slog.Logger) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *Call) (any, error) {
			if err := perms.Load(); err != nil {
				logger.Warn("permission reload failed, using cached levels", "error", err)
			}
			call.Level = perms.Check(call.Tool)
			if !call.Level.Allows() {
				return nil, PermissionDenied(call.Tool, call.Level.Name())
			}
			if modes != nil {
				policy := modes.Policy()
				call.Mode = policy.Name
				if call.Level == permission.AIAsk && policy.ApprovalRequired {
					call.Pending = true
					logger.Info("tool call pending approval (advisory)",
						"tool", call.Tool, "mode", policy.Name, "trace_id", shared.TraceID(ctx))
				}
			}
			return next(ctx, call)
		}
	}
}

// ValidationInterceptor checks arguments against the tool's input schema.
func ValidationInterceptor(reg *registry.Registry) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *Call) (any, error) {
			if err := reg.Validate(call.Tool, call.Args); err != nil {
				return nil, invalidParams(call.Tool, err)
			}
			return next(ctx, call)
		}
	}
}

// AuditInterceptor records every call, including denied ones, to trail.
func AuditInterceptor(trail *audit.Trail) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *Call) (any, error) {
			result, err := next(ctx, call)
			entry := audit.Entry{
				Tool:       call.Tool,
				Decision:   audit.DecisionAllow,
				Permission: string(call.Level),
				Mode:       string(call.Mode),
				Outcome:    outcomeOf(err),
				DurationMS: time.Since(call.Started).Milliseconds(),
				Args:       argsMap(call.Args),
			}
			if call.Pending {
				entry.Decision = audit.DecisionPending
			}
			var pe *Error
			if errors.As(err, &pe) && pe.Kind == KindPermission {
				entry.Decision = audit.DecisionDeny
			}
			if err != nil {
				entry.Reason = err.Error()
			}
			trail.Record(ctx, entry)
			return result, err
		}
	}
}

// TimeoutInterceptor bounds a call by d. The handler runs on its own
// goroutine so a handler that ignores its context cannot hold the caller
// past the bound.
func TimeoutInterceptor(d time.Duration) Interceptor {
	return func(next Invoker) Invoker {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, call *Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type outcome struct {
				result any
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				var o outcome
				defer func() {
					if r := recover(); r != nil {
						o = outcome{err: panicError(call.Tool, r)}
					}
					done <- o
				}()
				o.result, o.err = next(ctx, call)
			}()

			select {
			case o := <-done:
				if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
					return nil, Timeout(call.Tool, d)
				}
				return o.result, o.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, Timeout(call.Tool, d)
				}
				return nil, ctx.Err()
			}
		}
	}
}

// TelemetryInterceptor wraps each call in a span, records duration and
// outcome metrics, and logs the result.
func TelemetryInterceptor(tracer trace.Tracer, metrics *sysotel.Metrics, logger *slog.Logger) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *Call) (any, error) {
			var span trace.Span
			if tracer != nil {
				ctx, span = sysotel.StartSpan(ctx, tracer, "tool "+call.Tool, sysotel.AttrToolName.String(call.Tool))
				defer span.End()
			}
			result, err := next(ctx, call)
			d := time.Since(call.Started)
			outcome := outcomeOf(err)
			metrics.RecordToolCall(ctx, call.Tool, outcome, d)
			if span != nil {
				span.SetAttributes(sysotel.AttrPermission.String(string(call.Level)), sysotel.AttrOutcome.String(outcome))
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
			}
			attrs := []any{"tool", call.Tool, "outcome", outcome, "duration_ms", d.Milliseconds(), "trace_id", shared.TraceID(ctx)}
			if err != nil {
				logger.Warn("tool call failed", append(attrs, "error", err)...)
			} else {
				logger.Info("tool call", attrs...)
			}
			return result, err
		}
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	var pe *Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindPermission:
			return "denied"
		case KindTimeout:
			return "timeout"
		}
		if pe.Code == CodeInvalidParams {
			return "invalid_params"
		}
	}
	return "error"
}

func invalidParams(tool string, err error) *Error {
	return &Error{
		Kind:    KindInput,
		Code:    CodeInvalidParams,
		Message: fmt.Sprintf("Invalid arguments for tool %s: %v", tool, err),
		Details: map[string]any{"tool": tool},
		Cause:   err,
	}
}

func panicError(tool string, r any) *Error {
	return &Error{
		Kind:    KindTool,
		Code:    CodeToolExecutionFailed,
		Message: fmt.Sprintf("Tool execution failed: panic: %v", r),
		Details: map[string]any{"tool": tool, "type": "panic"},
	}
}

func argsMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
