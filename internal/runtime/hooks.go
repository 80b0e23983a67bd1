package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/deviceflow/internal/runtime/logging"
)

// JobContext describes one module invocation to hooks.
type JobContext struct {
	// Module is the name the module was registered under.
	Module string
	// Kind is KindHandle, KindSample or KindStartup.
	Kind string
	// Topic and MessageID identify the inbound frame for KindHandle.
	Topic     string
	MessageID string
	// DispatchID correlates the log lines and span of one invocation.
	DispatchID string
	Metadata   message.Metadata
	Context    context.Context
	StartedAt  time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks defines callbacks for invocation lifecycle events. Nil hooks are
// skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after those of h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware runs hooks around every module invocation.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			jobCtx := JobContext{
				Module:     msg.Metadata.Get(MetadataModule),
				Kind:       msg.Metadata.Get(MetadataKind),
				Topic:      msg.Metadata.Get(MetadataTopic),
				MessageID:  msg.Metadata.Get(MetadataMessageID),
				DispatchID: msg.Metadata.Get(MetadataDispatchID),
				Metadata:   msg.Metadata,
				Context:    msg.Context(),
				StartedAt:  time.Now(),
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return msgs, err
		}
	}
}

// LoggingHooks logs invocation starts at debug level and outcomes at info or
// error level.
func LoggingHooks(logger logging.Logger) JobHooks {
	fields := func(ctx JobContext) logging.LogFields {
		f := logging.LogFields{
			"module":      ctx.Module,
			"kind":        ctx.Kind,
			"dispatch_id": ctx.DispatchID,
		}
		if ctx.MessageID != "" {
			f["message_id"] = ctx.MessageID
		}
		if ctx.Duration > 0 {
			f["duration_ms"] = ctx.Duration.Milliseconds()
		}
		return f
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", fields(ctx))
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, fields(ctx))
		},
	}
}

// MetricsHooks forwards invocation events to counters keyed by module and kind.
func MetricsHooks(onStart, onDone, onError func(module, kind string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Module, ctx.Kind)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Module, ctx.Kind)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Module, ctx.Kind)
			}
		},
	}
}

// AlertingHooks calls alertFunc for every failed invocation.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
