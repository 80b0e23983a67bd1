package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/deviceflow/internal/runtime/ids"
	"github.com/drblury/deviceflow/internal/runtime/logging"
)

// Metadata keys set on every invocation message.
const (
	MetadataModule     = "module"
	MetadataKind       = "kind"
	MetadataTopic      = "topic"
	MetadataMessageID  = "message_id"
	MetadataDispatchID = "dispatch_id"
)

const tracerName = "github.com/drblury/deviceflow/dispatch"

// MiddlewareBuilder constructs a handler middleware for a dispatcher.
type MiddlewareBuilder func(*Dispatcher) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures one link of the invocation chain. Either
// Middleware or Builder must be set; a Builder returning nil is skipped.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain every module invocation runs through,
// outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		DispatchIDMiddleware(),
		LogInvocationsMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		StatsMiddleware(),
		TimeoutMiddleware(),
		RecovererMiddleware(),
	}
}

// DispatchIDMiddleware stamps each invocation with a ULID.
func DispatchIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "dispatch_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(MetadataDispatchID) == "" {
					msg.Metadata.Set(MetadataDispatchID, ids.New())
				}
				return h(msg)
			}
		},
	}
}

// LogInvocationsMiddleware logs every invocation at debug level. A nil logger
// uses the dispatcher's.
func LogInvocationsMiddleware(logger logging.Logger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_invocations",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = d.logger
			}
			if l == nil {
				return nil, errors.New("log invocations middleware requires a logger")
			}
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					l.Debug("Invoking module", logging.LogFields{
						"module":      msg.Metadata.Get(MetadataModule),
						"kind":        msg.Metadata.Get(MetadataKind),
						"topic":       msg.Metadata.Get(MetadataTopic),
						"message_id":  msg.Metadata.Get(MetadataMessageID),
						"dispatch_id": msg.Metadata.Get(MetadataDispatchID),
					})
					return h(msg)
				}
			}, nil
		},
	}
}

// TracerMiddleware wraps every invocation in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				ctx, span := otel.Tracer(tracerName).Start(
					msg.Context(),
					"module."+msg.Metadata.Get(MetadataKind),
				)
				defer span.End()
				msg.SetContext(ctx)

				span.SetAttributes(
					attribute.String("deviceflow.module", msg.Metadata.Get(MetadataModule)),
					attribute.String("deviceflow.dispatch_id", msg.Metadata.Get(MetadataDispatchID)),
					attribute.String("smartrest.topic", msg.Metadata.Get(MetadataTopic)),
					attribute.String("smartrest.message_id", msg.Metadata.Get(MetadataMessageID)),
				)
				msgs, err := h(msg)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				return msgs, err
			}
		},
	}
}

// MetricsMiddleware records invocation counts and durations in Prometheus.
// It is skipped when the dispatcher has no metrics.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			if d.metrics == nil {
				return nil, nil
			}
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					start := time.Now()
					msgs, err := h(msg)
					d.metrics.recordInvocation(msg.Metadata.Get(MetadataModule), msg.Metadata.Get(MetadataKind), time.Since(start), err)
					return msgs, err
				}
			}, nil
		},
	}
}

// StatsMiddleware feeds the per-module statistics shown by the status API.
func StatsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "stats",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					name := msg.Metadata.Get(MetadataModule)
					stats := d.statsFor(name)
					stats.onStart(d.queueDepth(name))
					start := time.Now()
					msgs, err := h(msg)
					stats.onFinish(time.Since(start), err, d.opts.ErrorClassifier)
					return msgs, err
				}
			}, nil
		},
	}
}

// TimeoutMiddleware bounds the context of every invocation by the
// dispatcher's handler timeout. Modules must honour the context.
func TimeoutMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			if d.opts.HandlerTimeout <= 0 {
				return nil, nil
			}
			return middleware.Timeout(d.opts.HandlerTimeout), nil
		},
	}
}

// RecovererMiddleware converts module panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// buildChain resolves the registrations and composes them around the
// terminal handler, first registration outermost.
func (d *Dispatcher) buildChain(regs []MiddlewareRegistration, terminal message.HandlerFunc) (message.HandlerFunc, error) {
	resolved := make([]message.HandlerMiddleware, 0, len(regs))
	for _, reg := range regs {
		var mw message.HandlerMiddleware
		switch {
		case reg.Middleware != nil:
			mw = reg.Middleware
		case reg.Builder != nil:
			var err error
			if mw, err = reg.Builder(d); err != nil {
				return nil, err
			}
		default:
			return nil, errors.New("middleware registration requires Middleware or Builder")
		}
		if mw != nil {
			resolved = append(resolved, mw)
		}
	}

	h := terminal
	for i := len(resolved) - 1; i >= 0; i-- {
		h = resolved[i](h)
	}
	return h, nil
}
