package cloud

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/telemetry"
)

// Call results recorded by Instrumented.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
	ResultError  = "error"
)

// Instrumented decorates a Controller with a span, a metric sample and a
// debug log line per call.
type Instrumented struct {
	next     Controller
	provider string
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
}

// NewInstrumented wraps next. Nil metrics or tracer disable that concern.
func NewInstrumented(next Controller, provider string, metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger zerolog.Logger) *Instrumented {
	return &Instrumented{
		next:     next,
		provider: provider,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With().Str("component", "cloud").Str("provider", provider).Logger(),
	}
}

// Unwrap returns the decorated controller.
func (c *Instrumented) Unwrap() Controller {
	return c.next
}

func (c *Instrumented) begin(ctx context.Context, op, resource string) (context.Context, trace.Span, time.Time) {
	ctx, span := c.tracer.StartCloudSpan(ctx, c.provider, op)
	if resource != "" {
		span.SetAttributes(telemetry.AttrTargetHost.String(resource))
	}
	return ctx, span, time.Now()
}

func (c *Instrumented) end(span trace.Span, op, resource string, start time.Time, ok bool, err error) {
	defer span.End()

	result := ResultOK
	switch {
	case err != nil:
		result = ResultError
		telemetry.RecordError(span, err)
	case !ok:
		result = ResultFailed
	default:
		telemetry.RecordSuccess(span)
	}

	d := time.Since(start)
	c.metrics.RecordCloudCall(op, result, d)
	c.logger.Debug().
		Str("operation", op).
		Str("resource", resource).
		Str("result", result).
		Dur("duration", d).
		Err(err).
		Msg("Cloud call finished")
}

// StartNode implements Controller.
func (c *Instrumented) StartNode(ctx context.Context, group *model.NodeGroup, node *model.Node) (string, error) {
	ctx, span, start := c.begin(ctx, OpStartNode, node.Hostname())
	ip, err := c.next.StartNode(ctx, group, node)
	c.end(span, OpStartNode, node.Hostname(), start, ip != "", err)
	return ip, err
}

// TerminateNode implements Controller.
func (c *Instrumented) TerminateNode(ctx context.Context, node *model.Node) (bool, error) {
	ctx, span, start := c.begin(ctx, OpTerminateNode, node.Hostname())
	ok, err := c.next.TerminateNode(ctx, node)
	c.end(span, OpTerminateNode, node.Hostname(), start, ok, err)
	return ok, err
}

// RestartNode implements Controller.
func (c *Instrumented) RestartNode(ctx context.Context, node *model.Node) (bool, error) {
	ctx, span, start := c.begin(ctx, OpRestartNode, node.Hostname())
	ok, err := c.next.RestartNode(ctx, node)
	c.end(span, OpRestartNode, node.Hostname(), start, ok, err)
	return ok, err
}

// ReplicateNode implements Controller.
func (c *Instrumented) ReplicateNode(ctx context.Context, group *model.NodeGroup, original *model.Node) (*model.Node, error) {
	ctx, span, start := c.begin(ctx, OpReplicateNode, original.Hostname())
	replica, err := c.next.ReplicateNode(ctx, group, original)
	c.end(span, OpReplicateNode, original.Hostname(), start, replica != nil, err)
	return replica, err
}

// StartApplication implements Controller.
func (c *Instrumented) StartApplication(ctx context.Context, app *model.Application, group *model.ScalingGroup) (string, error) {
	ctx, span, start := c.begin(ctx, OpStartApplication, app.ElementID())
	pid, err := c.next.StartApplication(ctx, app, group)
	c.end(span, OpStartApplication, app.ElementID(), start, pid != "", err)
	return pid, err
}

// TerminateApplication implements Controller.
func (c *Instrumented) TerminateApplication(ctx context.Context, app *model.Application, group *model.ScalingGroup) (bool, error) {
	ctx, span, start := c.begin(ctx, OpTerminateApplication, app.ElementID())
	ok, err := c.next.TerminateApplication(ctx, app, group)
	c.end(span, OpTerminateApplication, app.ElementID(), start, ok, err)
	return ok, err
}

// MigrateApplication implements Controller.
func (c *Instrumented) MigrateApplication(ctx context.Context, app *model.Application, target *model.Node, group *model.ScalingGroup) (bool, error) {
	ctx, span, start := c.begin(ctx, OpMigrateApplication, app.ElementID())
	ok, err := c.next.MigrateApplication(ctx, app, target, group)
	c.end(span, OpMigrateApplication, app.ElementID(), start, ok, err)
	return ok, err
}

// RestartApplication implements Controller.
func (c *Instrumented) RestartApplication(ctx context.Context, app *model.Application, group *model.ScalingGroup) (bool, error) {
	ctx, span, start := c.begin(ctx, OpRestartApplication, app.ElementID())
	ok, err := c.next.RestartApplication(ctx, app, group)
	c.end(span, OpRestartApplication, app.ElementID(), start, ok, err)
	return ok, err
}

// RetrieveRunningNodeCount implements Controller.
func (c *Instrumented) RetrieveRunningNodeCount(ctx context.Context) (int, error) {
	ctx, span, start := c.begin(ctx, OpRetrieveRunningNodeCount, "")
	n, err := c.next.RetrieveRunningNodeCount(ctx)
	c.end(span, OpRetrieveRunningNodeCount, "", start, err == nil, err)
	return n, err
}
