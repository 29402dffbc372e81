// Package tracing turns fork and page fault events into OpenTelemetry
// spans. Spans are driven entirely by the event bus, so the fork core never
// sees a tracer.
package tracing

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/kahiteam/cowfork/internal/events"
)

const instrumentation = "github.com/kahiteam/cowfork"

// Provider owns a tracer provider and the spans that are still open.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	out    io.Closer

	mu   sync.Mutex
	open map[spanKey][]trace.Span
}

type spanKey struct {
	env  string
	kind string
}

const (
	kindFork  = "fork"
	kindFault = "fault"
)

// New returns a provider that hands every finished span to exporter.
func New(exporter sdktrace.SpanExporter, version string) (*Provider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "cowfork"),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(instrumentation),
		open:   make(map[spanKey][]trace.Span),
	}, nil
}

// Open returns a provider writing spans as JSON to path, or to stdout when
// path is "-".
func Open(path, version string) (*Provider, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		w, closer = f, f
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	p, err := New(exporter, version)
	if err != nil {
		return nil, err
	}
	p.out = closer
	return p, nil
}

// Shutdown ends spans left open, flushes the exporter, and closes the
// output file.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	for k, stack := range p.open {
		for _, s := range stack {
			s.SetStatus(codes.Error, "unfinished")
			s.End()
		}
		delete(p.open, k)
	}
	p.mu.Unlock()

	err := p.tp.Shutdown(ctx)
	if p.out != nil {
		err = errors.Join(err, p.out.Close())
	}
	return err
}

// Attach subscribes p to bus and returns a function that detaches it.
func (p *Provider) Attach(bus *events.Bus) func() {
	ids := []uint64{
		bus.Subscribe(p.forkStarted, events.ForkStarted),
		bus.Subscribe(p.pageReplicated, events.PageReplicated),
		bus.Subscribe(p.forkRolledBack, events.ForkRolledBack),
		bus.Subscribe(p.forkCompleted, events.ForkCompleted),
		bus.Subscribe(p.forkFailed, events.ForkFailed),
		bus.Subscribe(p.faultDelivered, events.PageFault),
		bus.Subscribe(p.faultResolved, events.FaultResolved),
		bus.Subscribe(p.faultFatal, events.FaultFatal),
		bus.Subscribe(p.envDestroyed, events.EnvDestroyed),
	}
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}

func (p *Provider) start(e events.Event, kind, name string, attrs ...attribute.KeyValue) {
	attrs = append(attrs, attribute.String("env", e.Data["env"]))
	_, span := p.tracer.Start(context.Background(), name,
		trace.WithTimestamp(e.Timestamp),
		trace.WithAttributes(attrs...),
	)
	k := spanKey{e.Data["env"], kind}
	p.mu.Lock()
	p.open[k] = append(p.open[k], span)
	p.mu.Unlock()
}

// top returns the innermost open span of kind for the event's env.
func (p *Provider) top(e events.Event, kind string) trace.Span {
	p.mu.Lock()
	defer p.mu.Unlock()
	stack := p.open[spanKey{e.Data["env"], kind}]
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

// finish ends the innermost open span of kind. A non-empty msg marks it
// failed.
func (p *Provider) finish(e events.Event, kind, msg string) {
	k := spanKey{e.Data["env"], kind}
	p.mu.Lock()
	stack := p.open[k]
	if len(stack) == 0 {
		p.mu.Unlock()
		return
	}
	span := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(p.open, k)
	} else {
		p.open[k] = stack[:len(stack)-1]
	}
	p.mu.Unlock()

	if msg != "" {
		span.RecordError(errors.New(msg), trace.WithTimestamp(e.Timestamp))
		span.SetStatus(codes.Error, msg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Timestamp))
}

func (p *Provider) forkStarted(e events.Event) {
	mode := e.Data["mode"]
	p.start(e, kindFork, "fork."+mode, attribute.String("mode", mode))
}

func (p *Provider) pageReplicated(e events.Event) {
	if s := p.top(e, kindFork); s != nil {
		s.AddEvent("page replicated", trace.WithTimestamp(e.Timestamp), trace.WithAttributes(
			attribute.String("va", e.Data["va"]),
			attribute.String("policy", e.Data["policy"]),
		))
	}
}

func (p *Provider) forkRolledBack(e events.Event) {
	if s := p.top(e, kindFork); s != nil {
		s.AddEvent("partial child destroyed", trace.WithTimestamp(e.Timestamp),
			trace.WithAttributes(attribute.String("child", e.Data["child"])))
	}
}

func (p *Provider) forkCompleted(e events.Event) {
	if s := p.top(e, kindFork); s != nil {
		s.SetAttributes(attribute.String("child", e.Data["child"]))
	}
	p.finish(e, kindFork, "")
}

func (p *Provider) forkFailed(e events.Event) {
	p.finish(e, kindFork, e.Data["error"])
}

func (p *Provider) faultDelivered(e events.Event) {
	p.start(e, kindFault, "page_fault",
		attribute.String("va", e.Data["va"]),
		attribute.String("cause", e.Data["cause"]),
	)
}

func (p *Provider) faultResolved(e events.Event) {
	p.finish(e, kindFault, "")
}

func (p *Provider) faultFatal(e events.Event) {
	p.finish(e, kindFault, e.Data["error"])
}

// envDestroyed closes whatever the env left open; it will never finish.
func (p *Provider) envDestroyed(e events.Event) {
	reason := e.Data["reason"]
	for _, kind := range []string{kindFault, kindFork} {
		for p.top(e, kind) != nil {
			p.finish(e, kind, "env destroyed: "+reason)
		}
	}
}
