// Package pipeline runs a request through the six processing stages:
// ingress hands an envelope in, the router binds it, the transformer encodes
// it, the protocol validator guards the boundary, the compatibility adapter
// applies provider quirks, and dispatch opens the upstream connection. The
// response ascends the same stages in reverse.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/compat"
	"github.com/quenya/palantir/internal/dispatch"
	"github.com/quenya/palantir/internal/protocol"
	"github.com/quenya/palantir/internal/route"
	"github.com/quenya/palantir/internal/telemetry"
	"github.com/quenya/palantir/internal/translate/codewhisperer"
	"github.com/quenya/palantir/internal/translate/gemini"
	"github.com/quenya/palantir/internal/translate/openai"
)

// maxResponseBody caps buffered upstream responses at 32 MB.
const maxResponseBody = 32 << 20

// Pipeline owns the stage stack. It is immutable after construction and safe
// for concurrent use.
type Pipeline struct {
	table    *route.Table
	disp     *dispatch.Dispatcher
	adapters map[string]compat.Adapter
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New builds the pipeline over a materialized routing table. One
// compatibility adapter is instantiated per provider instance. metrics may
// be nil in tests.
func New(table *route.Table, disp *dispatch.Dispatcher, metrics *telemetry.Metrics, logger *slog.Logger) *Pipeline {
	adapters := map[string]compat.Adapter{}
	for _, name := range table.Routes() {
		for _, b := range table.Bindings(name) {
			if _, ok := adapters[b.Provider]; ok {
				continue
			}
			adapters[b.Provider] = compat.New(b.Adapter, compat.Options{
				Endpoint: b.Endpoint,
				ModelMap: modelMapFromSettings(b.Settings),
			})
		}
	}
	return &Pipeline{
		table:    table,
		disp:     disp,
		adapters: adapters,
		metrics:  metrics,
		tracer:   telemetry.Tracer("palantir/pipeline"),
		logger:   logger,
	}
}

// modelMapFromSettings lifts "model.<from>" settings entries into an
// adapter remap table.
func modelMapFromSettings(settings map[string]string) map[string]string {
	var m map[string]string
	for k, v := range settings {
		if name, ok := strings.CutPrefix(k, "model."); ok {
			if m == nil {
				m = map[string]string{}
			}
			m[name] = v
		}
	}
	return m
}

// Execute runs a non-streaming request through all stages and returns the
// translated Anthropic response.
func (p *Pipeline) Execute(ctx context.Context, env *gateway.Envelope, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
	b, payload, err := p.descend(ctx, env, req)
	if err != nil {
		return nil, err
	}

	res, err := p.dispatchStage(ctx, env, b, payload, false)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read upstream body: %v", gateway.ErrUpstreamTransient, err)
	}

	_, span := p.tracer.Start(ctx, "compat.normalize",
		trace.WithAttributes(attribute.String("provider", b.Provider)))
	body, err = p.adapters[b.Provider].NormalizeResponse(body)
	span.End()
	if err != nil {
		return nil, err
	}

	_, span = p.tracer.Start(ctx, "transform.decode",
		trace.WithAttributes(attribute.String("dialect", string(b.Dialect))))
	resp, partial, err := decodeResponse(b.Dialect, body, b.Model)
	span.End()
	if err != nil {
		return nil, err
	}
	env.Partial = partial
	if partial {
		p.logger.LogAttrs(ctx, slog.LevelWarn, "tool arguments kept raw after failed repair",
			slog.String("request_id", env.RequestID),
			slog.String("provider", b.Provider),
			slog.String("model", b.Model))
	}
	resp.ID = messageID(env)

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	if err := protocol.ValidateResponse(out); err != nil {
		p.countLeak(b.Dialect)
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.TokensProcessed.WithLabelValues(b.Model, "input").Add(float64(resp.Usage.InputTokens))
		p.metrics.TokensProcessed.WithLabelValues(b.Model, "output").Add(float64(resp.Usage.OutputTokens))
	}
	return resp, nil
}

// ExecuteStream runs a streaming request through the descent stages and
// returns the channel of Anthropic stream events. The channel is closed
// after the terminal event; the decoder owns the upstream body. Compat
// response normalization needs the complete body and does not apply to
// streamed responses.
func (p *Pipeline) ExecuteStream(ctx context.Context, env *gateway.Envelope, req *gateway.MessagesRequest) (<-chan gateway.StreamEvent, error) {
	b, payload, err := p.descend(ctx, env, req)
	if err != nil {
		return nil, err
	}

	res, err := p.dispatchStage(ctx, env, b, payload, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamEvent, 32)
	id := messageID(env)
	switch b.Dialect {
	case gateway.DialectGemini:
		go gemini.ReadStream(ctx, res.Body, id, b.Model, ch)
	case gateway.DialectCodeWhisperer:
		go codewhisperer.ReadStream(ctx, res.Body, id, b.Model, ch)
	default:
		go openai.ReadStream(ctx, res.Body, id, b.Model, ch)
	}
	return ch, nil
}

// descend runs the router, transformer, protocol, and compatibility stages.
func (p *Pipeline) descend(ctx context.Context, env *gateway.Envelope, req *gateway.MessagesRequest) (*route.Binding, []byte, error) {
	_, span := p.tracer.Start(ctx, "route.resolve")
	explicit := ""
	if req.Metadata != nil {
		explicit = req.Metadata.VirtualRoute
	}
	routeName, err := p.table.ResolveVirtualRoute(req.Model, explicit)
	if err != nil {
		span.End()
		return nil, nil, err
	}
	env.VirtualRoute = routeName
	b, err := p.table.Select(routeName)
	span.End()
	if err != nil {
		return nil, nil, err
	}

	p.logger.LogAttrs(ctx, slog.LevelDebug, "request bound",
		slog.String("request_id", env.RequestID),
		slog.String("route", routeName),
		slog.String("provider", b.Provider),
		slog.String("model", b.Model))

	_, span = p.tracer.Start(ctx, "transform.encode",
		trace.WithAttributes(attribute.String("dialect", string(b.Dialect))))
	payload, err := encodeRequest(b, env, req)
	span.End()
	if err != nil {
		return nil, nil, err
	}

	_, span = p.tracer.Start(ctx, "protocol.validate")
	err = protocol.ValidateRequest(b.Dialect, payload)
	span.End()
	if err != nil {
		p.countLeak(b.Dialect)
		p.logger.LogAttrs(ctx, slog.LevelError, "protocol leak",
			slog.String("request_id", env.RequestID),
			slog.String("dialect", string(b.Dialect)),
			slog.String("error", err.Error()))
		return nil, nil, err
	}

	compatCtx, span := p.tracer.Start(ctx, "compat.prepare",
		trace.WithAttributes(attribute.String("provider", b.Provider)))
	payload, err = p.adapters[b.Provider].PrepareRequest(compatCtx, payload)
	span.End()
	if err != nil {
		return nil, nil, err
	}

	return b, payload, nil
}

// dispatchStage opens the upstream connection and records its metrics.
func (p *Pipeline) dispatchStage(ctx context.Context, env *gateway.Envelope, b *route.Binding, payload []byte, stream bool) (*dispatch.Result, error) {
	ctx, span := p.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("provider", b.Provider),
			attribute.String("model", b.Model),
			attribute.Bool("stream", stream)))
	start := time.Now()
	res, err := p.disp.Do(ctx, b, payload, stream)
	span.End()

	if p.metrics != nil {
		p.metrics.UpstreamDuration.WithLabelValues(b.Provider, b.Model).Observe(time.Since(start).Seconds())
		if res != nil {
			p.metrics.DispatchAttempts.WithLabelValues(b.Provider).Observe(float64(res.Attempts))
		}
	}
	if err != nil {
		p.logger.LogAttrs(ctx, slog.LevelWarn, "dispatch failed",
			slog.String("request_id", env.RequestID),
			slog.String("provider", b.Provider),
			slog.String("error", err.Error()))
		return nil, err
	}
	return res, nil
}

// encodeRequest converts the canonical request into the binding's dialect.
func encodeRequest(b *route.Binding, env *gateway.Envelope, req *gateway.MessagesRequest) ([]byte, error) {
	switch b.Dialect {
	case gateway.DialectGemini:
		return gemini.EncodeRequest(req, b.Model)
	case gateway.DialectCodeWhisperer:
		return codewhisperer.EncodeRequest(req, b.Model, b.Settings["profileArn"], env.ConversationID)
	default:
		return openai.EncodeRequest(req, b.Model)
	}
}

// decodeResponse converts a buffered dialect response back to the canonical
// shape. The bool reports a degraded (partially repaired) translation.
func decodeResponse(dialect gateway.Dialect, body []byte, model string) (*gateway.MessagesResponse, bool, error) {
	switch dialect {
	case gateway.DialectGemini:
		return gemini.DecodeResponse(body, model)
	case gateway.DialectCodeWhisperer:
		return codewhisperer.DecodeResponse(body, model)
	default:
		return openai.DecodeResponse(body, model)
	}
}

func (p *Pipeline) countLeak(dialect gateway.Dialect) {
	if p.metrics != nil {
		p.metrics.ProtocolLeaks.WithLabelValues(string(dialect)).Inc()
	}
}

// messageID derives the Anthropic message id from the request identity.
func messageID(env *gateway.Envelope) string {
	return "msg_" + strings.ReplaceAll(env.RequestID, ":", "-")
}
