// Package outboundhttp lets guests make HTTP requests to destinations the
// component's allow-list admits. Relative URLs are resolved against the
// inbound request origin; hosts under .spin.internal are routed back into
// the local application instead of the network.
package outboundhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/factors/networking"
	"github.com/spindle-run/spindle/pkg/factors/resource"
	"github.com/spindle-run/spindle/pkg/outbound"
	"github.com/spindle-run/spindle/pkg/telemetry"
)

// FactorName is the registry name of the outbound HTTP factor.
const FactorName = "outbound-http"

// DefaultRequestTimeout bounds one outbound request when the guest does not
// say otherwise.
const DefaultRequestTimeout = 30 * time.Second

// Factor is the outbound HTTP capability factor.
type Factor struct {
	// ChainHandler serves requests addressed to *.spin.internal without
	// touching the network. The HTTP trigger installs itself here.
	ChainHandler http.Handler

	// ResponseTableCapacity bounds live streaming responses per instance.
	ResponseTableCapacity int
}

// Name implements factors.Factor.
func (f *Factor) Name() string { return FactorName }

// Init implements factors.Factor.
func (f *Factor) Init(ctx context.Context, ic factors.InitContext) error {
	return ic.Engine.RegisterHostModule(ctx, hostModule, registerHost)
}

// ConfigureApp implements factors.Factor. The allow-list itself belongs to
// the networking factor; this factor has no configuration of its own.
func (f *Factor) ConfigureApp(_ context.Context, _ factors.ConfigureContext) (factors.AppState, error) {
	return nil, nil
}

// Prepare implements factors.Factor. It captures the networking factor's
// allowed-hosts future so every outbound check in this event shares one
// resolution.
func (f *Factor) Prepare(_ context.Context, pc factors.PrepareContext) (factors.InstanceBuilder, error) {
	sibling, ok := pc.Builder(networking.FactorName)
	if !ok {
		return nil, fmt.Errorf("outbound-http requires the networking factor")
	}
	nb, ok := sibling.(*networking.Builder)
	if !ok {
		return nil, fmt.Errorf("unexpected networking builder type %T", sibling)
	}
	return &Builder{
		componentID:  pc.Component.ID,
		hosts:        nb.AllowedHostsFuture(),
		blocked:      nb.BlockedNetworks(),
		chainHandler: f.ChainHandler,
		capacity:     f.ResponseTableCapacity,
	}, nil
}

// Builder assembles the per-instance outbound HTTP state.
type Builder struct {
	componentID  string
	hosts        func() (*outbound.AllowedHosts, error)
	blocked      outbound.BlockedNetworks
	chainHandler http.Handler
	capacity     int
}

// Build implements factors.InstanceBuilder.
func (b *Builder) Build() (factors.InstanceSlice, error) {
	return &Instance{
		componentID:  b.componentID,
		hosts:        b.hosts,
		blocked:      b.blocked,
		chainHandler: b.chainHandler,
		responses:    resource.NewTable[*http.Response](b.capacity),
	}, nil
}

// Instance is the per-event outbound HTTP state.
type Instance struct {
	componentID  string
	hosts        func() (*outbound.AllowedHosts, error)
	blocked      outbound.BlockedNetworks
	chainHandler http.Handler

	mu         sync.Mutex
	selfOrigin string
	client     *http.Client
	responses  *resource.Table[*http.Response]
}

// SetSelfOrigin records the inbound request origin ("https://host:port")
// that relative outbound URLs resolve against. The HTTP trigger calls this
// before the guest runs; other triggers leave it empty.
func (i *Instance) SetSelfOrigin(origin string) {
	i.mu.Lock()
	i.selfOrigin = origin
	i.mu.Unlock()
}

// httpClient lazily builds the instance-scoped client so connections opened
// by one event never outlive it.
func (i *Instance) httpClient() *http.Client {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.client == nil {
		i.client = &http.Client{
			Transport: &http.Transport{MaxIdleConnsPerHost: 4},
			Timeout:   DefaultRequestTimeout,
		}
	}
	return i.client
}

// resolveDestination turns a raw request URL into an absolute URL, applying
// the self-request rewrite, and checks it against the allow-list.
func (i *Instance) resolveDestination(ctx context.Context, raw string) (string, *requestError) {
	hosts, err := i.hosts()
	if err != nil {
		return "", &requestError{code: codeRuntimeError, detail: err.Error()}
	}

	if outbound.IsRelative(raw) {
		i.mu.Lock()
		origin := i.selfOrigin
		i.mu.Unlock()
		if origin == "" {
			return "", &requestError{code: codeInvalidURL, detail: "relative URL outside an HTTP request context"}
		}
		if !hosts.AllowsRelative([]string{"http", "https"}) {
			i.recordDenial(ctx)
			return "", &requestError{code: codeDestinationNotAllowed, detail: "self is not in allowed_outbound_hosts"}
		}
		return origin + raw, nil
	}

	parsed, err := outbound.ParseOutboundURL(raw)
	if err != nil {
		return "", &requestError{code: codeInvalidURL, detail: raw}
	}
	if !hosts.Allows(parsed) {
		i.recordDenial(ctx)
		return "", &requestError{
			code:   codeDestinationNotAllowed,
			detail: fmt.Sprintf("destination %s://%s is not in allowed_outbound_hosts", parsed.Scheme, parsed.Host),
		}
	}
	// Chained destinations stay in-process; the network guard is for real
	// network destinations only.
	if outbound.ServiceChainingTarget(parsed.Host) == "" {
		if err := i.blocked.CheckHost(ctx, parsed.Host); err != nil {
			i.recordDenial(ctx)
			return "", &requestError{code: codeDestinationNotAllowed, detail: err.Error()}
		}
	}
	return raw, nil
}

func (i *Instance) recordDenial(ctx context.Context) {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordAllowListDenial(FactorName, i.componentID)
	}
}

// RoundTrip performs one outbound request after destination checks.
func (i *Instance) RoundTrip(ctx context.Context, req *http.Request) (*http.Response, *requestError) {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		var span trace.Span
		ctx, span = tel.Tracer.Start(ctx, "outbound.request",
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.host", req.URL.Host),
			))
		defer span.End()
	}

	resolved, rerr := i.resolveDestination(ctx, req.URL.String())
	if rerr != nil {
		return nil, rerr
	}
	u, err := url.Parse(resolved)
	if err != nil {
		return nil, &requestError{code: codeInvalidURL, detail: resolved}
	}
	req.URL = u
	req.Host = u.Host

	if target := outbound.ServiceChainingTarget(u.Host); target != "" {
		return i.chainRoundTrip(ctx, req)
	}

	resp, err := i.httpClient().Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &requestError{code: codeRequestError, detail: "request deadline exceeded"}
		}
		return nil, &requestError{code: codeRequestError, detail: err.Error()}
	}
	return resp, nil
}

// chainRoundTrip serves a *.spin.internal request through the local trigger.
func (i *Instance) chainRoundTrip(ctx context.Context, req *http.Request) (*http.Response, *requestError) {
	if i.chainHandler == nil {
		return nil, &requestError{code: codeRuntimeError, detail: "service chaining is not available"}
	}
	rec := newResponseRecorder()
	i.chainHandler.ServeHTTP(rec, req.WithContext(ctx))
	return rec.response(req), nil
}

// trackResponse stores a streaming response and returns its handle.
func (i *Instance) trackResponse(resp *http.Response) (uint32, *requestError) {
	i.mu.Lock()
	defer i.mu.Unlock()
	handle, err := i.responses.Push(resp)
	if err != nil {
		return 0, &requestError{code: codeTooManyRequests, detail: "response table full"}
	}
	return handle, nil
}

func (i *Instance) response(handle uint32) (*http.Response, *requestError) {
	i.mu.Lock()
	defer i.mu.Unlock()
	resp, ok := i.responses.Get(handle)
	if !ok {
		return nil, &requestError{code: codeRuntimeError, detail: fmt.Sprintf("invalid response handle %d", handle)}
	}
	return resp, nil
}

func (i *Instance) dropResponse(handle uint32) *requestError {
	i.mu.Lock()
	defer i.mu.Unlock()
	resp, ok := i.responses.Remove(handle)
	if !ok {
		return &requestError{code: codeRuntimeError, detail: fmt.Sprintf("invalid response handle %d", handle)}
	}
	_ = resp.Body.Close()
	return nil
}

// Close implements factors.Closer; open responses and idle connections are
// torn down with the instance.
func (i *Instance) Close(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, resp := range i.responses.Drain() {
		_ = resp.Body.Close()
	}
	if i.client != nil {
		if t, ok := i.client.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
	return nil
}

func instanceFromContext(ctx context.Context) (*Instance, error) {
	state := factors.InstanceFromContext(ctx)
	if state == nil {
		return nil, fmt.Errorf("no instance in context")
	}
	return factors.GetSlice[*Instance](state, FactorName)
}

// responseRecorder captures a chained handler's response so it can be
// replayed as an *http.Response.
type responseRecorder struct {
	status int
	header http.Header
	body   strings.Builder
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header         { return r.header }
func (r *responseRecorder) WriteHeader(status int)      { r.status = status }
func (r *responseRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (r *responseRecorder) response(req *http.Request) *http.Response {
	body := r.body.String()
	return &http.Response{
		StatusCode:    r.status,
		Status:        fmt.Sprintf("%d %s", r.status, http.StatusText(r.status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
