// Package httptrigger serves inbound HTTP events: requests are routed
// through a prefix trie to a component, executed either against the guest's
// request handler export or as a wagi CGI program, and the route match is
// surfaced to the guest through injected headers.
package httptrigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/sys"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/engine"
	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/factors/outboundhttp"
	"github.com/spindle-run/spindle/pkg/outbound"
	"github.com/spindle-run/spindle/pkg/telemetry"
	"github.com/spindle-run/spindle/pkg/trigger"
)

// TriggerType labels this trigger in metrics and logs.
const TriggerType = "http"

// handlerExport is the guest function the http executor calls. It receives
// a request envelope and returns a packed (ptr << 32 | len) pointing at the
// response envelope.
const handlerExport = "handle_http_request"

// shutdownGrace bounds graceful shutdown once the run context ends.
const shutdownGrace = 10 * time.Second

// Trigger is the HTTP server for one application.
type Trigger struct {
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	executor *trigger.Executor
	router   *Router
	app      *app.App

	basePath   string
	listenAddr string

	mu         sync.RWMutex
	selfOrigin string
}

// triggerConfig is the trigger-specific slice of a resolved trigger entry.
type triggerConfig struct {
	Route    string `json:"route"`
	Executor string `json:"executor"`
}

// New builds the trigger from the application's http trigger entries.
func New(tel *telemetry.Telemetry, exec *trigger.Executor, a *app.App, listenAddr string) (*Trigger, error) {
	t := &Trigger{
		tel:        tel,
		logger:     tel.Logger.NewComponentLogger("trigger.http"),
		executor:   exec,
		router:     NewRouter(),
		app:        a,
		basePath:   basePathOf(a),
		listenAddr: listenAddr,
	}

	for _, entry := range a.Triggers() {
		if entry.Type != TriggerType {
			continue
		}
		var cfg triggerConfig
		if err := json.Unmarshal(entry.Config, &cfg); err != nil {
			return nil, fmt.Errorf("trigger %q: malformed config: %w", entry.ID, err)
		}
		if cfg.Route == "" {
			return nil, fmt.Errorf("trigger %q: missing route", entry.ID)
		}
		err := t.router.Add(Route{
			Pattern:     cfg.Route,
			TriggerID:   entry.ID,
			ComponentID: entry.ComponentID,
			Executor:    cfg.Executor,
		})
		if err != nil {
			return nil, fmt.Errorf("trigger %q: %w", entry.ID, err)
		}
	}
	return t, nil
}

func basePathOf(a *app.App) string {
	raw := a.Metadata("base_path")
	if raw == nil {
		return "/"
	}
	var basePath string
	if err := json.Unmarshal(raw, &basePath); err != nil || basePath == "" {
		return "/"
	}
	return basePath
}

// SelfOrigin returns the origin self-requests resolve against, known once
// the listener is bound.
func (t *Trigger) SelfOrigin() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selfOrigin
}

// ChainHandler returns the handler that serves component-to-component calls
// addressed to <component>.spin.internal. Install it on the outbound HTTP
// factor before the registry initialises.
func (t *Trigger) ChainHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := outbound.ServiceChainingTarget(r.Host)
		if target == "" || t.app.Component(target) == nil {
			http.Error(w, "unknown chaining target", http.StatusNotFound)
			return
		}
		match := &Match{
			Route: &Route{
				Pattern:     "/*",
				TriggerID:   "chain:" + target,
				ComponentID: target,
				Executor:    "http",
			},
			Params:   map[string]string{},
			Trailing: r.URL.Path,
		}
		t.dispatch(w, r, match)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (t *Trigger) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.listenAddr, err)
	}
	t.mu.Lock()
	t.selfOrigin = "http://" + ln.Addr().String()
	t.mu.Unlock()

	server := &http.Server{
		Handler:           t,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	t.logger.Infof("http trigger listening on %s (%d routes)", ln.Addr(), len(t.router.Routes()))
	err = server.Serve(ln)
	<-done
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeHTTP implements http.Handler for requests arriving off the network.
func (t *Trigger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Outside callers must not reach components through the internal
	// chaining domain.
	stripInternalHost(r, outbound.ServiceChainingTarget(r.Host))

	path, ok := t.stripBasePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	match := t.router.Lookup(path)
	if match == nil {
		http.NotFound(w, r)
		return
	}
	t.dispatch(w, r, match)
}

func (t *Trigger) stripBasePath(path string) (string, bool) {
	if t.basePath == "" || t.basePath == "/" {
		return path, true
	}
	trimmed, ok := strings.CutPrefix(path, strings.TrimSuffix(t.basePath, "/"))
	if !ok {
		return "", false
	}
	if trimmed == "" {
		trimmed = "/"
	}
	return trimmed, true
}

func (t *Trigger) dispatch(w http.ResponseWriter, r *http.Request, m *Match) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	var run func(ctx context.Context, inv *trigger.Invocation) error
	var configure func(inv *trigger.Invocation) error
	responded := false

	switch m.Route.Executor {
	case "wagi":
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		configure = func(inv *trigger.Invocation) error {
			env := wagiEnv(r, m, t.basePath)
			cfg := inv.Config.
				WithStdin(bytes.NewReader(body)).
				WithStdout(stdout).
				WithStderr(stderr).
				WithArgs(wagiArgs(m, r.URL.RawQuery)...)
			for _, key := range sortedEnvKeys(env) {
				cfg = cfg.WithEnv(key, env[key])
			}
			inv.Config = cfg
			return nil
		}
		run = func(ctx context.Context, inv *trigger.Invocation) error {
			if err := t.runWagi(ctx, inv); err != nil {
				return err
			}
			status, headers, respBody, err := parseWagiOutput(stdout.Bytes())
			if err != nil {
				if stderr.Len() > 0 {
					t.logger.WithComponentID(m.Route.ComponentID).Errorf("wagi stderr: %s", stderr.String())
				}
				return err
			}
			writeResponse(w, status, headers, respBody)
			responded = true
			return nil
		}
	default:
		configure = func(inv *trigger.Invocation) error {
			if oh, err := factors.GetSlice[*outboundhttp.Instance](inv.State, outboundhttp.FactorName); err == nil {
				oh.SetSelfOrigin(t.SelfOrigin())
			}
			return nil
		}
		run = func(ctx context.Context, inv *trigger.Invocation) error {
			resp, err := t.runHandler(ctx, inv, r, m, body)
			if err != nil {
				return err
			}
			headers := make(http.Header, len(resp.Headers))
			for _, pair := range resp.Headers {
				headers.Add(pair[0], pair[1])
			}
			writeResponse(w, resp.Status, headers, resp.Body)
			responded = true
			return nil
		}
	}

	if err := t.executor.Execute(r.Context(), m.Route.ComponentID, configure, run); err != nil {
		t.logger.WithComponentID(m.Route.ComponentID).WithError(err).Error("request failed")
		if !responded {
			http.Error(w, "component error", http.StatusInternalServerError)
		}
	}
}

// runWagi drives the component as a CGI program: one _start run per request.
func (t *Trigger) runWagi(ctx context.Context, inv *trigger.Invocation) error {
	start := inv.Module.ExportedFunction("_start")
	if start == nil {
		return fmt.Errorf("wagi component exports no _start")
	}
	if _, err := start.Call(ctx); err != nil {
		// A clean exit surfaces as an ExitError with code 0.
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			return nil
		}
		return err
	}
	return nil
}

// guestHTTPRequest is the JSON envelope passed to the handler export.
type guestHTTPRequest struct {
	Method  string      `json:"method"`
	URI     string      `json:"uri"`
	Headers [][2]string `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// guestHTTPResponse is the JSON envelope the handler export returns.
type guestHTTPResponse struct {
	Status  int         `json:"status"`
	Headers [][2]string `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// runHandler invokes the guest's request handler export with the envelope
// and decodes its packed response.
func (t *Trigger) runHandler(ctx context.Context, inv *trigger.Invocation, r *http.Request, m *Match, body []byte) (*guestHTTPResponse, error) {
	fn := inv.Module.ExportedFunction(handlerExport)
	if fn == nil {
		return nil, fmt.Errorf("component exports no %s", handlerExport)
	}

	envelope := guestHTTPRequest{
		Method: r.Method,
		URI:    r.URL.RequestURI(),
		Body:   body,
	}
	for name, values := range r.Header {
		envelope.Headers = append(envelope.Headers, [2]string{strings.ToLower(name), strings.Join(values, ", ")})
	}
	if r.Host != "" {
		envelope.Headers = append(envelope.Headers, [2]string{"host", r.Host})
	}
	for name, value := range routeHeaders(r, m, t.basePath) {
		envelope.Headers = append(envelope.Headers, [2]string{name, value})
	}

	payload, err := json.Marshal(&envelope)
	if err != nil {
		return nil, err
	}
	ptr, err := engine.WriteBytes(ctx, inv.Module, payload)
	if err != nil {
		return nil, err
	}
	results, err := fn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("%s returned %d results", handlerExport, len(results))
	}
	packed := results[0]
	respPtr := uint32(packed >> 32)
	respLen := uint32(packed)
	raw, err := engine.ReadBytes(inv.Module, respPtr, respLen)
	if err != nil {
		return nil, err
	}
	var resp guestHTTPResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed guest response: %w", err)
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	return &resp, nil
}

func writeResponse(w http.ResponseWriter, status int, headers http.Header, body []byte) {
	for name, values := range headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
