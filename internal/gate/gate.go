// Package gate implements the forward-auth HTTP endpoints. A reverse proxy
// calls /authorize once the upstream SSO layer has attached identity headers,
// and /allowed on every later request from the same client address.
package gate

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/whitelistd/whitelistd/internal/events"
	"github.com/whitelistd/whitelistd/internal/observability"
	"github.com/whitelistd/whitelistd/internal/ratelimit"
	"github.com/whitelistd/whitelistd/internal/whitelist"
)

var tracer = otel.Tracer("whitelistd.gate")

// Routes served by the gate. Matching is exact and method agnostic.
const (
	PathAllowed   = "/allowed"
	PathAuthorize = "/authorize"
)

// Route labels used for metrics and span names.
const (
	RouteAllowed   = "allowed"
	RouteAuthorize = "authorize"
	RouteOther     = "other"
)

// Response bodies.
const (
	bodyOK        = "Ok"
	bodyForbidden = "Please (re)authenticate yourself"
	bodyNotFound  = "not found"
)

// Invalid forwarded header warnings are limited per peer to warnBurst
// messages, refilled at warnRate per second.
const (
	warnRate  = 3.0 / 60
	warnBurst = 3
	warnTTL   = 10 * time.Minute
)

// Route maps a request path to its metrics label.
func Route(path string) string {
	switch path {
	case PathAllowed:
		return RouteAllowed
	case PathAuthorize:
		return RouteAuthorize
	default:
		return RouteOther
	}
}

// Gate answers forward-auth requests from a whitelist cache.
type Gate struct {
	cache   *whitelist.Cache
	policy  atomic.Pointer[Policy]
	logger  *slog.Logger
	metrics *observability.Metrics
	warns   *ratelimit.KeyLimiter
	events  *events.Emitter
}

// Option configures a Gate.
type Option func(*Gate)

// WithEvents publishes an audit event for every authorization.
func WithEvents(e *events.Emitter) Option {
	return func(g *Gate) { g.events = e }
}

// New creates a gate. metrics may be nil.
func New(cache *whitelist.Cache, policy *Policy, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Gate {
	g := &Gate{
		cache:   cache,
		logger:  logger,
		metrics: metrics,
		warns:   ratelimit.NewKeyLimiter(warnRate, warnBurst, warnTTL),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.policy.Store(policy)
	return g
}

// SetPolicy swaps the active policy. Requests already running keep the
// policy they started with.
func (g *Gate) SetPolicy(p *Policy) {
	g.policy.Store(p)
}

// Policy returns the active policy.
func (g *Gate) Policy() *Policy {
	return g.policy.Load()
}

// Close releases the warn limiter.
func (g *Gate) Close() {
	g.warns.Close()
}

// ServeHTTP routes on the exact URL path.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case PathAllowed:
		g.Allowed(w, r)
	case PathAuthorize:
		g.Authorize(w, r)
	default:
		g.logger.Debug("unknown path", "path", r.URL.Path)
		writeText(w, http.StatusNotFound, bodyNotFound)
	}
}

// Allowed answers 200 for statically allowed or whitelisted addresses,
// replaying the captured headers, and 403 otherwise.
func (g *Gate) Allowed(w http.ResponseWriter, r *http.Request) {
	span := g.startSpan(r, RouteAllowed)
	defer span.End()

	p := g.Policy()
	res, err := g.resolve(p, r, span)
	if err != nil {
		g.logger.Error("cannot resolve client address", "remote_addr", r.RemoteAddr, "error", err)
		g.record(observability.CheckError, span)
		span.SetStatus(codes.Error, err.Error())
		writeText(w, http.StatusForbidden, bodyForbidden)
		return
	}

	if p.StaticallyAllowed(res.addr) {
		g.logger.Debug("address in static allow list", "address", res.addr)
		g.record(observability.CheckStatic, span)
		writeText(w, http.StatusOK, bodyOK)
		return
	}

	headers, err := g.cache.Check(res.addr)
	switch {
	case err == nil:
	case errors.Is(err, whitelist.ErrNotAuthorized):
		g.logger.Debug("address not whitelisted", "address", res.addr)
		g.record(observability.CheckDenied, span)
		writeText(w, http.StatusForbidden, bodyForbidden)
		return
	default:
		g.logger.Error("whitelist check failed", "address", res.addr, "error", err)
		g.record(observability.CheckError, span)
		span.SetStatus(codes.Error, err.Error())
		writeText(w, http.StatusForbidden, bodyForbidden)
		return
	}

	for _, h := range headers {
		w.Header().Add(h.Name, h.Value)
	}
	g.logger.Debug("address whitelisted", "address", res.addr, "headers", len(headers))
	g.record(observability.CheckAllowed, span)
	writeText(w, http.StatusOK, bodyOK)
}

// Authorize whitelists the client address with the configured subset of the
// request headers.
func (g *Gate) Authorize(w http.ResponseWriter, r *http.Request) {
	span := g.startSpan(r, RouteAuthorize)
	defer span.End()

	p := g.Policy()
	res, err := g.resolve(p, r, span)
	if err != nil {
		g.logger.Error("cannot resolve client address", "remote_addr", r.RemoteAddr, "error", err)
		span.SetStatus(codes.Error, err.Error())
		writeText(w, http.StatusForbidden, bodyForbidden)
		return
	}

	headers := p.Capture(r.Header)
	expires, err := g.cache.Authorize(res.addr, headers)
	if err != nil {
		g.logger.Error("whitelist authorize failed", "address", res.addr, "error", err)
		span.SetStatus(codes.Error, err.Error())
		writeText(w, http.StatusForbidden, bodyForbidden)
		return
	}

	if g.metrics != nil {
		g.metrics.IncAuthorized()
	}
	g.events.Emit(events.Authorized(res.addr, headers, expires, r.Header.Get("X-Request-Id")))
	span.SetAttributes(
		attribute.String("whitelistd.decision", "authorized"),
		attribute.Int("whitelistd.headers", len(headers)),
	)
	g.logger.Info("address authorized",
		"address", res.addr,
		"headers", len(headers),
		"expires_at", expires.Format(time.RFC3339))
	writeText(w, http.StatusOK, bodyOK)
}

func (g *Gate) startSpan(r *http.Request, route string) trace.Span {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	_, span := tracer.Start(ctx, "whitelistd."+route, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("whitelistd.route", route))
	return span
}

// resolve works out the client address and reports header problems.
func (g *Gate) resolve(p *Policy, r *http.Request, span trace.Span) (resolution, error) {
	res, err := p.Resolve(r)
	if len(res.invalid) > 0 {
		if g.metrics != nil {
			g.metrics.IncInvalidForwarded()
		}
		if g.warns.Allow(res.peer.String()) {
			g.logger.Warn("ignoring invalid forwarded address",
				"header", p.forwardedHeader,
				"values", res.invalid,
				"peer", res.peer)
		}
	}
	if res.untrusted {
		g.logger.Debug("ignoring forwarded header from untrusted peer",
			"header", p.forwardedHeader, "peer", res.peer)
	}
	if err == nil {
		span.SetAttributes(attribute.String("whitelistd.address", res.addr.String()))
	}
	return res, err
}

func (g *Gate) record(result string, span trace.Span) {
	if g.metrics != nil {
		g.metrics.IncCheck(result)
	}
	span.SetAttributes(attribute.String("whitelistd.decision", result))
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
