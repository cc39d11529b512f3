package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"authgate/internal/platform/config"
	"authgate/internal/platform/metrics"
	dErrors "authgate/pkg/domain-errors"
)

// apiPrefix is stripped from inbound paths before forwarding: the resource
// API serves /movies, the browser calls /api/movies.
const apiPrefix = "/api"

// hopByHopHeaders are connection-level and must not be forwarded in either
// direction (RFC 9110 section 7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy forwards /api/* requests to the resource API with the session's
// access token attached. It is deliberately not an httputil.ReverseProxy:
// the gateway needs per-request bearer injection, domain error mapping on
// transport failures, and a one-shot retry for idempotent requests, all of
// which fight ReverseProxy's ErrorHandler model.
type Proxy struct {
	target  *url.URL
	client  *http.Client
	timeout time.Duration
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewProxy(cfg config.Proxy, m *metrics.Metrics, tracer trace.Tracer) (*Proxy, error) {
	target, err := url.Parse(cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse API base URL %q: %w", cfg.APIBaseURL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("API base URL %q must be absolute", cfg.APIBaseURL)
	}
	return &Proxy{
		target: target,
		client: &http.Client{
			// Redirects from the resource API pass through to the browser
			// untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: cfg.Timeout,
		metrics: m,
		tracer:  tracer,
	}, nil
}

// Forward relays the request to the resource API, responding with the
// downstream status and body byte for byte. accessToken replaces any
// inbound Authorization header, which is always discarded.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, accessToken string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "gateway.proxy",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		),
	)
	defer span.End()

	resp, err := p.roundTrip(ctx, r, accessToken)
	if err != nil {
		span.RecordError(err)
		p.observe(r.Method, dErrors.ToHTTPStatus(dErrors.CodeOf(err)), start)
		writeError(w, err)
		return
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	p.observe(r.Method, resp.StatusCode, start)
}

// roundTrip issues the outbound request. A GET that fails at the transport
// level is retried once: transient connection resets are common when the
// resource API restarts, and GETs are safe to repeat.
func (p *Proxy) roundTrip(ctx context.Context, r *http.Request, accessToken string) (*http.Response, error) {
	out, err := p.outboundRequest(ctx, r, accessToken)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(out)
	if err != nil && r.Method == http.MethodGet && ctx.Err() == nil {
		out, retryErr := p.outboundRequest(ctx, r, accessToken)
		if retryErr != nil {
			return nil, retryErr
		}
		resp, err = p.client.Do(out)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, dErrors.Wrap(err, dErrors.CodeDownstreamTimeout, "resource API timed out")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDownstreamUnavailable, "resource API unreachable")
	}
	return resp, nil
}

func (p *Proxy) outboundRequest(ctx context.Context, r *http.Request, accessToken string) (*http.Request, error) {
	target := *p.target
	target.Path = singleJoin(p.target.Path, strings.TrimPrefix(r.URL.Path, apiPrefix))
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build downstream request")
	}

	copyHeaders(out.Header, r.Header)
	// The session cookie and any caller-supplied credentials stay on this
	// side of the gateway.
	out.Header.Del("Authorization")
	out.Header.Del("Cookie")
	out.Header.Set("Authorization", "Bearer "+accessToken)
	if ip := clientIPFromRequest(r); ip != "" {
		out.Header.Set("X-Forwarded-For", ip)
	}
	if r.ContentLength > 0 {
		out.ContentLength = r.ContentLength
	}
	return out, nil
}

func (p *Proxy) observe(method string, status int, start time.Time) {
	p.metrics.ProxyRequests.WithLabelValues(method, strconv.Itoa(status/100)+"xx").Inc()
	p.metrics.ProxyLatency.Observe(time.Since(start).Seconds())
}

func copyHeaders(dst, src http.Header) {
	// Connection may name additional per-connection headers to drop.
	dropped := map[string]bool{}
	for _, h := range hopByHopHeaders {
		dropped[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			dropped[http.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}
	for name, values := range src {
		if dropped[name] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func clientIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func singleJoin(a, b string) string {
	a = strings.TrimSuffix(a, "/")
	if !strings.HasPrefix(b, "/") {
		b = "/" + b
	}
	return a + b
}
