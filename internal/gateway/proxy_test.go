package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"authgate/internal/gateway"
	"authgate/internal/platform/config"
	"authgate/internal/platform/metrics"
)

func (s *GatewaySuite) TestProxyForwardsMethodPathQueryAndBearer() {
	s.mustLogin()

	resp := s.get("/api/movies?page=2&genre=scifi", map[string]string{"Accept": "application/json"})
	body := s.readBody(resp)

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(`{"movies":["Alien","Heat"],"page":"2"}`, body)
	s.Equal("movies", resp.Header.Get("X-Api-Flavor"))

	call := s.lastAPICall()
	s.Equal(http.MethodGet, call.Method)
	s.Equal("/movies", call.Path)
	s.Equal("page=2&genre=scifi", call.Query)
	s.True(strings.HasPrefix(call.Auth, "Bearer at-"), "got %q", call.Auth)
}

func (s *GatewaySuite) TestProxyStripsSessionCookieAndInboundAuthorization() {
	s.mustLogin()

	req, err := http.NewRequest(http.MethodGet, s.gw.URL+"/api/movies", nil)
	s.Require().NoError(err)
	req.Header.Set("Accept", "application/json")
	// A caller-supplied token must never reach the resource API.
	req.Header.Set("Authorization", "Bearer attacker-controlled")
	resp, err := s.client.Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	call := s.lastAPICall()
	s.Empty(call.Cookie)
	s.True(strings.HasPrefix(call.Auth, "Bearer at-"))
	s.NotContains(call.Auth, "attacker-controlled")
}

func (s *GatewaySuite) TestProxyRelaysPostBody() {
	s.mustLogin()

	req, err := http.NewRequest(http.MethodPost, s.gw.URL+"/api/movies/create", strings.NewReader(`{"title":"Alien"}`))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	s.Require().NoError(err)

	s.Equal(http.StatusCreated, resp.StatusCode)
	s.Equal(`{"title":"Alien"}`, s.readBody(resp))
	s.Equal(`{"title":"Alien"}`, s.lastAPICall().Body)
}

func (s *GatewaySuite) TestProxyRelaysDownstreamErrorStatus() {
	s.mustLogin()

	resp := s.get("/api/not-a-route", map[string]string{"Accept": "application/json"})
	defer resp.Body.Close()
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *GatewaySuite) TestProxyTimeout() {
	s.mustLogin()

	resp := s.get("/api/slow", map[string]string{"Accept": "application/json"})
	defer resp.Body.Close()
	s.Equal(http.StatusGatewayTimeout, resp.StatusCode)
}

// newBareProxy builds a proxy outside the full gateway stack for transport
// failure tests.
func (s *GatewaySuite) newBareProxy(target string) *gateway.Proxy {
	p, err := gateway.NewProxy(config.Proxy{
		APIBaseURL: target,
		Timeout:    time.Second,
	}, metrics.NewWith(prometheus.NewRegistry()), otel.Tracer("test"))
	s.Require().NoError(err)
	return p
}

func (s *GatewaySuite) TestProxyDownstreamUnavailable() {
	// A port nothing listens on.
	p := s.newBareProxy("http://127.0.0.1:1")

	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/api/movies", nil), "at-x")
	s.Equal(http.StatusBadGateway, rec.Code)
}

func (s *GatewaySuite) TestProxyRetriesGetOnTransportError() {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// Kill the first connection mid-request.
			hj, ok := w.(http.Hijacker)
			s.Require().True(ok)
			conn, _, err := hj.Hijack()
			s.Require().NoError(err)
			conn.Close()
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	s.T().Cleanup(srv.Close)

	p := s.newBareProxy(srv.URL)
	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/api/movies", nil), "at-x")

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("recovered", rec.Body.String())
	s.Equal(int32(2), atomic.LoadInt32(&calls))
}

func (s *GatewaySuite) TestProxyDoesNotRetryPost() {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		hj, ok := w.(http.Hijacker)
		s.Require().True(ok)
		conn, _, err := hj.Hijack()
		s.Require().NoError(err)
		conn.Close()
	}))
	s.T().Cleanup(srv.Close)

	p := s.newBareProxy(srv.URL)
	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodPost, "/api/movies", strings.NewReader("x")), "at-x")

	s.Equal(http.StatusBadGateway, rec.Code)
	s.Equal(int32(1), atomic.LoadInt32(&calls))
}
