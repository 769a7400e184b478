package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/circuitbreaker"
)

type seen struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

func newUpstream(t *testing.T, status int, body string) (*httptest.Server, *seen) {
	t.Helper()
	s := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		s.method = r.Method
		s.path = r.URL.Path
		s.query = r.URL.RawQuery
		s.header = r.Header.Clone()
		s.body = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, s
}

func TestForwardCopiesAllowedHeadersOnly(t *testing.T) {
	srv, s := newUpstream(t, http.StatusOK, `{"ok":true}`)
	p, err := New(Config{BaseURL: srv.URL + "/", APIKey: "sk-upstream"})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-PAYMENT", "secret-proof")
	h.Set("Authorization", "Bearer client-token")
	h.Set("Cookie", "session=1")

	resp, err := p.Forward(context.Background(), Request{
		Path:   "/v1/chat/completions",
		Query:  "stream=false",
		Header: h,
		Body:   []byte(`{"model":"m"}`),
	})
	require.NoError(t, err)

	assert.True(t, resp.OK())
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.ContentType)

	assert.Equal(t, http.MethodPost, s.method)
	assert.Equal(t, "/v1/chat/completions", s.path)
	assert.Equal(t, "stream=false", s.query)
	assert.Equal(t, `{"model":"m"}`, s.body)
	assert.Equal(t, "application/json", s.header.Get("Accept"))
	assert.Equal(t, "Bearer sk-upstream", s.header.Get("Authorization"))
	assert.Empty(t, s.header.Get("X-PAYMENT"))
	assert.Empty(t, s.header.Get("Cookie"))
}

func TestForwardWithoutAPIKeyDropsAuthorization(t *testing.T) {
	srv, s := newUpstream(t, http.StatusOK, `{}`)
	p, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Authorization", "Bearer client-token")
	_, err = p.Forward(context.Background(), Request{Path: "/x", Header: h, Body: []byte(`{}`)})
	require.NoError(t, err)

	assert.Empty(t, s.header.Get("Authorization"))
	assert.Equal(t, "application/json", s.header.Get("Content-Type"))
}

func TestForwardPassesThroughNon2xx(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusBadRequest, `{"error":"bad model"}`)
	p, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := p.Forward(context.Background(), Request{Path: "/v1/images/generations", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, `{"error":"bad model"}`, string(resp.Body))
}

func TestForwardRejectsOversizedBody(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusOK, `{"data":"0123456789"}`)
	p, err := New(Config{BaseURL: srv.URL, MaxResponseBytes: 8})
	require.NoError(t, err)

	_, err = p.Forward(context.Background(), Request{Path: "/x"})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestForwardUnreachable(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusOK, `{}`)
	base := srv.URL
	srv.Close()

	p, err := New(Config{BaseURL: base, Timeout: time.Second})
	require.NoError(t, err)

	_, err = p.Forward(context.Background(), Request{Path: "/x"})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestForwardBreakerOpensOnGatewayErrors(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusBadGateway, `{"error":"down"}`)
	cb := circuitbreaker.New("upstream_test", 2, time.Minute)
	p, err := New(Config{BaseURL: srv.URL, Breaker: cb})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, err := p.Forward(context.Background(), Request{Path: "/x"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.Status)
	}

	_, err = p.Forward(context.Background(), Request{Path: "/x"})
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestForwardClientErrorsKeepBreakerClosed(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusUnprocessableEntity, `{}`)
	cb := circuitbreaker.New("upstream_test_4xx", 1, time.Minute)
	p, err := New(Config{BaseURL: srv.URL, Breaker: cb})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := p.Forward(context.Background(), Request{Path: "/x"})
		require.NoError(t, err)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State(circuitbreaker.HostKey(srv.URL)))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, base := range []string{"", "not a url", "/relative"} {
		_, err := New(Config{BaseURL: base})
		assert.Error(t, err, base)
	}
}
