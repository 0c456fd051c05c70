package transport_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"

	"github.com/block/telespool/internal/envelope"
	"github.com/block/telespool/internal/transport"
)

// envelopeServer is a minimal ingestion endpoint for tests.
type envelopeServer struct {
	mu       sync.Mutex
	requests []*http.Request
	received []*envelope.Envelope
	respond  func(w http.ResponseWriter)
}

func (s *envelopeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	env, err := envelope.Parse(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, r)
	if err == nil {
		s.received = append(s.received, env)
	}
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		respond(w)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *envelopeServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *envelopeServer) lastEnvelope() *envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		return nil
	}
	return s.received[len(s.received)-1]
}

func (s *envelopeServer) lastRequest() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

func newHTTPSink(t *testing.T, server *httptest.Server) *transport.HTTP {
	t.Helper()
	u, err := url.Parse(server.URL)
	assert.NoError(t, err)
	sink, err := transport.NewHTTP(testContext(t), fmt.Sprintf("http://publickey@%s/42", u.Host), transport.HTTPConfig{})
	assert.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, sink.Close()) })
	return sink
}

func TestHTTPSendSuccess(t *testing.T) {
	upstream := &envelopeServer{}
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	sink := newHTTPSink(t, server)
	env := testEnvelope(envelope.NewEventID(), "over the wire")
	assert.NoError(t, sink.Send(t.Context(), env))

	r := upstream.lastRequest()
	assert.Equal(t, "/api/42/envelope/", r.URL.Path)
	assert.Equal(t, "application/x-sentry-envelope", r.Header.Get("Content-Type"))
	auth := r.Header.Get("X-Sentry-Auth")
	assert.True(t, len(auth) > 0 && auth[:6] == "Sentry")

	got := upstream.lastEnvelope()
	assert.Equal(t, env.EventID(), got.EventID())
	assert.Equal(t, env.Bytes(), got.Bytes())
}

func TestHTTPInvalidDSN(t *testing.T) {
	_, err := transport.NewHTTP(testContext(t), "not a dsn", transport.HTTPConfig{})
	assert.IsError(t, err, transport.ErrInvalidConfig)
}

func TestHTTPServerRejectIsPermanent(t *testing.T) {
	upstream := &envelopeServer{respond: func(w http.ResponseWriter) {
		http.Error(w, "schema validation failed", http.StatusBadRequest)
	}}
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	sink := newHTTPSink(t, server)
	err := sink.Send(t.Context(), testEnvelope("", "rejected"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, transport.ErrNetworkUnreachable))
	assert.False(t, errors.Is(err, transport.ErrRateLimited))
}

func TestHTTPConnectionRefusedIsNetworkUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // nothing is listening any more

	sink := newHTTPSink(t, server)
	err := sink.Send(t.Context(), testEnvelope("", "unreachable"))
	assert.IsError(t, err, transport.ErrNetworkUnreachable)
}

func TestHTTPTooManyRequests(t *testing.T) {
	upstream := &envelopeServer{respond: func(w http.ResponseWriter) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}}
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	sink := newHTTPSink(t, server)
	err := sink.Send(t.Context(), testEnvelope("", "first"))
	assert.IsError(t, err, transport.ErrRateLimited)
	assert.Equal(t, 1, upstream.requestCount())

	// The announced limit suppresses the next send without a request.
	err = sink.Send(t.Context(), testEnvelope("", "second"))
	assert.IsError(t, err, transport.ErrRateLimited)
	assert.Equal(t, 1, upstream.requestCount())
}

func TestHTTPCategoryLimitsFilterItems(t *testing.T) {
	upstream := &envelopeServer{respond: func(w http.ResponseWriter) {
		w.Header().Set("X-Sentry-Rate-Limits", "60:error:org")
		w.WriteHeader(http.StatusOK)
	}}
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	sink := newHTTPSink(t, server)
	assert.NoError(t, sink.Send(t.Context(), testEnvelope("", "seeds the limit")))

	// Error items are now limited; session items still go through.
	mixed := envelope.New("",
		envelope.NewItem("event", []byte(`{"message":"dropped"}`)),
		envelope.NewItem("session", []byte(`{"status":"exited"}`)),
	)
	assert.NoError(t, sink.Send(t.Context(), mixed))
	assert.Equal(t, 2, upstream.requestCount())

	got := upstream.lastEnvelope()
	assert.Equal(t, 1, len(got.Items))
	assert.Equal(t, "session", got.Items[0].Type())

	// An envelope with only limited items fails without a request.
	errOnly := envelope.New("", envelope.NewItem("event", []byte(`{}`)))
	err := sink.Send(t.Context(), errOnly)
	assert.IsError(t, err, transport.ErrRateLimited)
	assert.Equal(t, 2, upstream.requestCount())
}
