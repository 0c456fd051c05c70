package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/kong"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/block/telespool/internal/dsn"
	"github.com/block/telespool/internal/envelope"
	"github.com/block/telespool/internal/logging"
	"github.com/block/telespool/internal/ratelimit"
)

const clientName = "telespool/1.0"

type HTTPConfig struct {
	Timeout time.Duration `hcl:"timeout,optional" help:"Per-request timeout for envelope submission." default:"30s"`
}

// HTTP submits envelopes to the DSN's envelope ingestion endpoint.
//
// Failures whose underlying cause is a socket-level failure are reported as
// ErrNetworkUnreachable so the spool keeps the envelope; everything else,
// including upstream rejects, is permanent. Rate limits announced by the
// upstream are honoured per item category.
type HTTP struct {
	logger *slog.Logger
	dsn    *dsn.DSN
	client *http.Client
	limits *ratelimit.Limits
}

var _ Sink = (*HTTP)(nil)

// NewHTTP builds an HTTP sink for rawDSN.
func NewHTTP(ctx context.Context, rawDSN string, config HTTPConfig) (*HTTP, error) {
	d, err := dsn.Parse(rawDSN)
	if err != nil {
		return nil, errors.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	if err := kong.ApplyDefaults(&config); err != nil {
		return nil, errors.Errorf("failed to apply defaults: %w", err)
	}
	return &HTTP{
		logger: logging.FromContext(ctx),
		dsn:    d,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limits: ratelimit.New(),
	}, nil
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTP) Send(ctx context.Context, env *envelope.Envelope) error {
	now := time.Now()

	env, dropped := h.filterLimited(env, now)
	if dropped > 0 {
		h.logger.DebugContext(ctx, "Dropped rate-limited envelope items", "count", dropped)
	}
	if len(env.Items) == 0 {
		return errors.Errorf("%w: every item in the envelope is limited", ErrRateLimited)
	}

	var body bytes.Buffer
	if _, err := env.WriteTo(&body); err != nil {
		return errors.Wrap(err, "failed to serialize envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.dsn.EnvelopeURL(), &body)
	if err != nil {
		return errors.Wrap(err, "failed to build envelope request")
	}
	req.Header.Set("Content-Type", "application/x-sentry-envelope")
	req.Header.Set("User-Agent", clientName)
	req.Header.Set("X-Sentry-Auth", h.dsn.AuthHeader(clientName))

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		if isNetworkError(err) {
			return errors.Errorf("envelope request failed: %w", errors.Join(ErrNetworkUnreachable, err))
		}
		return errors.Wrap(err, "envelope request failed")
	}
	defer resp.Body.Close()

	h.limits.Update(resp.Header, now)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return errors.Errorf("%w: upstream returned %s", ErrRateLimited, resp.Status)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("upstream rejected envelope: %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// filterLimited returns env without the items whose category is currently
// rate limited, and how many items were dropped.
func (h *HTTP) filterLimited(env *envelope.Envelope, now time.Time) (*envelope.Envelope, int) {
	kept := make([]envelope.Item, 0, len(env.Items))
	for _, item := range env.Items {
		if h.limits.Limited(ratelimit.FromItemType(item.Type()), now) {
			continue
		}
		kept = append(kept, item)
	}
	if len(kept) == len(env.Items) {
		return env, 0
	}
	return &envelope.Envelope{Header: env.Header, Items: kept}, len(env.Items) - len(kept)
}

// isNetworkError reports whether err is a socket-level failure, as opposed to
// a response the upstream actually produced.
func isNetworkError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
