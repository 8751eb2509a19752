package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"ocpihub.org/internal/obs"
)

const (
	DefaultForwardTimeout  = 10 * time.Second
	DefaultForwardAttempts = 2

	maxUpstreamBody = 10 << 20
)

var errRetryableStatus = errors.New("retryable upstream status")

// Outbound is a request the hub sends to a party endpoint.
type Outbound struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
	Module string
}

// Forwarder sends Outbound requests. Only GETs are retried.
type Forwarder struct {
	Client   *http.Client
	Timeout  time.Duration
	Attempts int
	// InitialBackoff is the first retry delay; zero uses 100ms.
	InitialBackoff time.Duration
}

func (f *Forwarder) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Forwarder) timeout() time.Duration {
	if f.Timeout > 0 {
		return f.Timeout
	}
	return DefaultForwardTimeout
}

// Do sends out and returns the upstream response. Every upstream HTTP
// response is a Result; only transport failures are errors.
func (f *Forwarder) Do(ctx context.Context, out Outbound) (Result, error) {
	ctx, span := obs.Tracer().Start(ctx, "router.forward", trace.WithAttributes(
		attribute.String("ocpi.module", out.Module),
		attribute.String("http.method", out.Method),
		attribute.String("http.url", out.URL),
	))
	defer span.End()

	res, err := f.do(ctx, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("http.status_code", res.Status))
	return res, nil
}

func (f *Forwarder) do(ctx context.Context, out Outbound) (Result, error) {
	if out.Method != http.MethodGet {
		return f.once(ctx, out)
	}

	attempts := f.Attempts
	if attempts <= 0 {
		attempts = DefaultForwardAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if f.InitialBackoff > 0 {
		b.InitialInterval = f.InitialBackoff
	}
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	res, err := backoff.RetryWithData(func() (Result, error) {
		res, err := f.once(ctx, out)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, backoff.Permanent(ctx.Err())
			}
			return Result{}, err
		}
		if retryable(res.Status) {
			return res, errRetryableStatus
		}
		return res, nil
	}, policy)
	if errors.Is(err, errRetryableStatus) {
		return res, nil
	}
	return res, err
}

func retryable(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (f *Forwarder) once(ctx context.Context, out Outbound) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout())
	defer cancel()

	target := out.URL
	if len(out.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + out.Query.Encode()
	}
	var body io.Reader
	if len(out.Body) > 0 {
		body = bytes.NewReader(out.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, out.Method, target, body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	for k, vs := range out.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(req.Header))

	resp, err := f.client().Do(req)
	if err != nil {
		return Result{}, classify(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return Result{}, classify(ctx, attemptCtx, err)
	}
	header := http.Header{}
	for _, k := range []string{"Content-Type", "X-Total-Count", "X-Limit", "Link"} {
		if v := resp.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}
	return Result{Status: resp.StatusCode, Header: header, Body: data}, nil
}

func classify(parent, attempt context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
