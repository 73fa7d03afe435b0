// Package api is the client for the platform's JSON REST API.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"engage/offline/internal/logging"
)

const maxResponseBytes = 8 << 20

type Options struct {
	BaseURL string
	// SessionCookie and SessionValue seed the cookie jar with an existing
	// platform session.
	SessionCookie string
	SessionValue  string
	Timeout       time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	// BreakerFailures is the consecutive failure count that opens the
	// breaker; BreakerCooldown is how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

type Client struct {
	base     *url.URL
	http     *http.Client
	timeout  time.Duration
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[response]
	validate *validator.Validate
}

type response struct {
	status int
	body   []byte
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}
	if opts.SessionCookie != "" && opts.SessionValue != "" {
		httpClient.Jar.SetCookies(base, []*http.Cookie{{Name: opts.SessionCookie, Value: opts.SessionValue, Path: "/"}})
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return &Client{
		base:     base,
		http:     httpClient,
		timeout:  opts.Timeout,
		limiter:  limiter,
		breaker:  newBreaker(base.Host, failures, cooldown),
		validate: newValidator(),
	}, nil
}

func newBreaker(name string, failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker[response] {
	breakerState.Set(0)
	return gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client errors mean the remote is up.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("api circuit breaker state change")
			breakerState.Set(stateToFloat(to))
		},
	})
}

// Validate checks an entity's struct tags.
func (c *Client) Validate(v any) error {
	if err := c.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Do sends one request and returns the raw response body. body may be nil,
// a json.RawMessage, or any value encodable as JSON. Non-2xx answers come
// back as *APIError.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var payload []byte
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		payload = b
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = encoded
	}

	start := time.Now()
	resp, err := c.breaker.Execute(func() (response, error) {
		return c.send(ctx, method, path, query, payload)
	})
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(method, outcome(err)).Inc()
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	requestsTotal.WithLabelValues(method, "ok").Inc()
	return resp.body, nil
}

func outcome(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("%dxx", apiErr.Status/100)
	default:
		return "network"
	}
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload []byte) (response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return response{}, fmt.Errorf("rate limit: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target, err := url.Parse(c.base.String() + path)
	if err != nil {
		return response{}, fmt.Errorf("build url: %w", err)
	}
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return response{}, parseAPIError(res.StatusCode, data)
	}
	return response{status: res.StatusCode, body: data}, nil
}

// Ping reaches the platform health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}

func decodeEnvelope[T any](raw json.RawMessage) (Envelope[T], error) {
	var env Envelope[T]
	if len(bytes.TrimSpace(raw)) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode response: %w", err)
	}
	return env, nil
}
