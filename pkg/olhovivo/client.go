package olhovivo

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
	"sync"
	"time"

	"olhovivo2speeds/pkg/metrics"
	"olhovivo2speeds/pkg/otel"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "http://api.olhovivo.sptrans.com.br/v2.1"

	userAgent = "olhovivo2speeds/1.0.0"
	loginPath = "/Login/Autenticar"
)

// ErrUnauthorized is returned when the API rejects the session or token.
var ErrUnauthorized = errors.New("olhovivo: unauthorized")

// Client talks to the SPTrans Olho Vivo API. Authentication is a session
// cookie obtained from the login endpoint and kept in the client's jar.
type Client struct {
	httpClient *http.Client
	token      string
	baseURL    string
	tracer     trace.Tracer

	mu            sync.Mutex
	authenticated bool
}

// Snapshot is the raw body of one positions poll.
type Snapshot struct {
	Body      []byte
	FetchedAt time.Time
}

func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	// cookiejar.New only fails on a bad PublicSuffixList
	jar, _ := cookiejar.New(nil)

	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithFilter(tracedRequest)),
		Timeout:   30 * time.Second,
		Jar:       jar,
	}

	return &Client{
		httpClient: client,
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tracer:     otelapi.Tracer("olhovivo-client"),
	}
}

// Authenticate opens a session. The API answers a literal true or false.
func (c *Client) Authenticate(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "olhovivo.authenticate")
	defer span.End()

	endpoint := fmt.Sprintf("%s%s?token=%s", c.baseURL, loginPath, url.QueryEscape(c.token))
	body, status, err := c.do(ctx, http.MethodPost, endpoint, "login")
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", status))

	if status != http.StatusOK {
		err := fmt.Errorf("login returned status %d: %s", status, string(body))
		otel.RecordStatusError(span, err, status)
		return err
	}
	if !bytes.EqualFold(bytes.TrimSpace(body), []byte("true")) {
		otel.RecordError(span, ErrUnauthorized, otel.ErrorTypeAuth, false)
		return fmt.Errorf("login rejected token: %w", ErrUnauthorized)
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	otel.SetSpanOk(span)
	return nil
}

// FetchPositions returns the current positions of every vehicle in service.
// It logs in on first use and retries once after re-authenticating when the
// session has expired.
func (c *Client) FetchPositions(ctx context.Context) (*Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "olhovivo.fetch_positions",
		trace.WithAttributes(attribute.String("api.endpoint", c.baseURL)),
	)
	defer span.End()

	if !c.isAuthenticated() {
		if err := c.Authenticate(ctx); err != nil {
			otel.RecordError(span, err, otel.ErrorTypeAuth, false)
			return nil, err
		}
	}

	snap, err := c.fetchPositions(ctx)
	if errors.Is(err, ErrUnauthorized) {
		span.AddEvent("session expired, re-authenticating")
		c.mu.Lock()
		c.authenticated = false
		c.mu.Unlock()

		if err := c.Authenticate(ctx); err != nil {
			otel.RecordError(span, err, otel.ErrorTypeAuth, false)
			return nil, err
		}
		snap, err = c.fetchPositions(ctx)
	}
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeHTTP, true)
		return nil, err
	}

	span.SetAttributes(attribute.Int("response.size_bytes", len(snap.Body)))
	otel.SetSpanOk(span)
	return snap, nil
}

func (c *Client) fetchPositions(ctx context.Context) (*Snapshot, error) {
	body, status, err := c.do(ctx, http.MethodGet, c.baseURL+"/Posicao", "posicao")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	switch {
	case status == http.StatusUnauthorized:
		return nil, fmt.Errorf("positions: %w", ErrUnauthorized)
	case status != http.StatusOK:
		return nil, fmt.Errorf("API returned status %d: %s", status, string(body))
	}

	return &Snapshot{
		Body:      body,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, name string) ([]byte, int, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordRequest(ctx, name, "error", start)
		return nil, 0, fmt.Errorf("failed to make request: %w", redactQuery(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		recordRequest(ctx, name, "error", start)
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	recordRequest(ctx, name, fmt.Sprintf("%d", resp.StatusCode), start)
	return body, resp.StatusCode, nil
}

// tracedRequest keeps the login call out of the HTTP client spans, whose
// url.full attribute would otherwise carry the token.
func tracedRequest(r *http.Request) bool {
	return !strings.HasSuffix(r.URL.Path, loginPath)
}

// redactQuery drops the query string from the URL quoted by a transport error.
func redactQuery(err error) error {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}
	if u, parseErr := url.Parse(urlErr.URL); parseErr == nil {
		u.RawQuery = ""
		urlErr.URL = u.String()
	} else if i := strings.IndexByte(urlErr.URL, '?'); i >= 0 {
		urlErr.URL = urlErr.URL[:i]
	}
	return err
}

func (c *Client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func recordRequest(ctx context.Context, endpoint, status string, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	)
	metrics.OlhoVivoRequestsTotal.Add(ctx, 1, attrs)
	metrics.OlhoVivoRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}
