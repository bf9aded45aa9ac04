// Package upstream is the typed HTTP client for the fulfillment API. Every call
// classifies its failure into a domain.ErrorKind and retries transient ones.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ErlanBelekov/stockorder/internal/domain"
	"github.com/ErlanBelekov/stockorder/internal/metrics"
	"github.com/ErlanBelekov/stockorder/internal/trace"
)

// API is the full upstream surface. *Client implements it; tests substitute fakes.
type API interface {
	Search(ctx context.Context, query string, filters SearchFilters) (SearchResult, error)
	CreateOrder(ctx context.Context, site domain.SiteKey, stockID string) (OrderRef, error)
	GetOrderStatus(ctx context.Context, orderHandle string) (JobStatus, error)
	GetDownloadLink(ctx context.Context, orderHandle string) (DownloadLink, error)
	CreateAIJob(ctx context.Context, prompt, style, size string) (AIJobRef, error)
	GetAIJobStatus(ctx context.Context, jobHandle string) (JobStatus, error)
	GetCredits(ctx context.Context) (Credits, error)
}

var _ API = (*Client)(nil)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "stockorder/1.0"
	maxErrorBody     = 4 << 10
)

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // per attempt
	Retry      RetryPolicy
	HTTPClient *http.Client
	UserAgent  string

	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now is the clock used to interpret Retry-After dates.
	Now func() time.Time
}

// Client holds no business state and may be shared by any number of goroutines.
type Client struct {
	baseURL   *url.URL
	apiKey    string
	http      *http.Client
	timeout   time.Duration
	policy    RetryPolicy
	userAgent string
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	logger    *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	policy := cfg.Retry
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	c := &Client{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		http:      cfg.HTTPClient,
		timeout:   cfg.Timeout,
		policy:    policy,
		userAgent: cfg.UserAgent,
		sleep:     cfg.Sleep,
		now:       cfg.Now,
		logger:    logger.With("component", "upstream_client"),
	}
	if c.http == nil {
		c.http = &http.Client{} // no global timeout, each attempt sets its own
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Policy returns the retry policy in effect.
func (c *Client) Policy() RetryPolicy { return c.policy }

func (c *Client) Search(ctx context.Context, query string, filters SearchFilters) (SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return SearchResult{}, &domain.Error{Kind: domain.KindClientInvalid, Op: "search", Message: "query is empty"}
	}
	values := url.Values{}
	values.Set("q", query)
	if filters.Page > 0 {
		values.Set("page", strconv.Itoa(filters.Page))
	}
	if filters.Limit > 0 {
		values.Set("limit", strconv.Itoa(filters.Limit))
	}
	if t := strings.TrimSpace(filters.Type); t != "" {
		values.Set("type", t)
	}

	var out SearchResult
	attempts, err := c.do(ctx, request{op: "search", method: http.MethodGet, path: []string{"search"}, query: values}, &out)
	out.Attempts = attempts
	if err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) CreateOrder(ctx context.Context, site domain.SiteKey, stockID string) (OrderRef, error) {
	var payload createOrderResponse
	attempts, err := c.do(ctx, request{
		op:     "create_order",
		method: http.MethodPost,
		path:   []string{"orders"},
		body:   createOrderRequest{SiteID: string(site), StockID: stockID},
	}, &payload)
	ref := OrderRef{Call: Call{Attempts: attempts}}
	if err != nil {
		return ref, err
	}

	ref.OrderHandle = string(payload.OrderID)
	if ref.OrderHandle == "" {
		ref.OrderHandle = string(payload.TaskID)
	}
	if ref.OrderHandle == "" {
		return ref, &domain.Error{Kind: domain.KindMalformedResponse, Op: "create_order", Attempts: attempts, Message: "response carries neither order_id nor task_id"}
	}
	return ref, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, orderHandle string) (JobStatus, error) {
	if orderHandle == "" {
		return JobStatus{}, &domain.Error{Kind: domain.KindClientInvalid, Op: "order_status", Message: "order handle is empty"}
	}
	var payload orderStatusResponse
	attempts, err := c.do(ctx, request{
		op:     "order_status",
		method: http.MethodGet,
		path:   []string{"orders", url.PathEscape(orderHandle), "status"},
	}, &payload)
	st := JobStatus{Call: Call{Attempts: attempts}}
	if err != nil {
		return st, err
	}

	st.Raw = payload.Status
	st.State = NormalizeStatus(payload.Status)
	st.Progress = clampProgress(payload.Progress)
	st.Message = payload.Message
	if payload.DownloadLink != "" {
		st.Result = &domain.DownloadRef{URL: payload.DownloadLink, FileName: payload.FileName}
	}
	return st, nil
}

func (c *Client) GetDownloadLink(ctx context.Context, orderHandle string) (DownloadLink, error) {
	if orderHandle == "" {
		return DownloadLink{}, &domain.Error{Kind: domain.KindClientInvalid, Op: "download_link", Message: "order handle is empty"}
	}
	var payload downloadResponse
	attempts, err := c.do(ctx, request{
		op:     "download_link",
		method: http.MethodGet,
		path:   []string{"orders", url.PathEscape(orderHandle), "download"},
	}, &payload)
	link := DownloadLink{Call: Call{Attempts: attempts}}
	if err != nil {
		return link, err
	}
	if payload.DownloadLink == "" {
		return link, &domain.Error{Kind: domain.KindMalformedResponse, Op: "download_link", Attempts: attempts, Message: "response has no downloadLink"}
	}
	link.URL = payload.DownloadLink
	link.FileName = payload.FileName
	return link, nil
}

func (c *Client) CreateAIJob(ctx context.Context, prompt, style, size string) (AIJobRef, error) {
	var payload createAIJobResponse
	attempts, err := c.do(ctx, request{
		op:     "create_ai_job",
		method: http.MethodPost,
		path:   []string{"ai", "generate"},
		body:   createAIJobRequest{Prompt: prompt, Style: style, Size: size},
	}, &payload)
	ref := AIJobRef{Call: Call{Attempts: attempts}}
	if err != nil {
		return ref, err
	}
	ref.JobHandle = string(payload.JobID)
	if ref.JobHandle == "" {
		return ref, &domain.Error{Kind: domain.KindMalformedResponse, Op: "create_ai_job", Attempts: attempts, Message: "response has no job_id"}
	}
	return ref, nil
}

func (c *Client) GetAIJobStatus(ctx context.Context, jobHandle string) (JobStatus, error) {
	if jobHandle == "" {
		return JobStatus{}, &domain.Error{Kind: domain.KindClientInvalid, Op: "ai_job_status", Message: "job handle is empty"}
	}
	var payload aiJobStatusResponse
	attempts, err := c.do(ctx, request{
		op:     "ai_job_status",
		method: http.MethodGet,
		path:   []string{"ai", "jobs", url.PathEscape(jobHandle)},
	}, &payload)
	st := JobStatus{Call: Call{Attempts: attempts}}
	if err != nil {
		return st, err
	}

	st.Raw = payload.Status
	st.State = NormalizeStatus(payload.Status)
	st.Progress = clampProgress(payload.PercentageComplete)
	st.Message = payload.Error
	link := payload.ImageURL
	if link == "" {
		link = payload.ResultURL
	}
	if link != "" {
		st.Result = &domain.DownloadRef{URL: link, FileName: payload.FileName}
	}
	return st, nil
}

func (c *Client) GetCredits(ctx context.Context) (Credits, error) {
	var out Credits
	attempts, err := c.do(ctx, request{op: "credits", method: http.MethodGet, path: []string{"credits"}}, &out)
	out.Attempts = attempts
	if err != nil {
		return out, err
	}
	return out, nil
}

// Ping performs a single unretried credits request. Used by readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.attempt(ctx, request{op: "ping", method: http.MethodGet, path: []string{"credits"}}, nil, nil)
	return err
}

type request struct {
	op     string
	method string
	path   []string // escaped segments below the base URL
	query  url.Values
	body   any
}

// do runs r under the retry policy and returns the number of attempts made.
func (c *Client) do(ctx context.Context, r request, dest any) (int, error) {
	start := time.Now()

	var payload []byte
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return 0, &domain.Error{Kind: domain.KindClientInvalid, Op: r.op, Message: "encode request body", Err: err}
		}
		payload = b
	}

	for attempt := 1; ; attempt++ {
		metrics.UpstreamAttemptsTotal.WithLabelValues(r.op).Inc()

		retryAfter, err := c.attempt(ctx, r, payload, dest)
		if err == nil {
			c.observe(r.op, "success", start)
			return attempt, nil
		}

		var uerr *domain.Error
		if !errors.As(err, &uerr) {
			// caller's context is done; nothing to classify or retry
			c.observe(r.op, "cancelled", start)
			return attempt, err
		}
		uerr.Attempts = attempt

		if !uerr.Kind.Retryable() {
			c.observe(r.op, string(uerr.Kind), start)
			return attempt, uerr
		}

		if attempt >= c.policy.MaxAttempts {
			c.observe(r.op, string(domain.KindRetryExhausted), start)
			c.logger.WarnContext(ctx, "upstream retries exhausted", "op", r.op, "attempts", attempt, "kind", uerr.Kind)
			return attempt, &domain.Error{
				Kind:       domain.KindRetryExhausted,
				Op:         r.op,
				StatusCode: uerr.StatusCode,
				Attempts:   attempt,
				Err:        uerr,
			}
		}

		delay := c.policy.Delay(attempt)
		if uerr.Kind == domain.KindRateLimited && c.policy.RespectRetryAfter && retryAfter >= 0 {
			delay = retryAfter
		}

		metrics.UpstreamRetriesTotal.WithLabelValues(r.op, string(uerr.Kind)).Inc()
		c.logger.DebugContext(ctx, "retrying upstream call",
			"op", r.op,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"kind", uerr.Kind,
			"delay", delay,
		)

		if err := c.sleep(ctx, delay); err != nil {
			c.observe(r.op, "cancelled", start)
			return attempt, err
		}
	}
}

// attempt performs one HTTP exchange. retryAfter is negative unless the
// response carried a usable Retry-After header.
func (c *Client) attempt(ctx context.Context, r request, payload []byte, dest any) (time.Duration, error) {
	retryAfter := time.Duration(-1)

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	reqURL := c.baseURL.JoinPath(r.path...)
	if len(r.query) > 0 {
		reqURL.RawQuery = r.query.Encode()
	}

	req, err := http.NewRequestWithContext(attemptCtx, r.method, reqURL.String(), body)
	if err != nil {
		return retryAfter, &domain.Error{Kind: domain.KindClientInvalid, Op: r.op, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if id := trace.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return retryAfter, c.transportError(ctx, r.op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
			retryAfter = d
		}
		return retryAfter, statusError(r.op, resp)
	}

	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body) // drain so the connection can be reused by the pool
		return retryAfter, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		if ctx.Err() == nil && attemptCtx.Err() != nil {
			return retryAfter, &domain.Error{Kind: domain.KindTimeout, Op: r.op, StatusCode: resp.StatusCode, Err: err}
		}
		if ctx.Err() != nil {
			return retryAfter, ctx.Err()
		}
		return retryAfter, &domain.Error{Kind: domain.KindMalformedResponse, Op: r.op, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return retryAfter, nil
}

// transportError classifies a failed round trip. When the caller's own
// context is done its error is returned unwrapped so it is never retried.
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.Error{Kind: domain.KindTimeout, Op: op, Err: err}
	}
	return &domain.Error{Kind: domain.KindNetworkUnreachable, Op: op, Err: err}
}

func statusError(op string, resp *http.Response) *domain.Error {
	e := &domain.Error{Op: op, StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = domain.KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = domain.KindRateLimited
	case resp.StatusCode >= 500:
		e.Kind = domain.KindServerFailure
	default:
		e.Kind = domain.KindClientInvalid
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorBody
	if json.Unmarshal(raw, &body) == nil {
		e.Message = body.Message
		if e.Message == "" {
			e.Message = body.Error
		}
	}
	return e
}

func (c *Client) observe(op, outcome string, start time.Time) {
	metrics.UpstreamRequestsTotal.WithLabelValues(op, outcome).Inc()
	metrics.UpstreamRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("upstream base URL is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse base url %q: missing host", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
