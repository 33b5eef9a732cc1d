// Package broker is the HTTP client for the remote order queue broker.
package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/botfoods/orderfeed/errs"
	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/observability"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 4 << 20
	requestIDHeader = "X-Request-ID"
)

// Client talks to the broker over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	authToken string
	userAgent string
	logger    observability.Logger
	requestID func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http.Timeout = timeout
		}
	}
}

// WithRateLimit caps outbound requests to rps with the given burst. A non-positive
// rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithAuthToken sends token as a bearer credential.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(agent string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(agent); trimmed != "" {
			c.userAgent = trimmed
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient constructs a client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errs.New("broker/new", errs.CodeInvalid, errs.WithMessage("base url required"))
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errs.New("broker/new", errs.CodeInvalid,
			errs.WithMessage("base url must be absolute"), errs.WithField("baseURL", trimmed), errs.WithCause(err))
	}
	c := &Client{
		baseURL:   parsed,
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: "orderfeed/1.0",
		requestID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = observability.Or(c.logger)
	return c, nil
}

type subscribeRequest struct {
	QueueName         string                   `json:"queueName"`
	SubscriberContext schema.SubscriberContext `json:"subscriberContext,omitempty"`
}

type subscribeResponse struct {
	SessionID string `json:"sessionId"`
}

type ackRequest struct {
	OrderID        string `json:"orderId"`
	NotificationID string `json:"notificationId"`
}

// Subscribe registers a polling session for queueName. A non-2xx answer or a
// response without a session id fails with errs.ErrSubscription.
func (c *Client) Subscribe(ctx context.Context, queueName string, subscriberContext schema.SubscriberContext) (schema.Session, error) {
	const op = "broker/subscribe"
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		return schema.Session{}, errs.New(op, errs.CodeSubscription, errs.WithMessage("queue name required"))
	}
	body, err := json.Marshal(subscribeRequest{QueueName: queueName, SubscriberContext: subscriberContext})
	if err != nil {
		return schema.Session{}, errs.New(op, errs.CodeSubscription, errs.WithMessage("encode request"), errs.WithCause(err))
	}
	status, payload, err := c.do(ctx, http.MethodPost, c.endpoint("queues", queueName, "subscriptions"), body)
	if err != nil {
		return schema.Session{}, errs.New(op, errs.CodeSubscription,
			errs.WithMessage("broker unreachable"), errs.WithField("queue", queueName), errs.WithCause(err))
	}
	if !success(status) {
		return schema.Session{}, errs.New(op, errs.CodeSubscription, errs.WithHTTP(status),
			errs.WithMessage("broker rejected subscription"), errs.WithField("queue", queueName),
			errs.WithField("body", snippet(payload)))
	}
	var resp subscribeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return schema.Session{}, errs.New(op, errs.CodeSubscription, errs.WithHTTP(status),
			errs.WithMessage("decode subscription response"), errs.WithCause(err))
	}
	sessionID := strings.TrimSpace(resp.SessionID)
	if sessionID == "" {
		return schema.Session{}, errs.New(op, errs.CodeSubscription, errs.WithHTTP(status),
			errs.WithMessage("broker returned no session id"), errs.WithField("queue", queueName))
	}
	return schema.Session{
		ID:                sessionID,
		QueueName:         queueName,
		SubscriberContext: subscriberContext.Clone(),
		StartedAt:         time.Now().UTC(),
	}, nil
}

// Poll fetches pending notifications for sessionID. A 401 fails with
// errs.ErrSessionExpired; every other failure fails with errs.ErrTransientPoll.
func (c *Client) Poll(ctx context.Context, sessionID string) (schema.PollResult, error) {
	const op = "broker/poll"
	status, payload, err := c.do(ctx, http.MethodGet, c.endpoint("subscriptions", sessionID, "notifications"), nil)
	if err != nil {
		return schema.PollResult{}, errs.New(op, errs.CodeTransientPoll,
			errs.WithMessage("broker unreachable"), errs.WithCause(err))
	}
	if status == http.StatusUnauthorized {
		return schema.PollResult{}, errs.New(op, errs.CodeSessionExpired, errs.WithHTTP(status),
			errs.WithMessage("session no longer recognised"), errs.WithField("session", sessionID),
			errs.WithRemediation("subscribe again"))
	}
	if !success(status) {
		return schema.PollResult{}, errs.New(op, errs.CodeTransientPoll, errs.WithHTTP(status),
			errs.WithMessage("poll rejected"), errs.WithField("body", snippet(payload)))
	}
	result, err := decodePoll(payload)
	if err != nil {
		return schema.PollResult{}, errs.New(op, errs.CodeTransientPoll, errs.WithHTTP(status),
			errs.WithMessage("decode poll response"), errs.WithCause(err))
	}
	return result, nil
}

// Ack tells the broker a notification was durably handled.
func (c *Client) Ack(ctx context.Context, sessionID, orderID, notificationID string) error {
	const op = "broker/ack"
	body, err := json.Marshal(ackRequest{OrderID: orderID, NotificationID: notificationID})
	if err != nil {
		return errs.New(op, errs.CodeAck, errs.WithMessage("encode request"), errs.WithCause(err))
	}
	status, payload, err := c.do(ctx, http.MethodPost, c.endpoint("subscriptions", sessionID, "acks"), body)
	if err != nil {
		return errs.New(op, errs.CodeAck, errs.WithMessage("broker unreachable"), errs.WithCause(err))
	}
	if !success(status) {
		return errs.New(op, errs.CodeAck, errs.WithHTTP(status),
			errs.WithMessage("ack rejected"), errs.WithField("order", orderID),
			errs.WithField("notification", notificationID), errs.WithField("body", snippet(payload)))
	}
	return nil
}

// Unsubscribe ends sessionID on the broker.
func (c *Client) Unsubscribe(ctx context.Context, sessionID string) error {
	const op = "broker/unsubscribe"
	status, payload, err := c.do(ctx, http.MethodDelete, c.endpoint("subscriptions", sessionID), nil)
	if err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("broker unreachable"), errs.WithCause(err))
	}
	if !success(status) && status != http.StatusNotFound {
		return errs.New(op, errs.CodeUnavailable, errs.WithHTTP(status),
			errs.WithMessage("unsubscribe rejected"), errs.WithField("body", snippet(payload)))
	}
	return nil
}

func (c *Client) endpoint(segments ...string) string {
	u := *c.baseURL
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	u.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = strings.TrimRight(c.baseURL.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	requestID := c.requestID()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(requestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("broker request",
		observability.F("method", method),
		observability.F("url", endpoint),
		observability.F("status", resp.StatusCode),
		observability.F("request_id", requestID),
		observability.F("elapsed", time.Since(start)))
	return resp.StatusCode, payload, nil
}

// pollEnvelope keeps each notification raw so one malformed entry cannot fail the batch.
type pollEnvelope struct {
	Notifications    []json.RawMessage `json:"notifications"`
	PermissionDenied bool              `json:"permissionDenied"`
}

// decodePoll accepts either {"notifications": [...], "permissionDenied": bool}
// or a bare array of notifications. An empty body is an empty result. Only a
// malformed outer document is an error.
func decodePoll(payload []byte) (schema.PollResult, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return schema.PollResult{}, nil
	}
	var envelope pollEnvelope
	target := any(&envelope)
	if trimmed[0] == '[' {
		target = &envelope.Notifications
	}
	if err := json.Unmarshal(trimmed, target); err != nil {
		return schema.PollResult{}, err
	}

	result := schema.PollResult{
		PermissionDenied: envelope.PermissionDenied,
		Notifications:    make([]schema.Notification, 0, len(envelope.Notifications)),
	}
	for _, raw := range envelope.Notifications {
		var n schema.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			result.Rejected = append(result.Rejected, schema.RejectedNotification{Raw: raw, Err: err})
			continue
		}
		result.Notifications = append(result.Notifications, n)
	}
	return result, nil
}

func success(status int) bool {
	return status >= 200 && status < 300
}

func snippet(payload []byte) string {
	const limit = 256
	text := strings.TrimSpace(string(payload))
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}
