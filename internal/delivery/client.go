// Package delivery posts parsed alerts to the downstream webhook receiver
// and classifies every attempt as success, fatal, or retryable. The monitor
// uses that classification to decide whether a message is marked seen.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailsink-io/mailsink/internal/models"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "mailsink-relay/1.0"
)

// Config holds the receiver endpoint settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Outcome is the classified result of one delivery attempt.
//
// Success means the receiver acknowledged with a 2xx. Retryable covers
// network errors, timeouts, and 5xx responses: the message stays unseen
// and the next poll cycle tries again. A non-success, non-retryable
// outcome is fatal: the receiver rejected the payload (4xx) and retrying
// the same alert would only fail the same way.
type Outcome struct {
	Success    bool
	Retryable  bool
	StatusCode int
	Duration   time.Duration
	AlertID    string
	Message    string
	Err        error
}

// Fatal reports whether the attempt failed in a way retries cannot fix.
func (o Outcome) Fatal() bool {
	return !o.Success && !o.Retryable
}

type payload struct {
	UID       string `json:"uid"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Sender    string `json:"sender"`
	Date      string `json:"date"`
	AlertType string `json:"alert_type"`
}

type ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	AlertID string `json:"alert_id"`
}

// Client posts alerts to routes under a single receiver base URL.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *log.Logger
}

type Option func(*Client)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// NewClient builds a delivery client for the given receiver.
func NewClient(conf Config, opts ...Option) *Client {
	timeout := conf.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL: strings.TrimRight(conf.BaseURL, "/"),
		token:   conf.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver posts one alert to its route and classifies the result. The
// alert's received date is serialized as UTC ISO-8601.
func (c *Client) Deliver(ctx context.Context, alert *models.Alert) Outcome {
	body, err := json.Marshal(payload{
		UID:       alert.UID,
		Subject:   alert.Subject,
		Body:      alert.Body,
		Sender:    alert.Sender,
		Date:      alert.ReceivedAt.UTC().Format(time.RFC3339),
		AlertType: alert.Type,
	})
	if err != nil {
		return Outcome{Err: fmt.Errorf("failed to marshal alert payload: %w", err)}
	}

	url := c.baseURL + normalizeRoute(alert.Route)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return Outcome{Err: fmt.Errorf("failed to create request for %s: %w", url, err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("X-Token", c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.Printf("delivery: POST %s failed after %s: %v", url, duration.Round(time.Millisecond), err)
		return Outcome{Retryable: true, Duration: duration, Err: fmt.Errorf("post %s: %w", url, err)}
	}
	defer resp.Body.Close()

	out := Outcome{StatusCode: resp.StatusCode, Duration: duration}
	respBody, readErr := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out.Success = true
		if readErr == nil {
			var a ack
			if err := json.Unmarshal(respBody, &a); err == nil {
				out.AlertID = a.AlertID
				out.Message = a.Message
			}
		}
		c.logger.Printf("delivery: POST %s -> %d in %s", url, resp.StatusCode, duration.Round(time.Millisecond))

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected this payload. Retrying cannot help, so the
		// message must not stay queued behind it.
		out.Err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
		out.Message = strings.TrimSpace(string(respBody))
		c.logger.Printf("delivery: POST %s rejected with %d, dropping", url, resp.StatusCode)

	default:
		out.Retryable = true
		out.Err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
		out.Message = strings.TrimSpace(string(respBody))
		c.logger.Printf("delivery: POST %s -> %d, will retry next cycle", url, resp.StatusCode)
	}

	return out
}

func normalizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	if !strings.HasPrefix(route, "/") {
		return "/" + route
	}
	return route
}
