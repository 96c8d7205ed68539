// Package notify provides the outbound notification channel client.
//
// The channel is a Slack-style chat API: messages are posted over HTTP with
// bearer auth and answered with an {ok, ts | error} envelope. Transient
// transport failures (network errors, 5xx, rate limiting) are retried with
// exponential backoff; an application-level rejection ({"ok": false}) is not
// retried here - the alerter abandons the attempt and the item stays Pending
// until the next sweep.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/martinothamar/altinn-tools-sub000/internal/config"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMaxAttempts    = 4
	defaultBaseDelay      = 500 * time.Millisecond
	defaultMaxDelay       = 8 * time.Second
	defaultPostRPS        = 1
	defaultPostBurst      = 3

	postMessagePath = "/api/chat.postMessage"
)

// Sentinel errors for notification delivery.
var (
	// ErrChannelRejected is returned when the channel answers with a
	// structured "not ok" response. Not retryable within an attempt.
	ErrChannelRejected = errors.New("notification channel rejected message")

	// ErrDeliveryFailed is returned when transport-level retries are exhausted.
	ErrDeliveryFailed = errors.New("notification delivery failed")

	// ErrTokenEmpty is returned when the client is configured without a token.
	ErrTokenEmpty = errors.New("notification token cannot be empty")

	// ErrBaseURLEmpty is returned when the client is configured without a base URL.
	ErrBaseURLEmpty = errors.New("notification base URL cannot be empty")
)

type (
	// ClientConfig holds notification channel configuration.
	ClientConfig struct {
		BaseURL        string
		token          string
		RequestTimeout time.Duration
		MaxAttempts    int
		BaseDelay      time.Duration
		MaxDelay       time.Duration
		PostRPS        int
		PostBurst      int
	}

	// Client posts messages to the notification channel.
	Client struct {
		httpClient *http.Client
		limiter    *rate.Limiter
		cfg        *ClientConfig
		logger     *slog.Logger
	}

	postMessageRequest struct {
		Channel string `json:"channel"`
		Text    string `json:"text"`
	}

	postMessageResponse struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error"`
	}
)

// LoadClientConfig loads notification configuration from environment variables.
func LoadClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:        config.GetEnvStr("MONITOR_SLACK_BASE_URL", "https://slack.com"),
		token:          config.GetEnvStr("MONITOR_SLACK_TOKEN", ""),
		RequestTimeout: config.GetEnvDuration("MONITOR_SLACK_REQUEST_TIMEOUT", defaultRequestTimeout),
		MaxAttempts:    config.GetEnvInt("MONITOR_SLACK_MAX_ATTEMPTS", defaultMaxAttempts),
		BaseDelay:      config.GetEnvDuration("MONITOR_SLACK_RETRY_BASE_DELAY", defaultBaseDelay),
		MaxDelay:       config.GetEnvDuration("MONITOR_SLACK_RETRY_MAX_DELAY", defaultMaxDelay),
		PostRPS:        config.GetEnvInt("MONITOR_SLACK_POST_RPS", defaultPostRPS),
		PostBurst:      config.GetEnvInt("MONITOR_SLACK_POST_BURST", defaultPostBurst),
	}
}

// NewClientConfig creates a ClientConfig with an explicit endpoint and token
// and default retry/rate settings. Used by tests.
func NewClientConfig(baseURL, token string) *ClientConfig {
	return &ClientConfig{
		BaseURL:        baseURL,
		token:          token,
		RequestTimeout: defaultRequestTimeout,
		MaxAttempts:    defaultMaxAttempts,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		PostRPS:        defaultPostRPS,
		PostBurst:      defaultPostBurst,
	}
}

// Validate checks if the notification configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return ErrBaseURLEmpty
	}

	if c.token == "" {
		return ErrTokenEmpty
	}

	return nil
}

// NewClient creates a notification channel client with client-side rate
// limiting and transport-level retry.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.PostRPS), cfg.PostBurst),
		cfg:        cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// PostMessage posts text to the named channel and returns the channel's
// external message reference on success.
//
// Retries transport failures (network errors, 5xx, 429) with exponential
// backoff up to the configured attempt budget. Application-level rejections
// return ErrChannelRejected immediately.
func (c *Client) PostMessage(ctx context.Context, channel, text string) (string, error) {
	body, err := json.Marshal(postMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal payload: %w", ErrDeliveryFailed, err)
	}

	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return "", fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		}

		ts, retryable, err := c.post(ctx, body)
		if err == nil {
			return ts, nil
		}

		if !retryable {
			return "", err
		}

		lastErr = err

		c.logger.Warn("notification attempt failed",
			slog.String("channel", channel),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", c.cfg.MaxAttempts),
			slog.String("error", err.Error()),
		)
	}

	return "", fmt.Errorf("%w: attempts exhausted: %w", ErrDeliveryFailed, lastErr)
}

// post performs a single HTTP attempt. The second return value reports
// whether the failure is worth retrying at the transport layer.
func (c *Client) post(ctx context.Context, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+postMessagePath, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("%w: failed to build request: %w", ErrDeliveryFailed, err)
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.cfg.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		_, _ = io.Copy(io.Discard, resp.Body)

		return "", true, fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)

		return "", false, fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	var decoded postMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", true, fmt.Errorf("%w: failed to decode response: %w", ErrDeliveryFailed, err)
	}

	if !decoded.OK {
		return "", false, fmt.Errorf("%w: %s", ErrChannelRejected, decoded.Error)
	}

	return decoded.TS, false, nil
}

// sleepBackoff waits base * 2^(attempt-1), capped at MaxDelay.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := c.cfg.BaseDelay << (attempt - 1)
	if delay > c.cfg.MaxDelay || delay <= 0 {
		delay = c.cfg.MaxDelay
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
