// Package sources adapts external telemetry backends to the orchestrator's
// TelemetrySource interface. The HTTP source speaks a simple JSON query API:
// one POST per (tenant, query, window), returning rows grouped per backend
// table.
package sources

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

	"github.com/martinothamar/altinn-tools-sub000/internal/catalog"
	"github.com/martinothamar/altinn-tools-sub000/internal/config"
	"github.com/martinothamar/altinn-tools-sub000/internal/monitoring"
)

var (
	// ErrSourceUnavailable is returned when the telemetry backend cannot be
	// reached or answers with a server-side failure.
	ErrSourceUnavailable = errors.New("telemetry source unavailable")

	// ErrSourceRejected is returned when the backend rejects the query
	// itself, typically a malformed template or an unknown tenant.
	ErrSourceRejected = errors.New("telemetry source rejected query")
)

// HTTPSourceConfig holds the settings for the HTTP telemetry source.
type HTTPSourceConfig struct {
	// BaseURL is the backend root, e.g. "https://telemetry.example.com".
	BaseURL string
	// token authenticates the service against the backend.
	token string
	// RequestTimeout bounds a single query round trip.
	RequestTimeout time.Duration
}

// LoadHTTPSourceConfig reads the source settings from the environment.
func LoadHTTPSourceConfig() *HTTPSourceConfig {
	return &HTTPSourceConfig{
		BaseURL:        config.GetEnvStr("MONITOR_SOURCE_URL", ""),
		token:          config.GetEnvStr("MONITOR_SOURCE_TOKEN", ""),
		RequestTimeout: config.GetEnvDuration("MONITOR_SOURCE_TIMEOUT", 30*time.Second),
	}
}

// NewHTTPSourceConfig creates a config with explicit values, used by tests.
func NewHTTPSourceConfig(baseURL, token string) *HTTPSourceConfig {
	return &HTTPSourceConfig{
		BaseURL:        baseURL,
		token:          token,
		RequestTimeout: 30 * time.Second,
	}
}

// Validate checks that the config is complete.
func (c *HTTPSourceConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("source base URL is required")
	}

	if c.RequestTimeout <= 0 {
		return errors.New("source request timeout must be positive")
	}

	return nil
}

// HTTPSource queries a remote telemetry API over HTTP.
type HTTPSource struct {
	cfg    *HTTPSourceConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSource creates an HTTPSource from the given config.
func NewHTTPSource(cfg *HTTPSourceConfig) (*HTTPSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &HTTPSource{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

type (
	queryRequest struct {
		Query string    `json:"query"`
		From  time.Time `json:"from"`
		To    time.Time `json:"to"`
	}

	queryResponse struct {
		Tables []queryTable `json:"tables"`
	}

	queryTable struct {
		Name string     `json:"name"`
		Rows []queryRow `json:"rows"`
	}

	queryRow struct {
		ExtID         string          `json:"extId"`
		AppName       string          `json:"appName"`
		AppVersion    string          `json:"appVersion"`
		TimeGenerated time.Time       `json:"timeGenerated"`
		Data          json.RawMessage `json:"data"`
	}
)

// Query runs the catalog query against the backend for one tenant and window.
// Rows come back grouped per backend table; the orchestrator flattens them.
func (s *HTTPSource) Query(
	ctx context.Context,
	owner monitoring.ServiceOwner,
	query catalog.Query,
	from, to time.Time,
) ([][]monitoring.TelemetryEntity, error) {
	body, err := json.Marshal(queryRequest{Query: query.Template(), From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("encoding query request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/%s/query", s.cfg.BaseURL, owner)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSourceRejected, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading query response: %w", err)
	}

	var decoded queryResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}

	tables := make([][]monitoring.TelemetryEntity, 0, len(decoded.Tables))

	for _, table := range decoded.Tables {
		rows := make([]monitoring.TelemetryEntity, 0, len(table.Rows))

		for _, row := range table.Rows {
			data, err := monitoring.DecodeTelemetryPayload(query.Type().TelemetryKind(), row.Data)
			if err != nil {
				s.logger.Warn("skipping undecodable telemetry row",
					slog.String("service_owner", owner.String()),
					slog.String("query", query.Name()),
					slog.String("ext_id", row.ExtID),
					slog.String("error", err.Error()),
				)

				continue
			}

			rows = append(rows, monitoring.TelemetryEntity{
				ExtID:         row.ExtID,
				ServiceOwner:  owner,
				AppName:       row.AppName,
				AppVersion:    row.AppVersion,
				TimeGenerated: row.TimeGenerated.UTC(),
				Data:          data,
			})
		}

		tables = append(tables, rows)
	}

	return tables, nil
}
