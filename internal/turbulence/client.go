package turbulence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/skybrief/turbcast/pkg/logger"
)

// fetchKind labels the upstream request types for logging
type fetchKind string

const (
	fetchKindTimes   fetchKind = "times"
	fetchKindGeoJSON fetchKind = "geojson"
	fetchKindTile    fetchKind = "tile"
	fetchKindLegend  fetchKind = "legend"
)

// imageResult is a fetched tile or legend image
type imageResult struct {
	Data        []byte
	ContentType string
}

// Client issues read-only requests against the public turbulence forecast API.
// Every request passes through a token-bucket limiter and a circuit breaker;
// transient failures are retried with exponential backoff.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *logger.Logger
}

// NewClient creates a new upstream API client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	rps := config.RateLimitPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := config.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}
	maxFailures := config.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	openSecs := config.BreakerOpenSeconds
	if openSecs <= 0 {
		openSecs = 60
	}

	clientLogger := log.Named("turbulence-client")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "turbulence-upstream",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     time.Duration(openSecs) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			clientLogger.Warn("Upstream circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()))
		},
	})

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: time.Duration(config.RequestTimeoutSeconds) * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: breaker,
		logger:  clientLogger,
	}
}

// FetchTimes fetches the available forecast timestamp tokens for a layer.
// The upstream body is a JSON map of layer id to token array; a body without
// the requested layer key means no data and yields an empty slice.
func (c *Client) FetchTimes(ctx context.Context, layerID string) ([]string, error) {
	url := fmt.Sprintf("%s/times?products=%s", c.config.BaseURL, layerID)

	body, _, err := c.fetchWithRetry(ctx, url, fetchKindTimes, layerID)
	if err != nil {
		return nil, err
	}

	var result map[string][]string
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("error decoding times listing: %w", err)
	}

	tokens, ok := result[layerID]
	if !ok {
		c.logger.Warn("Times listing missing layer key, treating as no data",
			logger.String("layer", layerID),
			logger.Int("keys", len(result)))
		return nil, nil
	}
	return tokens, nil
}

// FetchGeoJSON fetches and parses the polygon set for a layer and token
func (c *Client) FetchGeoJSON(ctx context.Context, layerID, token string) (*PolygonSet, error) {
	url := fmt.Sprintf("%s/geojson?products=%s&time=%s", c.config.BaseURL, layerID, token)

	body, _, err := c.fetchWithRetry(ctx, url, fetchKindGeoJSON, layerID)
	if err != nil {
		return nil, err
	}

	set, err := ParsePolygonSet(layerID, token, body)
	if err != nil {
		return nil, fmt.Errorf("error parsing polygon set for %s@%s: %w", layerID, token, err)
	}
	return set, nil
}

// FetchTile fetches one forecast overlay tile image
func (c *Client) FetchTile(ctx context.Context, layerID, token string, z, x, y int) (*imageResult, error) {
	url := fmt.Sprintf("%s/image?products=%s&time=%s&x=%d&y=%d&z=%d",
		c.config.BaseURL, layerID, token, x, y, z)

	body, contentType, err := c.fetchWithRetry(ctx, url, fetchKindTile, layerID)
	if err != nil {
		return nil, err
	}
	return &imageResult{Data: body, ContentType: contentType}, nil
}

// FetchLegend fetches the static legend image for a layer
func (c *Client) FetchLegend(ctx context.Context, layerID string) (*imageResult, error) {
	url := fmt.Sprintf("%s/legend?products=%s", c.config.BaseURL, layerID)

	body, contentType, err := c.fetchWithRetry(ctx, url, fetchKindLegend, layerID)
	if err != nil {
		return nil, err
	}
	return &imageResult{Data: body, ContentType: contentType}, nil
}

// terminalStatusError marks HTTP statuses that retrying cannot fix
type terminalStatusError struct {
	status int
}

func (e *terminalStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.status)
}

// fetchWithRetry performs a rate-limited, breaker-guarded GET with
// exponential backoff between attempts. 4xx responses are terminal; transport
// errors and 5xx responses are retried up to the configured attempt count.
func (c *Client) fetchWithRetry(ctx context.Context, url string, kind fetchKind, layerID string) ([]byte, string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(500*(1<<uint(attempt-1))) * time.Millisecond
			c.logger.Info("Retrying upstream fetch",
				logger.String("kind", string(kind)),
				logger.String("layer", layerID),
				logger.Int("attempt", attempt),
				logger.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, "", fmt.Errorf("rate limit wait canceled: %w", err)
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doGet(ctx, url)
		})
		if err != nil {
			lastErr = err
			if terminal, ok := err.(*terminalStatusError); ok {
				c.logger.Warn("Upstream returned terminal status",
					logger.String("kind", string(kind)),
					logger.String("layer", layerID),
					logger.Int("status_code", terminal.status))
				return nil, "", err
			}
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				c.logger.Warn("Upstream circuit breaker rejected request",
					logger.String("kind", string(kind)),
					logger.String("layer", layerID),
					logger.Error(err))
				return nil, "", err
			}
			c.logger.Warn("Upstream fetch failed, may retry",
				logger.String("kind", string(kind)),
				logger.String("layer", layerID),
				logger.Error(err),
				logger.Int("attempt", attempt+1),
				logger.Int("max_attempts", c.config.MaxRetries+1))
			continue
		}

		resp := result.(*fetchedBody)
		if attempt > 0 {
			c.logger.Info("Upstream fetch succeeded after retries",
				logger.String("kind", string(kind)),
				logger.String("layer", layerID),
				logger.Int("attempts_needed", attempt+1))
		}
		return resp.body, resp.contentType, nil
	}

	c.logger.Error("All attempts to fetch upstream data failed",
		logger.String("kind", string(kind)),
		logger.String("layer", layerID),
		logger.Error(lastErr),
		logger.Int("max_attempts", c.config.MaxRetries+1))
	return nil, "", lastErr
}

// fetchedBody is the breaker execute result
type fetchedBody struct {
	body        []byte
	contentType string
}

// doGet performs a single GET request
func (c *Client) doGet(ctx context.Context, url string) (*fetchedBody, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making request to turbulence API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &terminalStatusError{status: resp.StatusCode}
		}
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	return &fetchedBody{
		body:        body,
		contentType: resp.Header.Get("Content-Type"),
	}, nil
}
