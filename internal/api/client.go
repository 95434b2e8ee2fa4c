// ABOUTME: REST client for the gateway-info endpoint used to bootstrap a cluster.
// ABOUTME: Returns the gateway URL, recommended shard count and session-start budget.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the REST API root.
const DefaultBaseURL = "https://discord.com/api/v10"

// SessionStartLimit is the identify budget for the current window.
type SessionStartLimit struct {
	Total      int `json:"total"`
	Remaining  int `json:"remaining"`
	ResetAfter int `json:"reset_after"`
	// MaxConcurrency is the number of identifies allowed per 5 seconds.
	MaxConcurrency int `json:"max_concurrency"`
}

// ResetIn returns ResetAfter as a duration.
func (l SessionStartLimit) ResetIn() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// GatewayInfo is the response of the bot gateway endpoint.
type GatewayInfo struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    int
	Message string
	// RetryAfter is set on rate-limited responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.Status)
	}
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

// Client calls the REST API with a bot token.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client. An empty baseURL selects DefaultBaseURL and a
// nil httpClient gets a 30 second timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  httpClient,
	}
}

// GatewayBot fetches the gateway URL and sharding information.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/gateway/bot", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp)
	}

	var info GatewayInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding gateway info: %w", err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("decoding gateway info: missing url")
	}
	return &info, nil
}

// handleErrorResponse extracts the API error from a non-200 response.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}

	var payload struct {
		Code       int     `json:"code"`
		Message    string  `json:"message"`
		RetryAfter float64 `json:"retry_after"`
	}
	if json.Unmarshal(body, &payload) == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
		apiErr.RetryAfter = time.Duration(payload.RetryAfter * float64(time.Second))
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
