package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/audun/patchsilence/internal/config"
	"github.com/audun/patchsilence/internal/model"
)

// Client talks to the monitoring platform: node lookup by IP and the
// unmanage-window endpoint.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg config.MonitoringConfig, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "monitoring").Logger(),
	}
}

// NodeIDByIP returns the platform's node id for a machine, matching either
// its primary or a secondary IP. A machine the platform does not monitor
// yields ("", nil): not monitored is an answer, not an error.
func (c *Client) NodeIDByIP(ctx context.Context, ip string) (string, error) {
	q := url.Values{}
	q.Set("ip", ip)

	reqURL := fmt.Sprintf("%s/api/v1/nodes?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query node by ip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("node API returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Nodes []struct {
			ID string `json:"id"`
		} `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode node query: %w", err)
	}
	if len(payload.Nodes) == 0 {
		return "", nil
	}
	return payload.Nodes[0].ID, nil
}

type unmanageRequest struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	IsDelta bool   `json:"is_delta"`
}

// Unmanage schedules an unmanage window on the platform for the window's
// node. Start and end are absolute instants in UTC; the platform must not
// interpret them relative to submission time.
func (c *Client) Unmanage(ctx context.Context, w model.MaintenanceWindow) error {
	payload := unmanageRequest{
		Start:   w.StartTime.UTC().Format(time.RFC3339),
		End:     w.EndTime.UTC().Format(time.RFC3339),
		IsDelta: false,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal unmanage request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/api/v1/nodes/%s/unmanage", c.baseURL, url.PathEscape(w.NodeID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unmanage node %s: %w", w.NodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unmanage node %s: status %d: %s", w.NodeID, resp.StatusCode, string(respBody))
	}
	return nil
}
