package virt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/audun/patchsilence/internal/config"
)

// Client opens sessions against virtualization hosts. One credential pair is
// shared across all hosts; each Open call authenticates against one of them.
type Client struct {
	username   string
	password   string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg config.VirtConfig, timeout time.Duration, logger zerolog.Logger) *Client {
	transport := http.DefaultTransport
	if cfg.InsecureSkipVerify {
		// Many virtualization hosts still run with self-signed certs.
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.With().Str("component", "virt").Logger(),
	}
}

// Session is an authenticated session against one virtualization host. Close
// must be called when done; it is safe to call after a failed guest lookup.
type Session struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Open authenticates against the given virtualization host and returns a
// session. vhost is a bare hostname unless it already carries a scheme.
func (c *Client) Open(ctx context.Context, vhost string) (*Session, error) {
	baseURL := vhost
	if !strings.Contains(vhost, "://") {
		baseURL = "https://" + vhost
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/session", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w", vhost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("session API on %s returned %d: %s", vhost, resp.StatusCode, string(body))
	}

	var token string
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode session token from %s: %w", vhost, err)
	}

	return &Session{
		baseURL:    baseURL,
		token:      token,
		httpClient: c.httpClient,
		logger:     c.logger.With().Str("vhost", vhost).Logger(),
	}, nil
}

// GuestIP returns the first address the named guest reports, or "" when the
// guest reports none (tools not running, guest booting).
func (s *Session) GuestIP(ctx context.Context, name string) (string, error) {
	var payload struct {
		Addresses []string `json:"addresses"`
	}
	if err := s.get(ctx, fmt.Sprintf("/api/guests/%s/addresses", name), &payload); err != nil {
		return "", err
	}
	if len(payload.Addresses) == 0 {
		return "", nil
	}
	return payload.Addresses[0], nil
}

// GuestHostname returns the hostname the named guest reports.
func (s *Session) GuestHostname(ctx context.Context, name string) (string, error) {
	var payload struct {
		Hostname string `json:"hostname"`
	}
	if err := s.get(ctx, fmt.Sprintf("/api/guests/%s/hostname", name), &payload); err != nil {
		return "", err
	}
	return payload.Hostname, nil
}

// Close releases the session on the host.
func (s *Session) Close(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/api/session", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Session-Token", s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("close session returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (s *Session) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Session-Token", s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("guest API returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
