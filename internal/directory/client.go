package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/audun/patchsilence/internal/config"
	"github.com/audun/patchsilence/internal/model"
)

// Client lists the machines belonging to a group in the machine directory.
type Client struct {
	baseURL    string
	token      string
	delimiter  string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg config.GroupsConfig, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		token:     cfg.Token,
		delimiter: cfg.Delimiter,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

type membersResponse struct {
	Members []string `json:"members"`
}

// Members returns the parsed membership of a group. An empty group name
// (a task with no group mapping) returns no members without a lookup.
func (c *Client) Members(ctx context.Context, group string) ([]model.GroupMember, error) {
	if group == "" {
		return nil, nil
	}

	reqURL := fmt.Sprintf("%s/api/v1/groups/%s/members", c.baseURL, url.PathEscape(group))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch group %s: %w", group, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("group API returned %d: %s", resp.StatusCode, string(body))
	}

	var payload membersResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode group %s: %w", group, err)
	}

	members := make([]model.GroupMember, 0, len(payload.Members))
	for _, raw := range payload.Members {
		m, ok := ParseMember(raw, c.delimiter)
		if !ok {
			c.logger.Debug().Str("group", group).Str("entry", raw).Msg("blank member entry dropped")
			continue
		}
		members = append(members, m)
	}
	return members, nil
}

// ParseMember parses one directory entry. An entry is an identity, optionally
// followed by the delimiter and the virtualization host managing it:
// "web01:vc-east-1" is a guest on vc-east-1, "db01" is a physical machine.
// Whitespace around either part is ignored. ok is false for blank entries.
func ParseMember(raw, delimiter string) (model.GroupMember, bool) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return model.GroupMember{}, false
	}

	identity, virtHost, found := strings.Cut(token, delimiter)
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return model.GroupMember{}, false
	}
	if !found {
		return model.GroupMember{Identity: identity}, true
	}
	return model.GroupMember{Identity: identity, VirtHost: strings.TrimSpace(virtHost)}, true
}
