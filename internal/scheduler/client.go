package scheduler

import (
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

// Client reads upcoming patch tasks from the scheduler's query API.
type Client struct {
	baseURL    string
	token      string
	taskPath   string
	horizon    time.Duration
	groups     map[string]string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a read-only client for the patch scheduler. groups maps
// a task description to the machine group it patches.
func NewClient(cfg config.SchedulerConfig, groups map[string]string, horizon, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		token:    cfg.Token,
		taskPath: cfg.TaskPath,
		horizon:  horizon,
		groups:   groups,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

type task struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	NextRunTime time.Time `json:"next_run_time"`
}

type tasksResponse struct {
	Tasks []task `json:"tasks"`
}

// UpcomingEvents returns the patch tasks that fire strictly after now and
// strictly before now+horizon. The server is asked for the same bounds, but
// they are re-applied locally so a lax server cannot widen the horizon. An
// empty schedule is a nil slice, not an error.
func (c *Client) UpcomingEvents(ctx context.Context, now time.Time) ([]model.PatchEvent, error) {
	until := now.Add(c.horizon)

	q := url.Values{}
	q.Set("path", c.taskPath)
	q.Set("after", now.Format(time.RFC3339))
	q.Set("before", until.Format(time.RFC3339))

	reqURL := fmt.Sprintf("%s/api/v1/tasks?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("task API returned %d: %s", resp.StatusCode, string(body))
	}

	var payload tasksResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}

	var events []model.PatchEvent
	for _, t := range payload.Tasks {
		if !t.NextRunTime.After(now) || !t.NextRunTime.Before(until) {
			c.logger.Debug().
				Str("task", t.Name).
				Time("run_time", t.NextRunTime).
				Msg("task outside horizon, dropped")
			continue
		}
		group := c.groups[t.Description]
		if group == "" {
			c.logger.Warn().
				Str("task", t.Name).
				Str("description", t.Description).
				Msg("no group mapping for task description")
		}
		events = append(events, model.PatchEvent{
			Name:        t.Name,
			Description: t.Description,
			RunTime:     t.NextRunTime,
			Group:       group,
		})
	}
	return events, nil
}
