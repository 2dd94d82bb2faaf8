package fleetclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultPageSize = 100

	// maxPages stops paging against a controller that never reports the end
	// of the list.
	maxPages = 1000

	successCode = 200
)

type Options struct {
	Timeout  time.Duration
	PageSize int
}

// Client talks to the fleet controller REST API. It is safe for concurrent
// use.
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	pageSize int
	log      *logrus.Entry
}

func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid controller url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid controller url %q: scheme must be http or https", baseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}

	return &Client{
		baseURL:  u,
		http:     &http.Client{Timeout: opts.Timeout},
		pageSize: opts.PageSize,
		log:      logrus.WithField("component", "fleetclient"),
	}, nil
}

// Ping checks the controller liveness endpoint. Any failure is reported as a
// ConnectivityError.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath("health").String(), nil)
	if err != nil {
		return &ConnectivityError{Op: "ping", Err: err}
	}
	res, err := c.http.Do(req)
	if err != nil {
		return &ConnectivityError{Op: "ping", Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return &ConnectivityError{Op: "ping", Err: err}
	}
	if res.StatusCode != http.StatusOK {
		return &ConnectivityError{Op: "ping", Err: fmt.Errorf("unexpected status %s", res.Status)}
	}
	if !reportsOK(body) {
		return &ConnectivityError{Op: "ping", Err: fmt.Errorf("controller did not report ok: %.64q", body)}
	}
	return nil
}

// reportsOK accepts a bare "ok" body or a JSON object whose status is "ok".
func reportsOK(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var health struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal([]byte(trimmed), &health); err != nil {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(health.Status), "ok")
	}
	return strings.EqualFold(strings.Trim(trimmed, `"`), "ok")
}

// ListAgents returns every agent known to the controller, following pages
// until the reported total is reached or a page adds nothing new.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	seen := make(map[string]struct{})

	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("page_size", strconv.Itoa(c.pageSize))

		var list itemList[Agent]
		if err := c.getJSON(ctx, "api/v1/agents", q, &list); err != nil {
			return nil, err
		}

		added := 0
		for _, a := range list.Items {
			if _, ok := seen[a.ID]; ok {
				continue
			}
			seen[a.ID] = struct{}{}
			agents = append(agents, a)
			added++
		}

		if added == 0 || len(list.Items) < c.pageSize {
			break
		}
		if list.Total > 0 && len(agents) >= list.Total {
			break
		}
		if page == maxPages {
			c.log.Warnf("agent listing truncated after %d pages", maxPages)
		}
	}
	return agents, nil
}

func (c *Client) GetAgent(ctx context.Context, id string) (*Agent, error) {
	if id == "" {
		return nil, errors.New("agent id is required")
	}
	var a Agent
	err := c.getJSON(ctx, "api/v1/agents/"+url.PathEscape(id), nil, &a)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", id, ErrAgentNotFound)
		}
		return nil, err
	}
	if a.ID == "" {
		return nil, fmt.Errorf("%s: %w", id, ErrAgentNotFound)
	}
	return &a, nil
}

func (c *Client) ListProtocols(ctx context.Context) ([]AgentProtocols, error) {
	var list itemList[AgentProtocols]
	if err := c.getJSON(ctx, "api/v1/protocols", nil, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return &ConnectivityError{Op: "GET /" + path, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &APIError{Code: res.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	env := envelope[json.RawMessage]{}
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode controller response: %w", err)
	}
	if env.Code != successCode {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode controller data: %w", err)
	}
	return nil
}
