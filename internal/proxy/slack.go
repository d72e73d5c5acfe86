package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultSlackBaseURL = "https://slack.com/api"
	maxSlackResponse    = 4 << 20 // 4 MB
)

// SlackClient performs Slack Web API calls with the backend's bot token.
type SlackClient struct {
	baseURL    string
	botToken   string
	httpClient *http.Client
}

// NewSlackClient creates a Slack Web API client. An empty baseURL uses
// https://slack.com/api.
func NewSlackClient(botToken, baseURL string, timeout time.Duration) *SlackClient {
	if baseURL == "" {
		baseURL = defaultSlackBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SlackClient{
		baseURL:  baseURL,
		botToken: botToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Get calls a read method with query parameters and returns the raw JSON body.
func (s *SlackClient) Get(ctx context.Context, method string, query url.Values) (json.RawMessage, error) {
	u := s.baseURL + "/" + method
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return s.do(req)
}

// Post calls a write method with a JSON body and returns the raw JSON body.
func (s *SlackClient) Post(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return s.do(req)
}

func (s *SlackClient) do(req *http.Request) (json.RawMessage, error) {
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxSlackResponse))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slack API returned %d: %s", resp.StatusCode, truncate(string(respBody), 256))
	}
	// Slack returns 200 with {"ok":false,...} on API errors; the body is
	// passed through unchanged so the sandbox sees Slack's own error.
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("slack API returned invalid JSON")
	}
	return json.RawMessage(respBody), nil
}

// slackMethods is the fixed dispatch table for proxied Slack calls.
func slackMethods(c *SlackClient) map[string]methodFunc {
	return map[string]methodFunc{
		"conversations.list": func(ctx context.Context, p params) (json.RawMessage, error) {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(p.intOr("limit", 50)))
			q.Set("types", "public_channel")
			return c.Get(ctx, "conversations.list", q)
		},
		"conversations.history": func(ctx context.Context, p params) (json.RawMessage, error) {
			q := url.Values{}
			q.Set("channel", p.str("channel"))
			q.Set("limit", strconv.Itoa(p.intOr("limit", 20)))
			return c.Get(ctx, "conversations.history", q)
		},
		"search.messages": func(ctx context.Context, p params) (json.RawMessage, error) {
			q := url.Values{}
			q.Set("query", p.str("query"))
			q.Set("count", strconv.Itoa(p.intOr("limit", 20)))
			q.Set("sort", "timestamp")
			return c.Get(ctx, "search.messages", q)
		},
		"chat.postMessage": func(ctx context.Context, p params) (json.RawMessage, error) {
			return c.Post(ctx, "chat.postMessage", map[string]any{
				"channel": p.str("channel"),
				"text":    p.str("text"),
			})
		},
	}
}
