package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const defaultAPIBase = "https://api.x.com"

// Client performs the actual publish call against the platform API.
type Client interface {
	// CreatePost publishes content with the given access token and returns
	// the provider-assigned post id.
	CreatePost(ctx context.Context, accessToken, content string) (string, error)
}

// APIError is a structured publish-endpoint failure. RetryAfter carries the
// Retry-After header when the provider sent one.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("x api: %d %s: %s", e.StatusCode, e.Title, e.Detail)
	}
	return fmt.Sprintf("x api: %d %s", e.StatusCode, e.Title)
}

// XClient calls the X API v2 tweets endpoint. Outbound calls are gated by a
// shared rate limiter so bursts of due posts don't trip the provider quota.
type XClient struct {
	BaseURL string
	HTTP    *http.Client
	Limiter *rate.Limiter
}

func NewXClient() *XClient {
	return &XClient{
		BaseURL: defaultAPIBase,
		HTTP:    &http.Client{Timeout: 20 * time.Second},
		Limiter: rate.NewLimiter(rate.Limit(1), 2),
	}
}

type createPostRequest struct {
	Text string `json:"text"`
}

type createPostResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func (c *XClient) CreatePost(ctx context.Context, accessToken, content string) (string, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	body, _ := json.Marshal(createPostRequest{Text: content})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var out createPostResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Title:      out.Title,
			Detail:     out.Detail,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if apiErr.Title == "" {
			apiErr.Title = http.StatusText(resp.StatusCode)
		}
		return "", apiErr
	}
	if out.Data.ID == "" {
		return "", &APIError{StatusCode: resp.StatusCode, Title: "missing post id in response"}
	}
	return out.Data.ID, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
