package httpclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client wraps resty for requests to external source APIs.
// Retries are owned by the caller, so the resty retry loop is disabled.
type Client struct {
	r *resty.Client
}

// New creates a new HTTP client with sensible defaults.
func New() *Client {
	r := resty.New().
		SetTimeout(30*time.Second).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &Client{r: r}
}

// WithTimeout sets a custom timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.r.SetTimeout(d)
	return c
}

// WithBaseURL sets the base URL requests are resolved against.
func (c *Client) WithBaseURL(url string) *Client {
	c.r.SetBaseURL(strings.TrimRight(url, "/"))
	return c
}

// WithBearerToken sets a bearer token for authentication.
func (c *Client) WithBearerToken(token string) *Client {
	c.r.SetAuthToken(token)
	return c
}

// WithHeader sets a custom header.
func (c *Client) WithHeader(key, value string) *Client {
	c.r.SetHeader(key, value)
	return c
}

// WithInsecureSkipVerify disables TLS verification.
func (c *Client) WithInsecureSkipVerify() *Client {
	c.r.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	return c
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, strings.TrimSpace(body))
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// RetryAfter returns the server-requested delay, zero when none was sent.
func (e *StatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

// GetJSON sends a GET request and decodes a JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, query map[string]string, out interface{}) error {
	req := c.r.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(url)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	return decode(resp, out)
}

// PostJSON sends a POST request with JSON body and decodes the response into out when set.
func (c *Client) PostJSON(ctx context.Context, url string, body, out interface{}) error {
	req := c.r.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	resp, err := req.Post(url)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	return decode(resp, out)
}

// Raw returns the underlying resty client for advanced usage.
func (c *Client) Raw() *resty.Client {
	return c.r
}

func decode(resp *resty.Response, out interface{}) error {
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s response: %w", resp.Request.URL, err)
	}
	return nil
}

func checkResponse(resp *resty.Response) error {
	if !resp.IsError() && resp.StatusCode() < http.StatusMultipleChoices {
		return nil
	}
	return &StatusError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode(),
		Body:       resp.String(),
		retryAfter: ParseRetryAfter(resp.Header().Get("Retry-After"), time.Now()),
	}
}

// ParseRetryAfter understands both delta-seconds and HTTP-date forms.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
