// Package rest implements a thin JSON over HTTP client shared by the
// eloverblik.dk and energidataservice.dk clients.
//
// Every call is a single blocking round trip: there is no retry.
// Failures are reported as *NetworkError when the server cannot be reached
// and as *APIError when it answers with a non 2xx status.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/net/publicsuffix"
)

// DefaultTimeout is the timeout of a whole request, body included.
const DefaultTimeout = 60 * time.Second

// maxErrorBody limits how much of an error response is kept in APIError.
const maxErrorBody = 4 << 10

// Request describes a single HTTP call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Params url.Values
	// Body, if not nil, is encoded as JSON.
	Body any
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NetworkError is returned when the request does not get a response.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is returned when the server answers with a non successful status code.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Body       []byte
}

func (e *APIError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("api error: %s %s: %s", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("api error: %s %s: %s: %s", e.Method, e.URL, e.Status, bytes.TrimSpace(e.Body))
}

// IsStatus reports whether err wraps an *APIError with the given status code.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// Client is a JSON over HTTP client.
type Client struct {
	hc     *http.Client
	header http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the HTTP transport, mostly useful in tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.hc.Transport = rt }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

// NewClient returns a new Client.
//
// The client keeps cookies between calls: the eloverblik API gateway pins
// sessions with an affinity cookie.
func NewClient(userAgent string, opts ...Option) (*Client, error) {
	j, err := cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		hc: &http.Client{
			Jar:     j,
			Timeout: DefaultTimeout,
		},
		header: http.Header{},
	}
	c.header.Set("Accept", "application/json")
	c.header.Set("User-Agent", userAgent)
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Do sends the request and reads the whole response.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, err
	}

	rsp, err := c.hc.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	defer rsp.Body.Close()

	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: fmt.Errorf("cannot read response: %w", err)}
	}

	if rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &APIError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: rsp.StatusCode,
			Status:     rsp.Status,
			Body:       body,
		}
	}

	return &Response{
		StatusCode: rsp.StatusCode,
		Header:     rsp.Header,
		Body:       body,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, r Request) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", r.URL, err)
	}
	if len(r.Params) > 0 {
		q := u.Query()
		for k, vv := range r.Params {
			for _, v := range vv {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		b, err := sonic.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("cannot encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vv := range c.header {
		req.Header[k] = append([]string(nil), vv...)
	}
	for k, vv := range r.Header {
		req.Header[k] = append([]string(nil), vv...)
	}
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// DecodeJSON decodes a response body into v.
func DecodeJSON(body []byte, v any) error {
	if err := sonic.Unmarshal(body, v); err != nil {
		return fmt.Errorf("cannot parse response: %w", err)
	}
	return nil
}

// BearerHeader returns the Authorization header for the token.
func BearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
