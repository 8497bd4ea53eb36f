package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 15 * time.Second
	restPathPrefix        = "/rest/v1"
	errorBodyLimit        = 4096
)

// ClientConfig customizes a row API client.
type ClientConfig struct {
	BaseURL    string
	AnonKey    string
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *slog.Logger
}

// Client speaks the backend's row API: filtered reads over named
// tables, writes with representation echo, and RPC-style aggregate
// functions. Every request carries the caller's current access token
// so row policies see the right identity.
type Client struct {
	baseURL *url.URL
	anonKey string
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", base.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	tokens := cfg.Tokens
	if tokens == nil {
		tokens = TokenFunc(func() string { return "" })
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: base,
		anonKey: strings.TrimSpace(cfg.AnonKey),
		http:    httpClient,
		tokens:  tokens,
		logger:  logger,
	}, nil
}

// Select reads rows from a table into dest, which must be a pointer to
// a slice of row structs.
func (c *Client) Select(ctx context.Context, table string, q Query, dest any) error {
	return c.do(ctx, http.MethodGet, restPathPrefix+"/"+table, q.Encode(), nil, dest)
}

// Insert writes one row or a batch. When dest is non-nil the server
// echoes the created representation back into it.
func (c *Client) Insert(ctx context.Context, table string, body, dest any) error {
	return c.do(ctx, http.MethodPost, restPathPrefix+"/"+table, nil, body, dest)
}

// Update patches every row matching the query filters.
func (c *Client) Update(ctx context.Context, table string, q Query, patch, dest any) error {
	return c.do(ctx, http.MethodPatch, restPathPrefix+"/"+table, q.Encode(), patch, dest)
}

// Delete removes every row matching the query filters.
func (c *Client) Delete(ctx context.Context, table string, q Query) error {
	return c.do(ctx, http.MethodDelete, restPathPrefix+"/"+table, q.Encode(), nil, nil)
}

// RPC invokes a named server function with a JSON argument object.
func (c *Client) RPC(ctx context.Context, fn string, args, dest any) error {
	if args == nil {
		args = map[string]any{}
	}

	return c.do(ctx, http.MethodPost, restPathPrefix+"/rpc/"+fn, nil, args, dest)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload, dest any) error {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if len(params) > 0 {
		endpoint.RawQuery = params.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if dest != nil && (method == http.MethodPost || method == http.MethodPatch) {
		req.Header.Set("Prefer", "return=representation")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.logger.Debug("row api response", "method", method, "path", path, "status_code", resp.StatusCode)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp)
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))

		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}

	return nil
}

// authorize attaches the anonymous key and the strongest bearer
// credential available. Requests without a session token still go out
// so server policy decides, not the client.
func (c *Client) authorize(req *http.Request) {
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	bearer := c.tokens.Token()
	if bearer == "" {
		bearer = c.anonKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
		Hint    string `json:"hint"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || (payload.Code == "" && payload.Message == "") {
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}

		return &Error{Status: resp.StatusCode, Message: message}
	}

	return &Error{
		Status:  resp.StatusCode,
		Code:    payload.Code,
		Message: payload.Message,
		Details: payload.Details,
		Hint:    payload.Hint,
	}
}
