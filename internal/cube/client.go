package cube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout = 10 * time.Second

	RouteMeta = "meta"
	RouteLoad = "load"

	userAgent = "cube-mcp"
)

type Client struct {
	baseURL string
	tokens  TokenProvider
	http    *http.Client
	logger  *zap.Logger
}

// RequestError covers transport failures, timeouts and non-2xx responses.
type RequestError struct {
	Route      string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.Err != nil:
		return "Request failed: " + e.Err.Error()
	case e.Body != "":
		return fmt.Sprintf("Request failed: status %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("Request failed: status %d", e.StatusCode)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// RemoteError is an error reported by the engine inside a successful response.
type RemoteError struct {
	Route   string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func New(endpoint string, tokens TokenProvider, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	normalized := normalizeBaseURL(endpoint)
	if normalized == "" {
		return nil, fmt.Errorf("missing endpoint")
	}

	if _, err := url.ParseRequestURI(normalized); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	if tokens == nil {
		return nil, fmt.Errorf("missing token provider")
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL: normalized,
		tokens:  tokens,
		http: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}, nil
}

func (c *Client) Describe(ctx context.Context) (*Meta, error) {
	var meta Meta
	if err := c.call(ctx, RouteMeta, nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *Client) Load(ctx context.Context, query any) (*LoadResult, error) {
	var result LoadResult
	if err := c.call(ctx, RouteLoad, map[string]any{"query": query}, &result); err != nil {
		return nil, err
	}
	if result.Data == nil {
		result.Data = []any{}
	}
	for i, row := range result.Data {
		result.Data[i] = NormalizeNumbers(row)
	}
	return &result, nil
}

// Request issues a call on an arbitrary route and returns the decoded body.
func (c *Client) Request(ctx context.Context, route string, params map[string]any) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, route, params, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return map[string]any{}, nil
	}
	return NormalizeNumbers(out).(map[string]any), nil
}

// BuildRequest applies the routing policy: load is a POST with params as the
// JSON body, every other route is a GET with params in the query string.
func (c *Client) BuildRequest(ctx context.Context, route string, params map[string]any) (*http.Request, error) {
	route = strings.Trim(strings.TrimSpace(route), "/")
	if route == "" {
		return nil, fmt.Errorf("missing route")
	}
	fullURL := c.baseURL + "/" + route

	var (
		method = http.MethodGet
		body   io.Reader
	)
	if route == RouteLoad {
		method = http.MethodPost
		if params == nil {
			params = map[string]any{}
		}
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	} else if len(params) > 0 {
		query := url.Values{}
		for key, value := range params {
			encoded, err := queryValue(value)
			if err != nil {
				return nil, fmt.Errorf("encode param %s: %w", key, err)
			}
			query.Set(key, encoded)
		}
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Authorization", c.tokens.CurrentToken())
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

func (c *Client) call(ctx context.Context, route string, params map[string]any, out any) error {
	body, err := c.do(ctx, route, params)
	if err != nil {
		c.logger.Error("request failed", zap.String("route", route), zap.Error(err))
		return err
	}

	var errBody struct {
		Error any `json:"error"`
	}
	if err := decodeJSON(body, &errBody); err != nil {
		reqErr := &RequestError{Route: route, Err: fmt.Errorf("decode response: %w", err)}
		c.logger.Error("request failed", zap.String("route", route), zap.Error(reqErr))
		return reqErr
	}
	if errBody.Error != nil {
		return &RemoteError{Route: route, Message: errorMessage(errBody.Error)}
	}

	if err := decodeJSON(body, out); err != nil {
		reqErr := &RequestError{Route: route, Err: fmt.Errorf("decode response: %w", err)}
		c.logger.Error("request failed", zap.String("route", route), zap.Error(reqErr))
		return reqErr
	}
	return nil
}

func (c *Client) do(ctx context.Context, route string, params map[string]any) ([]byte, error) {
	req, err := c.BuildRequest(ctx, route, params)
	if err != nil {
		return nil, &RequestError{Route: route, Err: err}
	}

	c.logger.Debug("sending request", zap.String("method", req.Method), zap.String("url", req.URL.String()))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Route: route, Err: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Route: route, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			Route:      route,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(responseBody)),
		}
	}

	return responseBody, nil
}

// decodeJSON keeps numbers as json.Number so integers beyond 2^53 survive.
func decodeJSON(body []byte, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("unexpected data after JSON body")
	}
	return nil
}

// NormalizeNumbers replaces json.Number leaves with int64 or uint64 when the
// value is an integer that fits, and float64 otherwise. Integers too large
// for uint64 stay json.Number so their digits are kept.
func NormalizeNumbers(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for key, item := range v {
			v[key] = NormalizeNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = NormalizeNumbers(item)
		}
		return v
	case json.Number:
		return normalizeNumber(v)
	default:
		return value
	}
}

func normalizeNumber(n json.Number) any {
	text := n.String()
	if !strings.ContainsAny(text, ".eE") {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(text, 10, 64); err == nil {
			return u
		}
		return n
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n
}

func queryValue(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func errorMessage(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ""
	}

	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	return strings.TrimRight(baseURL, "/")
}
