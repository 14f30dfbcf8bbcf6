package cube

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fixedToken string

func (f fixedToken) CurrentToken() string { return string(f) }

func newTestClient(t *testing.T, endpoint string, timeout time.Duration) *Client {
	t.Helper()

	client, err := New(endpoint, fixedToken("signed-token"), timeout, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestNewValidatesEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New("", fixedToken("x"), 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing endpoint")

	_, err = New("http://localhost:4000", nil, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token provider")

	client, err := New("localhost:4000/cubejs-api/v1/", fixedToken("x"), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4000/cubejs-api/v1", client.baseURL)
	assert.Equal(t, DefaultTimeout, client.http.Timeout)
}

func TestBuildRequestRouting(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "http://engine.local/cubejs-api/v1", 0)
	ctx := context.Background()

	t.Run("load is a POST with a JSON body", func(t *testing.T) {
		t.Parallel()

		params := map[string]any{"query": map[string]any{"measures": []string{"Orders.count"}}}
		req, err := client.BuildRequest(ctx, RouteLoad, params)
		require.NoError(t, err)

		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/cubejs-api/v1/load", req.URL.Path)
		assert.Empty(t, req.URL.RawQuery)
		assert.Equal(t, "signed-token", req.Header.Get("Authorization"))
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"query":{"measures":["Orders.count"]}}`, string(body))
	})

	t.Run("other routes are GETs with flattened params", func(t *testing.T) {
		t.Parallel()

		params := map[string]any{
			"query":   map[string]any{"measures": []string{"Orders.count"}},
			"name":    "plain",
			"limit":   10,
			"enabled": true,
		}
		req, err := client.BuildRequest(ctx, "sql", params)
		require.NoError(t, err)

		assert.Equal(t, http.MethodGet, req.Method)
		assert.Equal(t, "/cubejs-api/v1/sql", req.URL.Path)
		assert.Nil(t, req.Body)
		assert.Equal(t, "signed-token", req.Header.Get("Authorization"))

		values := req.URL.Query()
		assert.Equal(t, "plain", values.Get("name"))
		assert.Equal(t, "10", values.Get("limit"))
		assert.Equal(t, "true", values.Get("enabled"))
		assert.JSONEq(t, `{"measures":["Orders.count"]}`, values.Get("query"))
	})

	t.Run("meta has no query string", func(t *testing.T) {
		t.Parallel()

		req, err := client.BuildRequest(ctx, RouteMeta, nil)
		require.NoError(t, err)
		assert.Equal(t, http.MethodGet, req.Method)
		assert.Equal(t, "/cubejs-api/v1/meta", req.URL.Path)
		assert.Empty(t, req.URL.RawQuery)
	})
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/meta", r.URL.Path)
		assert.Equal(t, "signed-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"cubes":[{"name":"Orders","title":"Orders","description":"All orders",
			"dimensions":[{"name":"Orders.status","title":"Orders Status","shortTitle":"Status"}],
			"measures":[{"name":"Orders.count","title":"Orders Count","description":"Number of orders"}]}]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	meta, err := client.Describe(context.Background())
	require.NoError(t, err)
	require.Len(t, meta.Cubes, 1)

	cube := meta.Cubes[0]
	assert.Equal(t, "Orders", cube.Name)
	assert.Equal(t, "All orders", cube.Description)
	require.Len(t, cube.Dimensions, 1)
	assert.Equal(t, "Status", cube.Dimensions[0].DisplayTitle())
	require.Len(t, cube.Measures, 1)
	assert.Equal(t, "Orders Count", cube.Measures[0].DisplayTitle())
}

func TestLoad(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/load", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		query, ok := body["query"].(map[string]any)
		require.True(t, ok, "query must be nested under the query key")
		assert.Equal(t, []any{"Orders.count"}, query["measures"])

		_, _ = io.WriteString(w, `{"data":[{"Orders.status":"shipped","Orders.count":42}]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	result, err := client.Load(context.Background(), map[string]any{"measures": []string{"Orders.count"}})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"Orders.status": "shipped", "Orders.count": int64(42)}}, result.Data)
}

func TestLoadKeepsIntegerPrecision(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"Orders.id":9007199254740993,"Orders.total":12345678901234567890,`+
			`"Orders.huge":123456789012345678901234567890,"Orders.avg":1.5,"Orders.items":[3,"x"]}]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	result, err := client.Load(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)

	row := result.Data[0].(map[string]any)
	assert.Equal(t, int64(9007199254740993), row["Orders.id"])
	assert.Equal(t, uint64(12345678901234567890), row["Orders.total"])
	assert.Equal(t, json.Number("123456789012345678901234567890"), row["Orders.huge"])
	assert.Equal(t, 1.5, row["Orders.avg"])
	assert.Equal(t, []any{int64(3), "x"}, row["Orders.items"])

	encoded, err := json.Marshal(result.Data)
	require.NoError(t, err)
	assert.Equal(t,
		`[{"Orders.avg":1.5,"Orders.huge":123456789012345678901234567890,"Orders.id":9007199254740993,"Orders.items":[3,"x"],"Orders.total":12345678901234567890}]`,
		string(encoded),
	)
}

func TestNormalizeNumbers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   json.Number
		want any
	}{
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"18446744073709551615", uint64(18446744073709551615)},
		{"1e3", float64(1000)},
		{"0.25", 0.25},
		{"99999999999999999999999", json.Number("99999999999999999999999")},
	}

	for _, tt := range cases {
		assert.Equal(t, tt.want, NormalizeNumbers(tt.in), string(tt.in))
	}
	assert.Equal(t, "x", NormalizeNumbers("x"))
	assert.Nil(t, NormalizeNumbers(nil))
}

func TestLoadMissingDataIsEmpty(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"query":{}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	result, err := client.Load(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.NotNil(t, result.Data)
	assert.Empty(t, result.Data)
}

func TestRemoteErrorIsPropagated(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":"Continue wait"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	_, err := client.Load(context.Background(), map[string]any{})
	require.Error(t, err)

	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, "Continue wait", err.Error())
	assert.Equal(t, RouteLoad, remoteErr.Route)
}

func TestNonSuccessStatusIsRequestError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":"Invalid token"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	_, err := client.Describe(context.Background())
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusForbidden, reqErr.StatusCode)
	assert.True(t, strings.HasPrefix(err.Error(), "Request failed: status 403"))
	assert.Contains(t, err.Error(), "Invalid token")
}

func TestTimeoutResolvesToRequestError(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	core, logs := observer.New(zap.ErrorLevel)
	client, err := New(server.URL, fixedToken("signed-token"), 50*time.Millisecond, zap.New(core))
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Load(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.True(t, strings.HasPrefix(err.Error(), "Request failed: "))
	assert.Contains(t, err.Error(), "Timeout")
	assert.Equal(t, 1, logs.FilterMessage("request failed").Len())
}

func TestUnreachableEngine(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	client := newTestClient(t, endpoint, time.Second)
	_, err := client.Request(context.Background(), RouteMeta, nil)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "Request failed: "))
}

func TestRequestReturnsDecodedMap(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/sql", r.URL.Path)
		assert.JSONEq(t, `{"measures":["Orders.count"]}`, r.URL.Query().Get("query"))
		_, _ = io.WriteString(w, `{"sql":{"sql":["SELECT 1",[]]}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	out, err := client.Request(context.Background(), "sql", map[string]any{
		"query": map[string]any{"measures": []string{"Orders.count"}},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "sql")
}
