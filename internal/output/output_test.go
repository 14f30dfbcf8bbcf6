package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestYAMLRoundTrips(t *testing.T) {
	t.Parallel()

	value := map[string]any{
		"type": "data",
		"data": []any{map[string]any{"Orders.count": 42, "Orders.status": "shipped"}},
	}

	rendered, err := YAML(value)
	require.NoError(t, err)
	assert.Contains(t, rendered, "type: data")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(rendered), &decoded))
	assert.Equal(t, "data", decoded["type"])
	rows := decoded["data"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, 42, rows[0].(map[string]any)["Orders.count"])
}

func TestJSONDoesNotEscapeHTML(t *testing.T) {
	t.Parallel()

	rendered, err := JSON(map[string]any{"op": "a<b"})
	require.NoError(t, err)
	assert.Equal(t, `{"op":"a<b"}`, rendered)
}

func TestRowsTable(t *testing.T) {
	t.Parallel()

	rows := []any{
		map[string]any{"Orders.status": "shipped", "Orders.count": float64(42)},
		map[string]any{"Orders.status": "pending"},
		"not a row",
	}

	table, ok := RowsTable(rows)
	require.True(t, ok)
	assert.Equal(t, []string{"Orders.count", "Orders.status"}, table.Columns)
	assert.Equal(t, [][]string{{"42", "shipped"}, {"", "pending"}}, table.Rows)

	_, ok = RowsTable(nil)
	assert.False(t, ok)
}

func TestPrintTableAndCSV(t *testing.T) {
	t.Parallel()

	table := Table{Columns: []string{"name", "count"}, Rows: [][]string{{"orders", "42"}}}

	var buf bytes.Buffer
	PrintTable(&buf, table)
	assert.Equal(t, "name    count\n------  -----\norders  42   \n", buf.String())

	buf.Reset()
	require.NoError(t, PrintCSV(&buf, table))
	assert.Equal(t, "name,count\norders,42\n", buf.String())
}

func TestPrintJSONIndents(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, PrintJSON(&buf, map[string]any{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
}
