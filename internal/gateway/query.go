package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultLimit  = 500
	DefaultOffset = 0
)

// Query is the normalized form of a read_data request. It marshals to the
// engine's measures/dimensions/filters/timeDimensions query shape.
type Query struct {
	Measures       []string          `json:"measures,omitempty"`
	Dimensions     []string          `json:"dimensions,omitempty"`
	TimeDimensions []TimeDimension   `json:"timeDimensions,omitempty"`
	Filters        []Filter          `json:"filters,omitempty"`
	Limit          int               `json:"limit"`
	Offset         int               `json:"offset"`
	Order          Order             `json:"order,omitempty"`
	Ungrouped      bool              `json:"ungrouped"`
}

// OrderEntry is one sort key. Earlier entries take priority.
type OrderEntry struct {
	Member    string
	Direction string
}

func (e OrderEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.Member, e.Direction})
}

// Order is sent to the engine in its array form, [["member","asc"], ...],
// so that sort priority survives encoding.
type Order []OrderEntry

// UnmarshalJSON accepts either the array form or an object, keeping the
// object's key order.
func (o *Order) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}
	if data[0] != '{' {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		parsed, err := order(raw)
		if err != nil {
			return err
		}
		*o = parsed
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return err
	}

	out := Order{}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return err
		}
		var direction any
		if err := dec.Decode(&direction); err != nil {
			return err
		}
		entry, err := orderEntry(key.(string), direction)
		if err != nil {
			return err
		}
		out = append(out, entry)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*o = out
	return nil
}

type TimeDimension struct {
	Dimension   string     `json:"dimension"`
	Granularity string     `json:"granularity,omitempty"`
	DateRange   *DateRange `json:"dateRange,omitempty"`
}

type Filter struct {
	Member   string   `json:"member"`
	Operator string   `json:"operator"`
	Values   []string `json:"values,omitempty"`
}

// DateRange is either a relative expression ("last 7 days") or a from/to pair.
type DateRange struct {
	Expression string
	From       string
	To         string
}

func (d DateRange) IsPair() bool {
	return d.Expression == ""
}

func (d DateRange) MarshalJSON() ([]byte, error) {
	if d.IsPair() {
		return json.Marshal([]string{d.From, d.To})
	}
	return json.Marshal(d.Expression)
}

func (d *DateRange) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := parseDateRange(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func NewQuery() Query {
	return Query{Limit: DefaultLimit, Offset: DefaultOffset}
}

// ParseQuery converts tool arguments into a Query. Identifiers that arrive as
// non-strings are coerced to their string form.
func ParseQuery(args map[string]any) (Query, error) {
	q := NewQuery()
	if args == nil {
		return q, nil
	}

	var err error
	if q.Measures, err = stringList(args, "measures"); err != nil {
		return Query{}, err
	}
	if q.Dimensions, err = stringList(args, "dimensions"); err != nil {
		return Query{}, err
	}
	if q.TimeDimensions, err = timeDimensions(args["timeDimensions"]); err != nil {
		return Query{}, err
	}
	if q.Filters, err = filters(args["filters"]); err != nil {
		return Query{}, err
	}
	if q.Limit, err = intArg(args, "limit", DefaultLimit); err != nil {
		return Query{}, err
	}
	if q.Offset, err = intArg(args, "offset", DefaultOffset); err != nil {
		return Query{}, err
	}
	if q.Order, err = order(args["order"]); err != nil {
		return Query{}, err
	}
	if q.Ungrouped, err = boolArg(args, "ungrouped", false); err != nil {
		return Query{}, err
	}

	return q, nil
}

func stringList(args map[string]any, key string) ([]string, error) {
	value, ok := args[key]
	if !ok || value == nil {
		return nil, nil
	}

	items, ok := asList(value)
	if !ok {
		return nil, fmt.Errorf("%s must be an array", key)
	}

	out := make([]string, 0, len(items))
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("%s[%d] must not be null", key, i)
		}
		out = append(out, stringify(item))
	}
	return out, nil
}

func timeDimensions(value any) ([]TimeDimension, error) {
	if value == nil {
		return nil, nil
	}

	items, ok := asList(value)
	if !ok {
		return nil, fmt.Errorf("timeDimensions must be an array")
	}

	out := make([]TimeDimension, 0, len(items))
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("timeDimensions[%d] must not be null", i)
		}
		entry, ok := item.(map[string]any)
		if !ok {
			out = append(out, TimeDimension{Dimension: stringify(item)})
			continue
		}

		td := TimeDimension{
			Dimension:   optionalString(entry["dimension"]),
			Granularity: optionalString(entry["granularity"]),
		}
		if td.Dimension == "" {
			return nil, fmt.Errorf("timeDimensions[%d]: dimension is required", i)
		}
		if raw, ok := entry["dateRange"]; ok && raw != nil {
			dateRange, err := parseDateRange(raw)
			if err != nil {
				return nil, fmt.Errorf("timeDimensions[%d]: %w", i, err)
			}
			td.DateRange = &dateRange
		}
		out = append(out, td)
	}
	return out, nil
}

func parseDateRange(raw any) (DateRange, error) {
	if s, ok := raw.(string); ok {
		if strings.TrimSpace(s) == "" {
			return DateRange{}, fmt.Errorf("dateRange must not be empty")
		}
		return DateRange{Expression: s}, nil
	}

	items, ok := asList(raw)
	if !ok || len(items) != 2 {
		return DateRange{}, fmt.Errorf("dateRange must be a string or a [from, to] pair")
	}
	return DateRange{From: stringify(items[0]), To: stringify(items[1])}, nil
}

func filters(value any) ([]Filter, error) {
	if value == nil {
		return nil, nil
	}

	items, ok := asList(value)
	if !ok {
		return nil, fmt.Errorf("filters must be an array")
	}

	out := make([]Filter, 0, len(items))
	for i, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("filters[%d] must be an object", i)
		}

		f := Filter{
			Member:   optionalString(entry["member"]),
			Operator: optionalString(entry["operator"]),
		}
		if f.Member == "" || f.Operator == "" {
			return nil, fmt.Errorf("filters[%d]: member and operator are required", i)
		}
		values, err := stringList(entry, "values")
		if err != nil {
			return nil, fmt.Errorf("filters[%d]: %w", i, err)
		}
		f.Values = values
		out = append(out, f)
	}
	return out, nil
}

// order reads either [[member, direction], ...] or {member: direction}.
// Tool arguments arrive as a Go map, so the object form can only be sorted
// by member name; callers that need priority use the array form.
func order(value any) (Order, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case Order:
		return v, nil
	case map[string]any:
		members := make([]string, 0, len(v))
		for member := range v {
			members = append(members, member)
		}
		sort.Strings(members)

		out := make(Order, 0, len(members))
		for _, member := range members {
			entry, err := orderEntry(member, v[member])
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
		}
		return out, nil
	}

	items, ok := asList(value)
	if !ok {
		return nil, fmt.Errorf("order must be an array of [member, direction] pairs or an object")
	}

	out := make(Order, 0, len(items))
	for i, item := range items {
		pair, ok := asList(item)
		if !ok || len(pair) != 2 || pair[0] == nil {
			return nil, fmt.Errorf("order[%d] must be a [member, direction] pair", i)
		}
		entry, err := orderEntry(stringify(pair[0]), pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func orderEntry(member string, direction any) (OrderEntry, error) {
	if strings.TrimSpace(member) == "" {
		return OrderEntry{}, fmt.Errorf("order member must not be empty")
	}
	dir := strings.ToLower(strings.TrimSpace(optionalString(direction)))
	if dir != "asc" && dir != "desc" {
		return OrderEntry{}, fmt.Errorf("order for %s must be asc or desc", member)
	}
	return OrderEntry{Member: member, Direction: dir}, nil
}

func intArg(args map[string]any, key string, fallback int) (int, error) {
	value, ok := args[key]
	if !ok || value == nil {
		return fallback, nil
	}

	var parsed int
	switch v := value.(type) {
	case int:
		parsed = v
	case int64:
		parsed = int(v)
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		parsed = int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		parsed = int(n)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		parsed = n
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}

	if parsed < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return parsed, nil
}

func boolArg(args map[string]any, key string, fallback bool) (bool, error) {
	value, ok := args[key]
	if !ok || value == nil {
		return fallback, nil
	}

	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean", key)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("%s must be a boolean", key)
	}
}

func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func optionalString(value any) string {
	if value == nil {
		return ""
	}
	return stringify(value)
}

// stringify returns strings verbatim and the JSON text of anything else.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}
