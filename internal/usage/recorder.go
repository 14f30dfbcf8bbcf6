package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	triflestats "github.com/trifle-io/trifle_stats_go"
)

const keyPrefix = "tools"

// Event is one tool invocation.
type Event struct {
	Tool     string
	Rows     int
	Failed   bool
	Duration time.Duration
	At       time.Time
}

type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Key is the stats key an event for tool is tracked under.
func Key(tool string) string {
	return keyPrefix + "::" + strings.TrimSpace(tool)
}

// Values is the counter payload tracked for a single event.
func (e Event) Values() map[string]any {
	failed := 0
	if e.Failed {
		failed = 1
	}
	return map[string]any{
		"calls":       1,
		"rows":        e.Rows,
		"errors":      failed,
		"duration_ms": e.Duration.Milliseconds(),
	}
}

func (s *Stats) Record(_ context.Context, event Event) error {
	if strings.TrimSpace(event.Tool) == "" {
		return fmt.Errorf("usage event requires a tool name")
	}
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}

	if err := triflestats.Track(s.Config, Key(event.Tool), at, event.Values()); err != nil {
		return fmt.Errorf("track usage: %w", maybeSuggestSetup(err, s.DriverName, s.TableName))
	}
	return nil
}

// Report is the usage read back for one tool over a timeframe.
type Report struct {
	Tool        string           `json:"tool" yaml:"tool"`
	Granularity string           `json:"granularity" yaml:"granularity"`
	At          []time.Time      `json:"at" yaml:"at"`
	Values      []map[string]any `json:"values" yaml:"values"`
	Totals      map[string]any   `json:"totals" yaml:"totals"`
}

var counters = []string{"calls", "rows", "errors", "duration_ms"}

func (s *Stats) Report(tool string, from, to time.Time, granularity string) (*Report, error) {
	granularity = s.resolveGranularity(granularity)

	result, err := triflestats.Values(s.Config, Key(tool), from, to, granularity, false)
	if err != nil {
		return nil, maybeSuggestSetup(err, s.DriverName, s.TableName)
	}

	series := triflestats.SeriesFromResult(result)
	report := &Report{
		Tool:        tool,
		Granularity: granularity,
		At:          series.At,
		Values:      series.Values,
		Totals:      map[string]any{},
	}

	available := series.AvailablePaths()
	for _, path := range counters {
		if !contains(available, path) {
			report.Totals[path] = 0
			continue
		}
		sums := series.AggregateSum(path, 1)
		if len(sums) == 0 {
			report.Totals[path] = 0
			continue
		}
		report.Totals[path] = triflestats.NormalizeNumeric(sums[0])
	}
	return report, nil
}

func (s *Stats) resolveGranularity(granularity string) string {
	granularity = strings.TrimSpace(granularity)
	if granularity != "" {
		return granularity
	}

	available := s.Config.EffectiveGranularities()
	for _, candidate := range []string{"1h", "1d"} {
		if contains(available, candidate) {
			return candidate
		}
	}
	if len(available) > 0 {
		return available[0]
	}
	return "1h"
}

func maybeSuggestSetup(err error, driverName, targetName string) error {
	message := err.Error()
	lower := strings.ToLower(message)
	if !strings.Contains(lower, "no such table") &&
		!strings.Contains(lower, "doesn't exist") &&
		!strings.Contains(lower, "relation") {
		return err
	}

	switch driverName {
	case "sqlite", "postgres", "mysql", "mongo":
		return fmt.Errorf("%s (run: cube-mcp usage setup to create %s)", message, targetName)
	}
	return err
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
