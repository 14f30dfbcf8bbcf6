package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trifle-io/cube-mcp/internal/cube"
	"github.com/trifle-io/cube-mcp/internal/gateway"
	"github.com/trifle-io/cube-mcp/internal/output"
	"github.com/trifle-io/cube-mcp/internal/usage"
)

var version = "0.1.0-dev"

func resolveVersion() string {
	if version != "0.1.0-dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" && info.Main.Version != "" {
		return info.Main.Version
	}
	return version
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		exitError(err)
	}
}

type rootOptions struct {
	ConfigPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "cube-mcp",
		Short:         "MCP gateway to a Cube semantic layer",
		Long:          "cube-mcp exposes a Cube REST API to MCP clients as describe_data, read_data and data:// resources.",
		Version:       resolveVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "", "config file (default: $CUBE_MCP_CONFIG or <user config dir>/cube-mcp/config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "log file (default: stderr)")
	flags.String("endpoint", "", "Cube REST API base URL (or CUBE_API_ENDPOINT)")
	flags.Duration("timeout", cube.DefaultTimeout, "request timeout for the Cube API")

	root.AddCommand(
		newMCPCmd(opts),
		newSchemaCmd(opts),
		newQueryCmd(opts),
		newUsageCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mcp",
		Aliases: []string{"serve"},
		Short:   "Serve the MCP tools over stdio or streamable HTTP",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setupCommand(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := cfg.validateServer(); err != nil {
				return err
			}

			gw, err := newGateway(cfg, logger)
			if err != nil {
				return err
			}

			recorder, err := openUsage(cfg, logger, true)
			if err != nil {
				return err
			}

			state := &mcpState{
				Gateway: gw,
				Usage:   recorder,
				Logger:  logger.Named("mcp"),
			}
			return serveMCP(cmd.Context(), cfg, state)
		},
	}

	cmd.Flags().String("transport", "stdio", "transport: stdio|http")
	cmd.Flags().String("addr", ":8080", "listen address for the http transport")
	return cmd
}

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the description of the available data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setupCommand(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			gw, err := newGateway(cfg, logger)
			if err != nil {
				return err
			}

			text, describeErr := gw.DescribeData(cmd.Context())
			if _, err := fmt.Fprint(cmd.OutOrStdout(), text); err != nil {
				return err
			}
			return describeErr
		},
	}
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var rawQuery, filePath, format string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a read_data query and print the rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setupCommand(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			args, err := loadJSONPayload(rawQuery, filePath)
			if err != nil {
				return err
			}
			query, err := gateway.ParseQuery(args)
			if err != nil {
				return err
			}

			gw, err := newGateway(cfg, logger)
			if err != nil {
				return err
			}

			envelope, err := gw.ReadData(cmd.Context(), query)
			if err != nil {
				return err
			}
			return printEnvelope(cmd.OutOrStdout(), envelope, format)
		},
	}

	cmd.Flags().StringVar(&rawQuery, "query", "", "query as inline JSON")
	cmd.Flags().StringVar(&filePath, "file", "", "path to a JSON query file")
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml|json|table|csv")
	return cmd
}

func newUsageCmd(opts *rootOptions) *cobra.Command {
	var tool, from, to, granularity, format string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show recorded tool usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setupCommand(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			format = strings.ToLower(strings.TrimSpace(format))
			if format != "json" && format != "yaml" {
				return fmt.Errorf("invalid format: %s (expected json or yaml)", format)
			}

			stats, err := openStats(cfg, logger)
			if err != nil {
				return err
			}

			fromTime, toTime, err := resolveTimeRange(from, to, time.Now())
			if err != nil {
				return err
			}

			report, err := stats.Report(tool, fromTime, toTime, granularity)
			if err != nil {
				return err
			}
			if format == "yaml" {
				return output.PrintYAML(cmd.OutOrStdout(), report)
			}
			return output.PrintJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&tool, "tool", toolReadData, "tool name")
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 start timestamp (default: 24h before --to)")
	cmd.Flags().StringVar(&to, "to", "", "RFC3339 end timestamp (default: now)")
	cmd.Flags().StringVar(&granularity, "granularity", "", "granularity, e.g. 1h or 1d")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json|yaml")

	cmd.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Create the usage table, collection or index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setupCommand(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			stats, err := openStats(cfg, logger)
			if err != nil {
				return err
			}
			if err := stats.Setup(); err != nil {
				return fmt.Errorf("setup %s: %w", stats.DriverName, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "usage storage ready (%s %s)\n", stats.DriverName, stats.TableName)
			return err
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), resolveVersion())
			return err
		},
	}
}

func setupCommand(cmd *cobra.Command, opts *rootOptions) (*Config, *zap.Logger, error) {
	cfg, err := loadConfig(opts.ConfigPath, cmd)
	if err != nil {
		return nil, nil, err
	}

	logger, err := buildLogger(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Path != "" {
		logger.Debug("loaded config", zap.String("path", cfg.Path))
	}
	return cfg, logger, nil
}

func newGateway(cfg *Config, logger *zap.Logger) (*gateway.Gateway, error) {
	if err := cfg.validateEngine(); err != nil {
		return nil, err
	}

	cubeLogger := logger.Named("cube")
	tokens, err := cube.NewStaticToken(cfg.Cube.API.TokenPayload, cfg.Cube.API.Secret, cubeLogger)
	if err != nil {
		return nil, err
	}

	client, err := cube.New(cfg.Cube.API.Endpoint, tokens, cfg.Cube.API.Timeout, cubeLogger)
	if err != nil {
		return nil, err
	}

	return gateway.New(client, gateway.NewMemoryStore(), logger.Named("gateway")), nil
}

// openUsage returns a no-op recorder when no usage driver is configured.
func openUsage(cfg *Config, logger *zap.Logger, setup bool) (usage.Recorder, error) {
	if !cfg.Usage.Enabled() {
		return usage.Nop{}, nil
	}

	stats, err := openStats(cfg, logger)
	if err != nil {
		return nil, err
	}
	if setup {
		if err := stats.Setup(); err != nil {
			return nil, fmt.Errorf("setup usage storage: %w", err)
		}
	}
	return stats, nil
}

func openStats(cfg *Config, logger *zap.Logger) (*usage.Stats, error) {
	if !cfg.Usage.Enabled() {
		return nil, errors.New("usage recording is disabled (set usage.driver)")
	}
	return usage.Open(cfg.Usage, logger.Named("usage"))
}

func printEnvelope(w io.Writer, envelope *gateway.Envelope, format string) error {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", "yaml":
		_, err := io.WriteString(w, envelope.Text)
		return err
	case "json":
		return output.PrintJSON(w, gateway.DataResult{Type: "data", DataID: envelope.DataID, Data: envelope.Data})
	case "table", "csv":
		table, ok := output.RowsTable(envelope.Data)
		if !ok {
			_, err := fmt.Fprintln(w, "no rows")
			return err
		}
		if format == "csv" {
			return output.PrintCSV(w, table)
		}
		output.PrintTable(w, table)
		return nil
	default:
		return fmt.Errorf("invalid format: %s (expected yaml, json, table or csv)", format)
	}
}

func loadJSONPayload(rawJSON, filePath string) (map[string]any, error) {
	if filePath != "" {
		contents, err := os.ReadFile(filepath.Clean(filePath))
		if err != nil {
			return nil, fmt.Errorf("read query file: %w", err)
		}
		rawJSON = string(contents)
	}

	if strings.TrimSpace(rawJSON) == "" {
		return nil, errors.New("a query is required (--query or --file)")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(rawJSON), &payload); err != nil {
		return nil, fmt.Errorf("parse query JSON: %w", err)
	}

	// Decoding into a map loses the key order of an order object.
	if payload["order"] != nil {
		var ordered struct {
			Order gateway.Order `json:"order"`
		}
		if err := json.Unmarshal([]byte(rawJSON), &ordered); err != nil {
			return nil, fmt.Errorf("parse query order: %w", err)
		}
		payload["order"] = ordered.Order
	}
	return payload, nil
}

func resolveTimeRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	toTime := now.UTC()
	if strings.TrimSpace(to) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(to))
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to must be RFC3339: %w", err)
		}
		toTime = parsed
	}

	fromTime := toTime.Add(-24 * time.Hour)
	if strings.TrimSpace(from) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(from))
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--from must be RFC3339: %w", err)
		}
		fromTime = parsed
	}

	if !fromTime.Before(toTime) {
		return time.Time{}, time.Time{}, errors.New("--from must be before --to")
	}
	return fromTime, toTime, nil
}

func exitError(err error) {
	var requestErr *cube.RequestError
	if errors.As(err, &requestErr) {
		fmt.Fprintln(os.Stderr, requestErr.Error())
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
	}
	os.Exit(1)
}
