package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/trifle-io/cube-mcp/internal/gateway"
	"github.com/trifle-io/cube-mcp/internal/output"
	"github.com/trifle-io/cube-mcp/internal/usage"
)

const (
	serverName = "cube-mcp"

	toolDescribeData   = "describe_data"
	toolReadData       = "read_data"
	toolReadCachedData = "read_cached_data"

	dataResourceTemplate = gateway.ResourceScheme + "{data_id}"
)

type mcpState struct {
	Gateway *gateway.Gateway
	Usage   usage.Recorder
	Logger  *zap.Logger
}

func newMCPServer(state *mcpState) *server.MCPServer {
	if state.Usage == nil {
		state.Usage = usage.Nop{}
	}
	if state.Logger == nil {
		state.Logger = zap.NewNop()
	}

	s := server.NewMCPServer(
		serverName,
		resolveVersion(),
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
	)

	s.AddTool(describeDataTool(), state.handleDescribeData)
	s.AddTool(readDataTool(), state.handleReadData)
	s.AddTool(readCachedDataTool(), state.handleReadCachedData)
	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			dataResourceTemplate,
			"Query results",
			mcp.WithTemplateDescription("Result set of a previous read_data call, addressed by its data_id."),
			mcp.WithTemplateMIMEType(gateway.ResourceMIMEType),
		),
		state.handleReadResource,
	)
	return s
}

func serveMCP(ctx context.Context, cfg *Config, state *mcpState) error {
	s := newMCPServer(state)

	if cfg.Server.Transport == "http" {
		return serveHTTP(ctx, cfg.Server.Addr, s, state.Logger)
	}

	state.Logger.Info("serving mcp over stdio")
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(zap.NewStdLog(state.Logger))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func describeDataTool() mcp.Tool {
	return mcp.NewTool(
		toolDescribeData,
		mcp.WithDescription("Describe the data available via read_data: every cube with its dimensions and measures."),
	)
}

func readDataTool() mcp.Tool {
	return mcp.NewTool(
		toolReadData,
		mcp.WithDescription(
			"Read data from the analytical engine. Returns the rows as YAML together with a "+
				"data:// resource holding the same rows as JSON. Use describe_data first to "+
				"find member names.",
		),
		mcp.WithArray("measures",
			mcp.Description("Measures to compute, e.g. Orders.count"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithArray("dimensions",
			mcp.Description("Dimensions to group by, e.g. Orders.status"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithArray("timeDimensions",
			mcp.Description("Time dimensions with an optional granularity and dateRange (a relative expression or a [from, to] pair)"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"dimension":   map[string]any{"type": "string"},
					"granularity": map[string]any{"type": "string"},
					"dateRange": map[string]any{
						"oneOf": []any{
							map[string]any{"type": "string"},
							map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 2, "maxItems": 2},
						},
					},
				},
				"required": []string{"dimension"},
			}),
		),
		mcp.WithArray("filters",
			mcp.Description("Filters as {member, operator, values}"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"member":   map[string]any{"type": "string"},
					"operator": map[string]any{"type": "string"},
					"values":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"member", "operator"},
			}),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of rows"),
			mcp.DefaultNumber(gateway.DefaultLimit),
		),
		mcp.WithNumber("offset",
			mcp.Description("Number of rows to skip"),
			mcp.DefaultNumber(gateway.DefaultOffset),
		),
		mcp.WithArray("order",
			mcp.Description("Sort keys as [member, asc|desc] pairs, highest priority first, e.g. [[\"Orders.count\", \"desc\"]]"),
			mcp.Items(map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": 2,
				"maxItems": 2,
			}),
		),
		mcp.WithBoolean("ungrouped",
			mcp.Description("Return raw rows without grouping"),
		),
	)
}

func readCachedDataTool() mcp.Tool {
	return mcp.NewTool(
		toolReadCachedData,
		mcp.WithDescription("Return the JSON rows of a previous read_data call by its data_id."),
		mcp.WithString("data_id",
			mcp.Description("The data_id returned by read_data"),
			mcp.Required(),
		),
	)
}

func (st *mcpState) handleDescribeData(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	text, err := st.Gateway.DescribeData(ctx)
	st.record(ctx, toolDescribeData, 0, err != nil, started)
	return mcp.NewToolResultText(text), nil
}

func (st *mcpState) handleReadData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()

	query, err := gateway.ParseQuery(req.GetArguments())
	if err != nil {
		st.record(ctx, toolReadData, 0, true, started)
		return toolErrorResult(err), nil
	}

	envelope, err := st.Gateway.ReadData(ctx, query)
	if err != nil {
		st.record(ctx, toolReadData, 0, true, started)
		return toolErrorResult(err), nil
	}

	st.record(ctx, toolReadData, envelope.Rows, false, started)
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(envelope.Text),
			mcp.NewEmbeddedResource(mcp.TextResourceContents{
				URI:      envelope.Resource.URI,
				MIMEType: envelope.Resource.MIMEType,
				Text:     envelope.Resource.Text,
			}),
		},
	}, nil
}

func (st *mcpState) handleReadCachedData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	id := dataIDFromURI(req.GetString("data_id", ""))

	value, err := st.Gateway.Resource(id)
	if err != nil {
		st.record(ctx, toolReadCachedData, 0, true, started)
		return toolErrorResult(err), nil
	}

	text, err := output.JSON(value)
	if err != nil {
		st.record(ctx, toolReadCachedData, 0, true, started)
		return toolErrorResult(err), nil
	}

	st.record(ctx, toolReadCachedData, rowCount(value), false, started)
	return mcp.NewToolResultText(text), nil
}

// handleReadResource answers data:// reads. A missing id yields an
// {"error": ...} body rather than a protocol error.
func (st *mcpState) handleReadResource(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI

	var payload any
	value, err := st.Gateway.Resource(dataIDFromURI(uri))
	if err != nil {
		payload = gateway.ErrorPayload(err)
	} else {
		payload = value
	}

	text, err := output.JSON(payload)
	if err != nil {
		return nil, err
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: gateway.ResourceMIMEType,
			Text:     text,
		},
	}, nil
}

func (st *mcpState) record(ctx context.Context, tool string, rows int, failed bool, started time.Time) {
	event := usage.Event{
		Tool:     tool,
		Rows:     rows,
		Failed:   failed,
		Duration: time.Since(started),
		At:       started,
	}
	if err := st.Usage.Record(ctx, event); err != nil {
		st.Logger.Warn("failed to record usage", zap.String("tool", tool), zap.Error(err))
	}
}

// toolErrorResult renders err as {"error": message} text.
func toolErrorResult(err error) *mcp.CallToolResult {
	text, encodeErr := output.JSON(gateway.ErrorPayload(err))
	if encodeErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
		IsError: true,
	}
}

func dataIDFromURI(value string) string {
	return strings.TrimPrefix(strings.TrimSpace(value), gateway.ResourceScheme)
}

func rowCount(value any) int {
	if rows, ok := value.([]any); ok {
		return len(rows)
	}
	return 0
}
