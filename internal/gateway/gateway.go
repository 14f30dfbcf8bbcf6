package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trifle-io/cube-mcp/internal/cube"
	"github.com/trifle-io/cube-mcp/internal/output"
)

const (
	ResourceScheme   = "data://"
	ResourceMIMEType = "application/json"

	schemaPreamble = "Here is a description of the data available via the read_data tool:\n\n"

	maxIDAttempts = 5
)

var (
	ErrResourceNotFound = errors.New("Resource not found")
	ErrIDCollision      = errors.New("could not allocate a unique data id")
)

// Engine is the remote analytical engine as seen by the gateway.
type Engine interface {
	Describe(ctx context.Context) (*cube.Meta, error)
	Load(ctx context.Context, query any) (*cube.LoadResult, error)
}

type Gateway struct {
	engine Engine
	store  Store
	newID  func() string
	logger *zap.Logger
}

type Option func(*Gateway)

func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.newID = fn
		}
	}
}

func New(engine Engine, store Store, logger *zap.Logger, opts ...Option) *Gateway {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gateway{
		engine: engine,
		store:  store,
		newID:  uuid.NewString,
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Envelope is the dual rendering of a successful query: YAML text for the
// model and a JSON resource addressable by URI.
type Envelope struct {
	DataID   string
	Rows     int
	Data     []any
	Text     string
	Resource *Resource
}

type Resource struct {
	URI      string
	Text     string
	MIMEType string
}

// DataResult is the payload rendered into both halves of an Envelope.
type DataResult struct {
	Type   string `json:"type" yaml:"type"`
	DataID string `json:"data_id" yaml:"data_id"`
	Data   []any  `json:"data" yaml:"data"`
}

type schemaCube struct {
	Name        string         `yaml:"name"`
	Title       string         `yaml:"title"`
	Description string         `yaml:"description"`
	Dimensions  []schemaMember `yaml:"dimensions"`
	Measures    []schemaMember `yaml:"measures"`
}

type schemaMember struct {
	Name        string `yaml:"name"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// DescribeData returns the reduced schema as text. On failure the text
// carries the error message and err is also set, so callers can tell the
// two apart without inspecting the text.
func (g *Gateway) DescribeData(ctx context.Context) (string, error) {
	meta, err := g.engine.Describe(ctx)
	if err != nil {
		return g.describeFailed(err)
	}

	rendered, err := output.YAML(projectSchema(meta))
	if err != nil {
		return g.describeFailed(err)
	}
	return schemaPreamble + rendered, nil
}

func (g *Gateway) describeFailed(err error) (string, error) {
	g.logger.Error("describe_data failed", zap.Error(err))
	return fmt.Sprintf("Error: Description of the data is not available: %v", err), err
}

func projectSchema(meta *cube.Meta) []schemaCube {
	description := make([]schemaCube, 0, len(meta.Cubes))
	for _, c := range meta.Cubes {
		description = append(description, schemaCube{
			Name:        c.Name,
			Title:       c.Title,
			Description: c.Description,
			Dimensions:  projectMembers(c.Dimensions),
			Measures:    projectMembers(c.Measures),
		})
	}
	return description
}

func projectMembers(members []cube.Member) []schemaMember {
	out := make([]schemaMember, 0, len(members))
	for _, m := range members {
		out = append(out, schemaMember{
			Name:        m.Name,
			Title:       m.DisplayTitle(),
			Description: m.Description,
		})
	}
	return out
}

// ReadData runs q on the engine, caches the rows and renders the envelope.
// Nothing is cached when an error is returned.
func (g *Gateway) ReadData(ctx context.Context, q Query) (*Envelope, error) {
	g.logger.Info("read_data called", zap.Any("query", q))

	result, err := g.engine.Load(ctx, q)
	if err != nil {
		g.logger.Error("read_data failed", zap.Error(err))
		return nil, err
	}

	data := result.Data
	if data == nil {
		data = []any{}
	}
	for i, row := range data {
		data[i] = cube.NormalizeNumbers(row)
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := g.newID()
		envelope, err := render(id, data)
		if err != nil {
			g.logger.Error("read_data failed", zap.Error(err))
			return nil, err
		}

		if !g.store.Put(id, data) {
			g.logger.Warn("data id already in use", zap.String("data_id", id))
			continue
		}

		g.logger.Info("added results as resource", zap.String("data_id", id), zap.Int("rows", len(data)))
		return envelope, nil
	}

	g.logger.Error("read_data failed", zap.Error(ErrIDCollision))
	return nil, ErrIDCollision
}

func render(id string, data []any) (*Envelope, error) {
	payload := DataResult{Type: "data", DataID: id, Data: data}

	text, err := output.YAML(payload)
	if err != nil {
		return nil, err
	}
	body, err := output.JSON(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		DataID: id,
		Rows:   len(data),
		Data:   data,
		Text:   text,
		Resource: &Resource{
			URI:      ResourceURI(id),
			Text:     body,
			MIMEType: ResourceMIMEType,
		},
	}, nil
}

// Resource returns a cached result set by exact id.
func (g *Gateway) Resource(id string) (any, error) {
	value, ok := g.store.Get(id)
	if !ok {
		return nil, ErrResourceNotFound
	}
	return value, nil
}

func ResourceURI(id string) string {
	return ResourceScheme + id
}

// ErrorPayload is the {error: message} shape returned to tool callers.
func ErrorPayload(err error) map[string]any {
	if err == nil {
		return map[string]any{"error": "Unknown error"}
	}
	return map[string]any{"error": err.Error()}
}
