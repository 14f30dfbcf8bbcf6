package usage

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	triflestats "github.com/trifle-io/trifle_stats_go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const defaultTarget = "cube_mcp_usage"

// Options selects and configures the stats backend. An empty Driver disables
// recording.
type Options struct {
	Driver          string        `mapstructure:"driver"`
	DBPath          string        `mapstructure:"db_path"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	Table           string        `mapstructure:"table"`
	Collection      string        `mapstructure:"collection"`
	Prefix          string        `mapstructure:"prefix"`
	Joined          string        `mapstructure:"joined"`
	Separator       string        `mapstructure:"separator"`
	TimeZone        string        `mapstructure:"time_zone"`
	BeginningOfWeek string        `mapstructure:"week_start"`
	Granularities   string        `mapstructure:"granularities"`
	BufferMode      string        `mapstructure:"buffer_mode"`
	BufferDrivers   string        `mapstructure:"buffer_drivers"`
	BufferDuration  time.Duration `mapstructure:"buffer_duration"`
	BufferSize      int           `mapstructure:"buffer_size"`
	BufferAggregate bool          `mapstructure:"buffer_aggregate"`
	BufferAsync     bool          `mapstructure:"buffer_async"`
}

func (o Options) Enabled() bool {
	return strings.TrimSpace(o.Driver) != ""
}

// Stats records tool usage into a trifle stats backend.
type Stats struct {
	Config     *triflestats.Config
	DriverName string
	TableName  string

	setupFn func() error
}

func IsSupportedDriver(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "postgres", "mysql", "redis", "mongo", "mongodb":
		return true
	default:
		return false
	}
}

func normalizeDriverName(name string) string {
	value := strings.ToLower(strings.TrimSpace(name))
	if value == "mongodb" {
		return "mongo"
	}
	return value
}

func Open(opts Options, logger *zap.Logger) (*Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	driverName := normalizeDriverName(opts.Driver)
	if !IsSupportedDriver(driverName) {
		return nil, fmt.Errorf("unsupported usage driver: %s", opts.Driver)
	}

	joined, err := parseJoinedIdentifier(opts.Joined)
	if err != nil {
		return nil, err
	}
	weekStart, err := parseWeekday(opts.BeginningOfWeek)
	if err != nil {
		return nil, err
	}

	separator := opts.Separator
	if separator == "" {
		separator = "::"
	}

	cfg := triflestats.DefaultConfig()
	if opts.TimeZone != "" {
		cfg.TimeZone = opts.TimeZone
	}
	cfg.Separator = separator
	cfg.JoinedIdentifier = joined
	cfg.BeginningOfWeek = weekStart
	cfg.Granularities = parseGranularities(opts.Granularities)
	applyBufferOptions(cfg, opts, driverName)

	stats := &Stats{
		Config:     cfg,
		DriverName: driverName,
		TableName:  firstNonEmpty(opts.Table, defaultTarget),
	}
	table := stats.TableName

	switch driverName {
	case "sqlite":
		if strings.TrimSpace(opts.DBPath) == "" {
			return nil, fmt.Errorf("usage.db_path is required for sqlite driver")
		}
		db, err := sql.Open("sqlite", opts.DBPath)
		if err != nil {
			return nil, err
		}
		// A second connection to :memory: would see an empty database.
		db.SetMaxOpenConns(1)
		driver := triflestats.NewSQLiteDriver(db, table, joined)
		driver.Separator = separator
		cfg.Driver = driver
		stats.setupFn = driver.Setup
		stats.TableName = driver.TableName

	case "postgres":
		db, err := sql.Open("pgx", buildPostgresDSN(opts))
		if err != nil {
			return nil, err
		}
		driver := triflestats.NewPostgresDriver(db, table, joined)
		driver.Separator = separator
		cfg.Driver = driver
		stats.setupFn = driver.Setup
		stats.TableName = driver.TableName

	case "mysql":
		db, err := sql.Open("mysql", buildMySQLDSN(opts))
		if err != nil {
			return nil, err
		}
		driver := triflestats.NewMySQLDriver(db, table, joined)
		driver.Separator = separator
		cfg.Driver = driver
		stats.setupFn = driver.Setup
		stats.TableName = driver.TableName

	case "redis":
		client, err := buildRedisClient(opts)
		if err != nil {
			return nil, err
		}
		prefix := strings.TrimSpace(opts.Prefix)
		driver := triflestats.NewRedisDriver(client, prefix)
		driver.Separator = separator
		cfg.Driver = driver
		stats.TableName = prefix

	case "mongo":
		client, databaseName, collectionName, err := buildMongoCollection(opts)
		if err != nil {
			return nil, err
		}
		collection := client.Database(databaseName).Collection(collectionName)
		driver := triflestats.NewMongoDriver(collection, joined)
		driver.Separator = separator
		cfg.Driver = driver
		stats.setupFn = func() error {
			return driver.Setup(context.Background())
		}
		stats.TableName = collectionName
	}

	logger.Info("usage stats enabled", zap.String("driver", driverName), zap.String("target", stats.TableName))
	return stats, nil
}

// Setup creates the backing table or index. Drivers without a schema treat
// it as a no-op.
func (s *Stats) Setup() error {
	if s == nil || s.setupFn == nil {
		return nil
	}
	return s.setupFn()
}

func applyBufferOptions(cfg *triflestats.Config, opts Options, driverName string) {
	if cfg == nil {
		return
	}
	if opts.BufferDuration > 0 {
		cfg.BufferDuration = opts.BufferDuration
	}
	if opts.BufferSize > 0 {
		cfg.BufferSize = opts.BufferSize
	}
	cfg.BufferAggregate = opts.BufferAggregate
	cfg.BufferAsync = opts.BufferAsync

	sqlBacked := driverName == "sqlite" || driverName == "postgres" || driverName == "mysql"
	switch strings.ToLower(strings.TrimSpace(opts.BufferMode)) {
	case "always", "on", "enabled", "true", "yes":
		cfg.BufferEnabled = true
	case "never", "off", "disabled", "false", "no":
		cfg.BufferEnabled = false
	default:
		cfg.BufferEnabled = sqlBacked
	}

	allowed := parseGranularities(opts.BufferDrivers)
	if len(allowed) > 0 {
		matched := false
		for _, value := range allowed {
			if normalizeDriverName(value) == driverName {
				matched = true
				break
			}
		}
		cfg.BufferEnabled = cfg.BufferEnabled && matched
	}
}

func buildPostgresDSN(opts Options) string {
	if strings.TrimSpace(opts.DSN) != "" {
		return strings.TrimSpace(opts.DSN)
	}

	host := firstNonEmpty(opts.Host, "127.0.0.1")
	port := firstNonEmpty(opts.Port, "5432")
	user := firstNonEmpty(opts.User, "postgres")
	password := firstNonEmpty(opts.Password, "password")
	database := firstNonEmpty(opts.Database, defaultTarget)

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		url.QueryEscape(user),
		url.QueryEscape(password),
		host,
		port,
		url.PathEscape(database),
	)
}

func buildMySQLDSN(opts Options) string {
	if strings.TrimSpace(opts.DSN) != "" {
		return strings.TrimSpace(opts.DSN)
	}

	host := firstNonEmpty(opts.Host, "127.0.0.1")
	port := firstNonEmpty(opts.Port, "3306")
	user := firstNonEmpty(opts.User, "root")
	password := firstNonEmpty(opts.Password, "password")
	database := firstNonEmpty(opts.Database, defaultTarget)

	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC",
		user,
		password,
		host,
		port,
		database,
	)
}

func buildRedisClient(opts Options) (*redis.Client, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn != "" {
		if strings.Contains(dsn, "://") {
			parsed, err := redis.ParseURL(dsn)
			if err != nil {
				return nil, err
			}
			return redis.NewClient(parsed), nil
		}
		return redis.NewClient(&redis.Options{Addr: dsn}), nil
	}

	addr := net.JoinHostPort(firstNonEmpty(opts.Host, "127.0.0.1"), firstNonEmpty(opts.Port, "6379"))
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.User),
		Password: strings.TrimSpace(opts.Password),
		DB:       parseIntOrDefault(opts.Database, 0),
	}), nil
}

func buildMongoCollection(opts Options) (*mongo.Client, string, string, error) {
	uri := strings.TrimSpace(opts.DSN)
	if uri == "" {
		uri = firstNonEmpty(opts.Host, "mongodb://127.0.0.1:27017")
		if !strings.Contains(uri, "://") {
			uri = "mongodb://" + uri
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, "", "", err
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, "", "", err
	}

	databaseName := firstNonEmpty(opts.Database, defaultTarget)
	collectionName := firstNonEmpty(opts.Collection, opts.Table, defaultTarget)
	return client, databaseName, collectionName, nil
}

func parseGranularities(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseWeekday(input string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	case "sunday", "sun":
		return time.Sunday, nil
	default:
		return time.Monday, fmt.Errorf("invalid week start: %s", input)
	}
}

func parseJoinedIdentifier(input string) (triflestats.JoinedIdentifier, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "full", "":
		return triflestats.JoinedFull, nil
	case "partial":
		return triflestats.JoinedPartial, nil
	case "separated", "none", "null":
		return triflestats.JoinedSeparated, nil
	default:
		return triflestats.JoinedFull, fmt.Errorf("invalid joined mode: %s", input)
	}
}

func parseIntOrDefault(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
