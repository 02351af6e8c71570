// Package postgres provides a PostgreSQL based implementation of
// [storage.RecordStore]. One table per (tenant schema, model) pair.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/modelring/modelring/pkg/filter"
	"github.com/modelring/modelring/pkg/logger"
	"github.com/modelring/modelring/pkg/model"
	"github.com/modelring/modelring/pkg/storage"
)

var tracer = otel.Tracer("modelring/pkg/storage/postgres")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "postgres."+name)
}

// Config defines the configuration parameters for setting up and managing
// a postgres connection.
type Config struct {
	Username string
	Password string
	Logger   logger.Logger

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type used for configuring a Config object.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(cfg *Config) {
		cfg.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(cfg *Config) {
		cfg.Password = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the
// maximum number of idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets
// the maximum idle time for a connection in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets
// the maximum lifetime for a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that enables the export of metrics.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig creates a new Config instance with default values
// and applies any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	return cfg
}

// Datastore provides a PostgreSQL based implementation of [storage.RecordStore].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

var _ storage.RecordStore = (*Datastore)(nil)

// initDB initializes a new postgres database connection.
func initDB(uri string, cfg *Config) (*sql.DB, error) {
	if cfg.Username != "" || cfg.Password != "" {
		parsed, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parse postgres connection uri: %w", err)
		}

		username := cfg.Username
		if username == "" && parsed.User != nil {
			username = parsed.User.Username()
		}

		if cfg.Password != "" {
			parsed.User = url.UserPassword(username, cfg.Password)
		} else {
			parsed.User = url.User(username)
		}

		uri = parsed.String()
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *Config) (*Datastore, error) {
	db, err := initDB(uri, cfg)
	if err != nil {
		return nil, err
	}

	return NewWithDB(db, cfg)
}

// NewWithDB creates a new [Datastore] storage with the provided database connection.
func NewWithDB(db *sql.DB, cfg *Config) (*Datastore, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for database", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "modelring")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db),
		db:               db,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// Close see [storage.RecordStore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// tableFor returns the schema-qualified, quoted table for a tenant's model.
// Each tenant owns one schema; provisioning it is the caller's concern.
func tableFor(tenant, modelName string) string {
	return quoteIdent(tenant) + "." + quoteIdent(modelName)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Insert see [storage.RecordStore].Insert.
func (s *Datastore) Insert(ctx context.Context, tenant, modelName string, record model.Record) (model.Record, error) {
	ctx, span := startTrace(ctx, "Insert")
	defer span.End()

	row := make(model.Record, len(record)+4)
	for k, v := range record {
		row[k] = v
	}
	if id, _ := row["id"].(string); id == "" {
		row["id"] = ulid.Make().String()
	}
	now := time.Now().UTC()
	row["created_at"] = now
	row["updated_at"] = now
	delete(row, "trashed_at")

	cols := sortedKeys(row)
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = row[c]
	}

	rows, err := s.stbl.
		Insert(tableFor(tenant, modelName)).
		Columns(quoteAll(cols)...).
		Values(vals...).
		Suffix("RETURNING *").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	return scanOne(rows)
}

// Update see [storage.RecordStore].Update. Only the provided changed
// fields are written; reserved columns in changes are ignored.
func (s *Datastore) Update(ctx context.Context, tenant, modelName, id string, changes model.Record) (model.Record, error) {
	ctx, span := startTrace(ctx, "Update")
	defer span.End()

	builder := s.stbl.Update(tableFor(tenant, modelName))
	for _, col := range sortedKeys(changes) {
		switch col {
		case "id", "created_at", "updated_at", "trashed_at":
			continue
		}
		builder = builder.Set(quoteIdent(col), changes[col])
	}
	builder = builder.
		Set(quoteIdent("updated_at"), time.Now().UTC()).
		Where(sq.Eq{quoteIdent("id"): id, quoteIdent("trashed_at"): nil}).
		Suffix("RETURNING *")

	rows, err := builder.QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	return scanOne(rows)
}

// Delete see [storage.RecordStore].Delete.
func (s *Datastore) Delete(ctx context.Context, tenant, modelName, id string, hard bool) error {
	ctx, span := startTrace(ctx, "Delete")
	defer span.End()

	table := tableFor(tenant, modelName)

	var res sql.Result
	var err error
	if hard {
		res, err = s.stbl.
			Delete(table).
			Where(sq.Eq{quoteIdent("id"): id}).
			ExecContext(ctx)
	} else {
		res, err = s.stbl.
			Update(table).
			Set(quoteIdent("trashed_at"), time.Now().UTC()).
			Where(sq.Eq{quoteIdent("id"): id, quoteIdent("trashed_at"): nil}).
			ExecContext(ctx)
	}
	if err != nil {
		return HandleSQLError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return HandleSQLError(err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Restore see [storage.RecordStore].Restore.
func (s *Datastore) Restore(ctx context.Context, tenant, modelName, id string) (model.Record, error) {
	ctx, span := startTrace(ctx, "Restore")
	defer span.End()

	rows, err := s.stbl.
		Update(tableFor(tenant, modelName)).
		Set(quoteIdent("trashed_at"), nil).
		Set(quoteIdent("updated_at"), time.Now().UTC()).
		Where(sq.Eq{quoteIdent("id"): id}).
		Where(sq.NotEq{quoteIdent("trashed_at"): nil}).
		Suffix("RETURNING *").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	return scanOne(rows)
}

// GetByID see [storage.RecordStore].GetByID.
func (s *Datastore) GetByID(ctx context.Context, tenant, modelName, id string, mode filter.TrashedMode) (model.Record, error) {
	ctx, span := startTrace(ctx, "GetByID")
	defer span.End()

	builder := s.stbl.
		Select("*").
		From(tableFor(tenant, modelName)).
		Where(sq.Eq{quoteIdent("id"): id})
	builder = applyTrashed(builder, mode)

	rows, err := builder.QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	return scanOne(rows)
}

// Query see [storage.RecordStore].Query. The condition tree is compiled by
// the filter package; its '?' placeholder form is embedded so squirrel
// renumbers parameters together with the outer clauses.
func (s *Datastore) Query(ctx context.Context, tenant, modelName string, tree map[string]any, mode filter.TrashedMode, opts storage.QueryOptions) ([]model.Record, error) {
	ctx, span := startTrace(ctx, "Query")
	defer span.End()

	pred, err := filter.CompileWhere(tree, filter.WithTrashed(mode))
	if err != nil {
		return nil, err
	}
	for _, warning := range pred.Warnings {
		s.logger.Warn("filter compilation warning",
			zap.String("model", modelName),
			zap.String("warning", warning),
		)
	}

	builder := s.stbl.
		Select("*").
		From(tableFor(tenant, modelName)).
		Where(sq.Expr(pred.Question(), pred.Params()...)).
		Limit(uint64(opts.PageSize()))
	if opts.Offset > 0 {
		builder = builder.Offset(uint64(opts.Offset))
	}

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "id"
	}
	direction := " ASC"
	if opts.Descending {
		direction = " DESC"
	}
	builder = builder.OrderBy(quoteIdent(sortBy) + direction)

	rows, err := builder.QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	return scanAll(rows)
}

// Aggregate see [storage.RecordStore].Aggregate.
func (s *Datastore) Aggregate(ctx context.Context, tenant, modelName string, body any, mode filter.TrashedMode) ([]model.Record, error) {
	ctx, span := startTrace(ctx, "Aggregate")
	defer span.End()

	stmt, err := filter.CompileAggregate(body, filter.WithTrashed(mode))
	if err != nil {
		return nil, err
	}

	where := stmt.Where
	if where == nil {
		// Still honor trashed visibility when no filter was given.
		where, err = filter.CompileWhere(nil, filter.WithTrashed(mode))
		if err != nil {
			return nil, err
		}
	}

	selectCols := append(append([]string{}, stmt.GroupBy...), stmt.Columns...)
	builder := s.stbl.
		Select(selectCols...).
		From(tableFor(tenant, modelName)).
		Where(sq.Expr(where.Question(), where.Params()...))
	if len(stmt.GroupBy) > 0 {
		builder = builder.GroupBy(stmt.GroupBy...)
	}

	rows, err := builder.QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	return scanAll(rows)
}

func applyTrashed(builder sq.SelectBuilder, mode filter.TrashedMode) sq.SelectBuilder {
	switch mode {
	case filter.TrashedOnly:
		return builder.Where(sq.NotEq{quoteIdent("trashed_at"): nil})
	case filter.TrashedInclude:
		return builder
	default:
		return builder.Where(sq.Eq{quoteIdent("trashed_at"): nil})
	}
}

func sortedKeys(rec model.Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quoteIdent(c)
	}
	return out
}

// scanOne scans the first row of the result set into a record, returning
// storage.ErrNotFound when the set is empty.
func scanOne(rows *sql.Rows) (model.Record, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, HandleSQLError(err)
		}
		return nil, storage.ErrNotFound
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return rec, rows.Close()
}

func scanAll(rows *sql.Rows) ([]model.Record, error) {
	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}
	if out == nil {
		out = []model.Record{}
	}
	return out, nil
}

// scanRecord scans the current row into a record keyed by column name.
// Column sets are dynamic, so scanning goes through rows.Columns.
func scanRecord(rows *sql.Rows) (model.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, HandleSQLError(err)
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, HandleSQLError(err)
	}

	rec := make(model.Record, len(cols))
	for i, col := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		rec[col] = v
	}
	return rec, nil
}

// HandleSQLError processes specific errors of the postgres driver into the
// generic errors defined in the storage package.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return storage.ErrCancelled
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return storage.ErrCollision
	}

	return fmt.Errorf("sql error: %w", err)
}
