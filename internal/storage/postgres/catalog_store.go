// Package postgres provides the Postgres-backed catalog store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/storefront-catalog/internal/crawler"
)

// MetaTable records which schema variant and version each catalog table holds.
const MetaTable = "catalog_schema_meta"

const defaultTable = "catalog_products"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CatalogStoreConfig controls the Postgres connection pool and table layout.
type CatalogStoreConfig struct {
	DSN             string
	Table           string
	Schema          crawler.Schema
	Policy          crawler.MergePolicy
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// CatalogStore keeps one row per product id. Every batch is upserted inside a
// single transaction with a COALESCE merge so null never overwrites a value.
type CatalogStore struct {
	pool   Pool
	table  string
	schema crawler.Schema
	policy crawler.MergePolicy
	upsert string
}

// NewCatalogStore connects a pgxpool and builds the store.
func NewCatalogStore(ctx context.Context, cfg CatalogStoreConfig) (*CatalogStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %w", crawler.ErrDB, err)
	}
	store, err := NewCatalogStoreWithPool(pool, cfg.Table, cfg.Schema, cfg.Policy)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewCatalogStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCatalogStoreWithPool(pool Pool, table string, schema crawler.Schema, policy crawler.MergePolicy) (*CatalogStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if schema.Name == "" {
		schema = crawler.MultiImageSchema
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("catalog schema: %w", err)
	}
	if policy == "" {
		policy = crawler.IncomingWins
	}
	return &CatalogStore{
		pool:   pool,
		table:  table,
		schema: schema,
		policy: policy,
		upsert: upsertSQL(table, schema, policy),
	}, nil
}

// Schema returns the table layout.
func (s *CatalogStore) Schema() crawler.Schema { return s.schema }

// Ping checks that the database is reachable.
func (s *CatalogStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", crawler.ErrDB, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *CatalogStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the catalog and meta tables and checks the recorded
// schema version against the configured one.
func (s *CatalogStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTableSQL(s.table, s.schema)); err != nil {
		return fmt.Errorf("%w: create table %s: %w", crawler.ErrDB, s.table, err)
	}
	if _, err := s.pool.Exec(ctx, createMetaSQL); err != nil {
		return fmt.Errorf("%w: create %s: %w", crawler.ErrDB, MetaTable, err)
	}
	var (
		variant string
		version int32
	)
	err := s.pool.QueryRow(ctx, "SELECT variant, version FROM "+MetaTable+" WHERE table_name = $1", s.table).
		Scan(&variant, &version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO "+MetaTable+" (table_name, variant, version) VALUES ($1, $2, $3)",
			s.table, s.schema.Name, int32(s.schema.Version),
		); err != nil {
			return fmt.Errorf("%w: record schema version: %w", crawler.ErrDB, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("%w: read schema version: %w", crawler.ErrDB, err)
	}
	if variant != s.schema.Name || int(version) != s.schema.Version {
		return fmt.Errorf("%w: table %s holds schema %s v%d, configured %s v%d",
			crawler.ErrDB, s.table, variant, version, s.schema.Name, s.schema.Version)
	}
	return nil
}

// UpsertBatch writes records in one transaction. Duplicate ids inside the
// batch are folded first; any failure rolls the whole batch back.
func (s *CatalogStore) UpsertBatch(ctx context.Context, records []crawler.ProductRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	records = crawler.CollapseBatch(records, s.policy)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin batch: %w", crawler.ErrDB, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()
	for _, rec := range records {
		if rec.ProductID == "" {
			return fmt.Errorf("%w: record without product id", crawler.ErrDB)
		}
		if _, err := tx.Exec(ctx, s.upsert, s.args(rec)...); err != nil {
			return fmt.Errorf("%w: upsert %s: %w", crawler.ErrDB, rec.ProductID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit batch: %w", crawler.ErrDB, err)
	}
	return nil
}

// ListAll returns every stored record in product id order.
func (s *CatalogStore) ListAll(ctx context.Context) ([]crawler.ProductRecord, error) {
	cols := s.schema.Names()
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", joinColumns(cols), s.table, crawler.ColProductID)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list catalog: %w", crawler.ErrDB, err)
	}
	defer rows.Close()

	var out []crawler.ProductRecord
	values := make([]pgtype.Text, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("%w: scan catalog row: %w", crawler.ErrDB, err)
		}
		rec := crawler.ProductRecord{ProductID: values[0].String}
		for i, col := range cols[1:] {
			if v := values[i+1]; v.Valid {
				rec.SetField(col, crawler.StringPtr(v.String))
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate catalog: %w", crawler.ErrDB, err)
	}
	return out, nil
}

// ListIncomplete returns ids of products whose model name is still null.
// Name is the one required detail field, so those rows never received
// detail data.
func (s *CatalogStore) ListIncomplete(ctx context.Context, limit int) ([]string, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NULL ORDER BY %s",
		crawler.ColProductID, s.table, crawler.ColModelName, crawler.ColProductID)
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list incomplete: %w", crawler.ErrDB, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%w: scan incomplete: %w", crawler.ErrDB, err)
	}
	return ids, nil
}

func (s *CatalogStore) args(rec crawler.ProductRecord) []any {
	cols := s.schema.Attributes()
	out := make([]any, 0, len(cols)+1)
	out = append(out, rec.ProductID)
	for _, col := range cols {
		if v := rec.Field(col); v != nil {
			out = append(out, *v)
			continue
		}
		out = append(out, nil)
	}
	return out
}

const createMetaSQL = `CREATE TABLE IF NOT EXISTS ` + MetaTable + ` (
	table_name TEXT PRIMARY KEY,
	variant    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func createTableSQL(table string, schema crawler.Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\t%s TEXT PRIMARY KEY", table, crawler.ColProductID)
	for _, col := range schema.Attributes() {
		fmt.Fprintf(&b, ",\n\t%s TEXT", col)
	}
	b.WriteString("\n)")
	return b.String()
}

// upsertSQL builds the batch statement. IncomingWins keeps COALESCE(EXCLUDED.col, t.col);
// StoredWins swaps the operands.
func upsertSQL(table string, schema crawler.Schema, policy crawler.MergePolicy) string {
	cols := schema.Names()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sets := make([]string, 0, len(cols)-1)
	for _, col := range schema.Attributes() {
		first, second := "EXCLUDED."+string(col), "t."+string(col)
		if policy == crawler.StoredWins {
			first, second = second, first
		}
		sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, %s)", col, first, second))
	}
	return fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, joinColumns(cols), strings.Join(placeholders, ", "), crawler.ColProductID, strings.Join(sets, ", "))
}

func joinColumns(cols []crawler.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
