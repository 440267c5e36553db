// Package query builds SQL over the single-table record store and resolves
// relation expansion in batched lookups.
package query

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pocketsync/pocketsync/internal/filter"
	"github.com/pocketsync/pocketsync/internal/schema"
	"github.com/pocketsync/pocketsync/internal/store"
	"github.com/pocketsync/pocketsync/internal/types"
)

// Options are the recognized list-query parameters, mirroring the server's
// query string surface.
type Options struct {
	Filter string
	Sort   string
	Fields string
	Expand string
	Limit  int
	Offset int
}

// Engine executes cache queries.
type Engine struct {
	store    *store.Store
	schemas  *schema.Registry
	compiler *filter.Compiler
	logger   *log.Logger
}

// New creates a query engine over the given store. If logger is nil, a
// default logger writing to stderr is used.
func New(st *store.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[query] ", log.LstdFlags)
	}
	return &Engine{
		store:    st,
		schemas:  st.Schemas(),
		compiler: filter.New(),
		logger:   logger,
	}
}

// Query runs a list query against one collection and returns the matching
// records with any requested expansions attached.
func (e *Engine) Query(ctx context.Context, service string, opts Options) ([]types.Record, error) {
	records, err := e.querySQL(ctx, service, opts)
	if err != nil {
		return nil, err
	}

	if opts.Expand != "" && len(records) > 0 {
		if err := e.expand(ctx, service, records, opts.Expand, 0); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// QueryOne fetches a single record by id, honoring the expand option.
func (e *Engine) QueryOne(ctx context.Context, service, id string, expand string) (types.Record, error) {
	rec, err := e.store.GetRow(ctx, service, id)
	if err != nil {
		return nil, err
	}
	if expand != "" {
		if err := e.expand(ctx, service, []types.Record{rec}, expand, 0); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (e *Engine) querySQL(ctx context.Context, service string, opts Options) ([]types.Record, error) {
	selectClause, plain, err := buildSelect(opts.Fields)
	if err != nil {
		return nil, err
	}

	sql := "SELECT " + selectClause + " FROM services WHERE service = ?"
	args := []any{service}

	if opts.Filter != "" {
		pred, params, err := e.compiler.Compile(opts.Filter)
		if err != nil {
			return nil, err
		}
		sql += " AND (" + pred + ")"
		args = append(args, params...)
	}

	orderBy, err := buildOrderBy(opts.Sort)
	if err != nil {
		return nil, err
	}
	sql += orderBy

	if opts.Limit > 0 {
		sql += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			// SQLite requires LIMIT before OFFSET; -1 means unbounded.
			sql += " LIMIT -1"
		}
		sql += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := e.store.RawDB().QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", service, err)
	}
	defer rows.Close()

	if plain {
		var records []types.Record
		for rows.Next() {
			var blob string
			if err := rows.Scan(&blob); err != nil {
				return nil, fmt.Errorf("failed to scan record: %w", err)
			}
			rec, err := types.UnmarshalData(blob)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating records: %w", err)
		}
		return records, nil
	}

	// Projected queries build records from the selected columns.
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}
	var records []types.Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan projection: %w", err)
		}
		rec := types.Record{}
		for i, col := range cols {
			rec[col] = values[i]
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projections: %w", err)
	}
	return records, nil
}

// buildSelect translates the fields option into a SELECT clause. The plain
// return is true when the whole data blob is fetched and decoded instead of
// a column projection.
func buildSelect(fields string) (clause string, plain bool, err error) {
	if strings.TrimSpace(fields) == "" {
		return "data", true, nil
	}

	var cols []string
	for _, f := range strings.Split(fields, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		switch {
		case f == "*":
			return "data", true, nil
		case strings.Contains(f, "("):
			// Aggregates pass through untouched.
			cols = append(cols, f)
		case f == "id" || f == "created" || f == "updated":
			cols = append(cols, f)
		default:
			if !validFieldName(f) {
				return "", false, fmt.Errorf("invalid field name %q", f)
			}
			cols = append(cols, fmt.Sprintf("json_extract(data,'$.%s') AS %s", f, f))
		}
	}
	if len(cols) == 0 {
		return "data", true, nil
	}
	return strings.Join(cols, ", "), false, nil
}

// buildOrderBy parses the comma-separated sort expression: a leading '-'
// sorts descending, '+' or nothing ascending.
func buildOrderBy(sort string) (string, error) {
	if strings.TrimSpace(sort) == "" {
		return " ORDER BY created ASC, id ASC", nil
	}

	var terms []string
	for _, term := range strings.Split(sort, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		dir := "ASC"
		switch term[0] {
		case '-':
			dir = "DESC"
			term = term[1:]
		case '+':
			term = term[1:]
		}
		if !validFieldName(term) {
			return "", fmt.Errorf("invalid sort field %q", term)
		}
		terms = append(terms, filter.FieldExpr(term)+" "+dir)
	}
	if len(terms) == 0 {
		return " ORDER BY created ASC, id ASC", nil
	}
	return " ORDER BY " + strings.Join(terms, ", "), nil
}

// validFieldName restricts projected and sorted identifiers to dotted
// alphanumeric paths, keeping user input out of raw SQL.
func validFieldName(name string) bool {
	if name == "" {
		return false
	}
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_', ch == '.':
		default:
			return false
		}
	}
	return true
}
