// Package store is the tabular boundary the point layers and the ingest
// tool read and write through. Rows are column name to value maps.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type Row = map[string]interface{}

type Filter struct {
	Column string
	Op     string
	Value  interface{}
}

type Order struct {
	Column string
	Desc   bool
}

// Query selects Columns (all when empty) from a table. Limit 0 means no
// limit.
type Query struct {
	Columns []string
	Filters []Filter
	OrderBy []Order
	Offset  int
	Limit   int
}

var filterOps = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true, "is null": true,
}

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to dsn with the given pool limits.
func Open(dsn string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}
	return db, nil
}

func quoteList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// buildSelect renders q as a parameterised statement.
func buildSelect(table string, q Query) (string, []interface{}, error) {
	var sb strings.Builder
	var args []interface{}

	sb.WriteString("select ")
	if len(q.Columns) == 0 {
		sb.WriteString("*")
	} else {
		sb.WriteString(quoteList(q.Columns))
	}
	sb.WriteString(" from ")
	sb.WriteString(pq.QuoteIdentifier(table))

	for i, f := range q.Filters {
		op := strings.ToLower(strings.TrimSpace(f.Op))
		if !filterOps[op] {
			return "", nil, fmt.Errorf("unsupported filter operator %q", f.Op)
		}
		if i == 0 {
			sb.WriteString(" where ")
		} else {
			sb.WriteString(" and ")
		}
		sb.WriteString(pq.QuoteIdentifier(f.Column))
		if op == "is null" {
			sb.WriteString(" is null")
			continue
		}
		args = append(args, f.Value)
		fmt.Fprintf(&sb, " %s $%d", op, len(args))
	}

	for i, o := range q.OrderBy {
		if i == 0 {
			sb.WriteString(" order by ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(pq.QuoteIdentifier(o.Column))
		if o.Desc {
			sb.WriteString(" desc")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " limit %d", q.Limit)
	}
	if q.Offset > 0 {
		fmt.Fprintf(&sb, " offset %d", q.Offset)
	}
	return sb.String(), args, nil
}

// rowColumns is the sorted union of the keys of rows.
func rowColumns(rows []Row) []string {
	seen := map[string]bool{}
	var cols []string
	for _, r := range rows {
		for c := range r {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

// buildInsert renders a multi row insert. Missing keys insert null. When
// conflict is set, rows whose conflict columns already exist update the
// remaining columns instead.
func buildInsert(table string, rows []Row, conflict []string) (string, []interface{}) {
	cols := rowColumns(rows)
	var sb strings.Builder
	args := make([]interface{}, 0, len(rows)*len(cols))

	fmt.Fprintf(&sb, "insert into %s (%s) values ", pq.QuoteIdentifier(table), quoteList(cols))
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, c := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			args = append(args, r[c])
			fmt.Fprintf(&sb, "$%d", len(args))
		}
		sb.WriteString(")")
	}

	if len(conflict) > 0 {
		keys := map[string]bool{}
		for _, c := range conflict {
			keys[c] = true
		}
		fmt.Fprintf(&sb, " on conflict (%s) ", quoteList(conflict))
		var sets []string
		for _, c := range cols {
			if !keys[c] {
				q := pq.QuoteIdentifier(c)
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", q, q))
			}
		}
		if len(sets) == 0 {
			sb.WriteString("do nothing")
		} else {
			sb.WriteString("do update set ")
			sb.WriteString(strings.Join(sets, ", "))
		}
	}
	return sb.String(), args
}

func (p *Postgres) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	stmt, args, err := buildSelect(table, q)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "selecting from %s", table)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SelectAll pages through q with pageSize rows per query until a short
// page, calling fn for each page.
func (p *Postgres) SelectAll(ctx context.Context, table string, q Query, pageSize int, fn func([]Row) error) error {
	if pageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	q.Limit = pageSize
	for offset := 0; ; offset += pageSize {
		q.Offset = offset
		page, err := p.Select(ctx, table, q)
		if err != nil {
			return err
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

func (p *Postgres) Insert(ctx context.Context, table string, rows []Row) error {
	return p.Upsert(ctx, table, rows, nil)
}

func (p *Postgres) Upsert(ctx context.Context, table string, rows []Row, conflict []string) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, args := buildInsert(table, rows, conflict)
	if _, err := p.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrapf(err, "writing %d rows to %s", len(rows), table)
	}
	return nil
}

// IsMissingConflictTarget reports whether err is Postgres refusing an
// upsert because no unique constraint covers its conflict columns.
func IsMissingConflictTarget(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P10"
}
