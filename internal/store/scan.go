package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Row is one scanned row keyed by column name. Text columns are strings;
// NULL is nil.
type Row map[string]any

type ScanRequest struct {
	Table string
	// OrderBy lists the sort columns; empty means primary key order.
	OrderBy    []string
	Descending bool
}

var columnPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Scan streams a table in a stable order to fn. Rows visible here include
// everything committed before the latest checkpoint advance. fn must not
// call back into the store: sqlite stores hold a single connection.
func (s *Store) Scan(ctx context.Context, req ScanRequest, fn func(Row) error) error {
	keys, ok := tableKeys[req.Table]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, req.Table)
	}
	orderBy := req.OrderBy
	if len(orderBy) == 0 {
		orderBy = keys
	}
	direction := "ASC"
	if req.Descending {
		direction = "DESC"
	}
	terms := make([]string, 0, len(orderBy)+len(keys))
	used := map[string]bool{}
	for _, col := range append(append([]string(nil), orderBy...), keys...) {
		if !columnPattern.MatchString(col) {
			return fmt.Errorf("%w: %q", ErrInvalidColumn, col)
		}
		if used[col] {
			continue
		}
		used[col] = true
		terms = append(terms, col+" "+direction)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+req.Table+" ORDER BY "+strings.Join(terms, ", "))
	if err != nil {
		return err
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Counts returns the number of rows in every table.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(tableKeys))
	for _, table := range Tables() {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
