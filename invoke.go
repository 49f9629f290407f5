package procgrid

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// totalCountColumn is how a grid procedure reports the total row count:
// carried on every row and stripped before the rows leave the engine.
const totalCountColumn = "total_count"

// ProcParams is the fixed calling convention every grid procedure
// honors: paging, sort, serialized filter and drill-down, search term.
type ProcParams struct {
	PageNumber    int
	PageSize      int
	StartRow      int
	EndRow        int
	SortColumn    string
	SortDirection string
	FilterJSON    string
	DrillDownJSON string
	SearchTerm    string
}

// ProcResult is what comes back: the rows and the total count, or -1
// when the procedure cannot cheaply report a total.
type ProcResult struct {
	Rows       []Row
	TotalCount int
}

// ProcedureInvoker executes a registered procedure by name. The engine
// never inspects the procedure's internals, only this contract, which
// keeps it independent of any procedural-SQL dialect.
type ProcedureInvoker interface {
	Query(ctx context.Context, db *sqlx.DB, procName string, p ProcParams) (*ProcResult, error)
	Insert(ctx context.Context, db *sqlx.DB, procName string, fields map[string]interface{}) (Row, error)
	Update(ctx context.Context, db *sqlx.DB, procName string, rowID interface{}, fields map[string]interface{}) (Row, error)
	Delete(ctx context.Context, db *sqlx.DB, procName string, rowID interface{}) (int64, error)
}

// PostgresInvoker calls grid procedures as set-returning functions.
// Companion procedures follow the <name>_insert/_update/_delete naming
// and take the changed fields as a jsonb document.
type PostgresInvoker struct {
	// QueryTimeout bounds every downstream call; expiry surfaces as a
	// database error to the caller.
	QueryTimeout time.Duration
}

func NewPostgresInvoker(timeout time.Duration) *PostgresInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PostgresInvoker{QueryTimeout: timeout}
}

func (in *PostgresInvoker) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, in.QueryTimeout)
}

func (in *PostgresInvoker) Query(ctx context.Context, db *sqlx.DB, procName string, p ProcParams) (*ProcResult, error) {
	if !validProcIdent(procName) {
		return nil, validationf("invalid procedure name %q", procName)
	}
	ctx, cancel := in.bound(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT * FROM %s($1, $2, $3, $4, $5, $6, $7, $8, $9)", procName)
	rows, err := db.QueryContext(ctx, query,
		p.PageNumber, p.PageSize, p.StartRow, p.EndRow,
		p.SortColumn, p.SortDirection, p.FilterJSON, p.DrillDownJSON, p.SearchTerm)
	if err != nil {
		return nil, fmt.Errorf("procedure %s: %w", procName, err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("procedure %s: %w", procName, err)
	}

	total := -1
	for i := range result {
		if v, ok := result[i][totalCountColumn]; ok {
			if i == 0 {
				total = toInt(v, -1)
			}
			delete(result[i], totalCountColumn)
		}
	}
	return &ProcResult{Rows: result, TotalCount: total}, nil
}

func (in *PostgresInvoker) Insert(ctx context.Context, db *sqlx.DB, procName string, fields map[string]interface{}) (Row, error) {
	return in.writeRow(ctx, db, procName+"_insert", nil, fields)
}

func (in *PostgresInvoker) Update(ctx context.Context, db *sqlx.DB, procName string, rowID interface{}, fields map[string]interface{}) (Row, error) {
	return in.writeRow(ctx, db, procName+"_update", rowID, fields)
}

func (in *PostgresInvoker) writeRow(ctx context.Context, db *sqlx.DB, fnName string, rowID interface{}, fields map[string]interface{}) (Row, error) {
	if !validProcIdent(fnName) {
		return nil, validationf("invalid procedure name %q", fnName)
	}
	doc, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode field values: %w", err)
	}

	ctx, cancel := in.bound(ctx)
	defer cancel()

	var rows *sql.Rows
	if rowID == nil {
		rows, err = db.QueryContext(ctx,
			fmt.Sprintf("SELECT * FROM %s($1::jsonb)", fnName), string(doc))
	} else {
		rows, err = db.QueryContext(ctx,
			fmt.Sprintf("SELECT * FROM %s($1, $2::jsonb)", fnName), rowID, string(doc))
	}
	if err != nil {
		return nil, fmt.Errorf("procedure %s: %w", fnName, err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("procedure %s: %w", fnName, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	delete(result[0], totalCountColumn)
	return result[0], nil
}

func (in *PostgresInvoker) Delete(ctx context.Context, db *sqlx.DB, procName string, rowID interface{}) (int64, error) {
	fnName := procName + "_delete"
	if !validProcIdent(fnName) {
		return 0, validationf("invalid procedure name %q", procName)
	}
	ctx, cancel := in.bound(ctx)
	defer cancel()

	var affected int64
	err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s($1)", fnName), rowID).Scan(&affected)
	if err != nil {
		return 0, fmt.Errorf("procedure %s: %w", fnName, err)
	}
	return affected, nil
}

// scanRows maps a result set into rows, normalizing driver values to
// the closed set string/float64/int64/bool/time.Time/nil.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := []Row{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		pointers := make([]interface{}, len(cols))
		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case string, float64, int64, bool, time.Time, nil:
		return val
	case float32:
		return float64(val)
	case int:
		return int64(val)
	case int32:
		return int64(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func toInt(v interface{}, fallback int) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	case int:
		return n
	case string:
		var parsed int
		if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
