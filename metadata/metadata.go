// Package metadata resolves per-procedure column configuration: editor
// kinds, dropdown sources with dependency chains, and link behavior for
// clickable cells. Resolution is cached per procedure with explicit
// invalidation on administrative updates.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"
)

// DropdownKind selects where a column's dropdown options come from.
type DropdownKind string

const (
	DropdownNone    DropdownKind = "none"
	DropdownStatic  DropdownKind = "static"
	DropdownDynamic DropdownKind = "dynamic"
)

// Option is one (value,label) dropdown entry.
type Option struct {
	Value interface{} `json:"value"`
	Label string      `json:"label"`
}

// LinkParam synthesizes one navigation parameter from row fields.
type LinkParam struct {
	Name      string   `json:"name"`
	Fields    []string `json:"fields"`
	Separator string   `json:"separator,omitempty"`
}

// LinkConfig makes a cell clickable, routing with parameters built from
// the row.
type LinkConfig struct {
	Enabled      bool        `json:"enabled"`
	RoutePath    string      `json:"routePath"`
	OpenInNewTab bool        `json:"openInNewTab"`
	Params       []LinkParam `json:"params,omitempty"`
}

// Column is the resolved metadata of one grid column.
type Column struct {
	ProcedureName    string
	ColumnName       string
	HeaderName       string
	DataType         string // string, number, date, boolean
	Width            int
	Sortable         bool
	Filterable       bool
	Editable         bool
	CellEditor       string
	CellEditorParams json.RawMessage
	DropdownKind     DropdownKind
	StaticValues     []Option
	MasterTable      string
	ValueField       string
	LabelField       string
	FilterCondition  string
	DependsOn        []string
	Link             *LinkConfig
	ColumnGroup      string
	ColumnGroupShow  string
	Pinned           string
	Position         int
}

// Validate enforces the dynamic-dropdown invariant.
func (c Column) Validate() error {
	if c.DropdownKind == DropdownDynamic {
		if c.MasterTable == "" || c.ValueField == "" || c.LabelField == "" {
			return fmt.Errorf("column %s.%s: dynamic dropdown requires masterTable, valueField and labelField",
				c.ProcedureName, c.ColumnName)
		}
	}
	return nil
}

// Store is where column metadata rows live.
type Store interface {
	ListColumns(ctx context.Context, procedureName string) ([]Column, error)
}

// dbColumn is the persistence shape; JSON-typed fields arrive as text.
type dbColumn struct {
	ProcedureName    string         `db:"procedure_name"`
	ColumnName       string         `db:"column_name"`
	HeaderName       sql.NullString `db:"header_name"`
	DataType         sql.NullString `db:"data_type"`
	Width            sql.NullInt64  `db:"width"`
	Sortable         bool           `db:"sortable"`
	Filterable       bool           `db:"filterable"`
	Editable         bool           `db:"editable"`
	CellEditor       sql.NullString `db:"cell_editor"`
	CellEditorParams sql.NullString `db:"cell_editor_params"`
	DropdownKind     sql.NullString `db:"dropdown_kind"`
	StaticValues     sql.NullString `db:"static_values"`
	MasterTable      sql.NullString `db:"master_table"`
	ValueField       sql.NullString `db:"value_field"`
	LabelField       sql.NullString `db:"label_field"`
	FilterCondition  sql.NullString `db:"filter_condition"`
	DependsOn        sql.NullString `db:"depends_on"`
	LinkConfig       sql.NullString `db:"link_config"`
	ColumnGroup      sql.NullString `db:"column_group"`
	ColumnGroupShow  sql.NullString `db:"column_group_show"`
	Pinned           sql.NullString `db:"pinned"`
	Position         int            `db:"position"`
}

// SQLStore reads metadata from the grid_column_metadata table.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

const listColumnsSQL = `
SELECT procedure_name, column_name, header_name, data_type, width,
       sortable, filterable, editable, cell_editor, cell_editor_params,
       dropdown_kind, static_values, master_table, value_field, label_field,
       filter_condition, depends_on, link_config,
       column_group, column_group_show, pinned, position
  FROM grid_column_metadata
 WHERE procedure_name = $1 AND is_active = true
 ORDER BY position, column_name`

func (s *SQLStore) ListColumns(ctx context.Context, procedureName string) ([]Column, error) {
	var raw []dbColumn
	if err := s.db.SelectContext(ctx, &raw, listColumnsSQL, procedureName); err != nil {
		return nil, fmt.Errorf("list columns for %s: %w", procedureName, err)
	}

	cols := make([]Column, 0, len(raw))
	for _, r := range raw {
		c := Column{
			ProcedureName:   r.ProcedureName,
			ColumnName:      r.ColumnName,
			HeaderName:      r.HeaderName.String,
			DataType:        r.DataType.String,
			Width:           int(r.Width.Int64),
			Sortable:        r.Sortable,
			Filterable:      r.Filterable,
			Editable:        r.Editable,
			CellEditor:      r.CellEditor.String,
			DropdownKind:    DropdownKind(r.DropdownKind.String),
			MasterTable:     r.MasterTable.String,
			ValueField:      r.ValueField.String,
			LabelField:      r.LabelField.String,
			FilterCondition: r.FilterCondition.String,
			ColumnGroup:     r.ColumnGroup.String,
			ColumnGroupShow: r.ColumnGroupShow.String,
			Pinned:          r.Pinned.String,
			Position:        r.Position,
		}
		if c.HeaderName == "" {
			c.HeaderName = c.ColumnName
		}
		if c.DropdownKind == "" {
			c.DropdownKind = DropdownNone
		}
		if r.CellEditorParams.Valid && r.CellEditorParams.String != "" {
			c.CellEditorParams = json.RawMessage(r.CellEditorParams.String)
		}
		if r.StaticValues.Valid && r.StaticValues.String != "" {
			if err := json.Unmarshal([]byte(r.StaticValues.String), &c.StaticValues); err != nil {
				return nil, fmt.Errorf("column %s.%s: bad static values: %w",
					c.ProcedureName, c.ColumnName, err)
			}
		}
		if r.DependsOn.Valid && r.DependsOn.String != "" {
			if err := json.Unmarshal([]byte(r.DependsOn.String), &c.DependsOn); err != nil {
				return nil, fmt.Errorf("column %s.%s: bad dependency list: %w",
					c.ProcedureName, c.ColumnName, err)
			}
		}
		if r.LinkConfig.Valid && r.LinkConfig.String != "" {
			var link LinkConfig
			if err := json.Unmarshal([]byte(r.LinkConfig.String), &link); err != nil {
				return nil, fmt.Errorf("column %s.%s: bad link config: %w",
					c.ProcedureName, c.ColumnName, err)
			}
			c.Link = &link
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, nil
}

// Resolver caches column metadata per procedure. Readers never block
// each other; concurrent misses for the same key collapse into a single
// store load.
type Resolver struct {
	store Store
	cache *lru.Cache[string, []Column]
	group singleflight.Group
	log   *slog.Logger
}

func NewResolver(store Store, cacheSize int, log *slog.Logger) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	cache, err := lru.New[string, []Column](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{store: store, cache: cache, log: log}, nil
}

// MetadataFor returns the ordered column metadata for a procedure.
func (r *Resolver) MetadataFor(ctx context.Context, procedureName string) ([]Column, error) {
	if cols, ok := r.cache.Get(procedureName); ok {
		return cols, nil
	}

	v, err, _ := r.group.Do(procedureName, func() (interface{}, error) {
		if cols, ok := r.cache.Get(procedureName); ok {
			return cols, nil
		}
		cols, err := r.store.ListColumns(ctx, procedureName)
		if err != nil {
			return nil, err
		}
		r.cache.Add(procedureName, cols)
		return cols, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Column), nil
}

// Invalidate drops the cached entry for one procedure. Called after an
// administrative metadata update.
func (r *Resolver) Invalidate(procedureName string) {
	r.cache.Remove(procedureName)
	r.log.Info("column metadata invalidated", "procedure", procedureName)
}

// DropdownValues resolves the option list for one dropdown column. For
// static kinds the stored list is returned verbatim. Dynamic kinds query
// the master table with the row context bound as named parameters; if a
// dependency column is not present in the context yet, the list is
// empty rather than an error so the client can retry once it is filled.
func DropdownValues(ctx context.Context, db *sqlx.DB, col Column, rowContext map[string]interface{}) ([]Option, error) {
	switch col.DropdownKind {
	case DropdownStatic:
		return col.StaticValues, nil
	case DropdownDynamic:
	default:
		return nil, nil
	}

	for _, dep := range col.DependsOn {
		if v, ok := rowContext[dep]; !ok || v == nil || v == "" {
			return []Option{}, nil
		}
	}

	if !validIdent(col.MasterTable, true) || !validIdent(col.ValueField, false) || !validIdent(col.LabelField, false) {
		return nil, fmt.Errorf("dropdown for %s.%s: invalid master table or field name",
			col.ProcedureName, col.ColumnName)
	}

	query := fmt.Sprintf("SELECT %s AS value, %s AS label FROM %s",
		col.ValueField, col.LabelField, col.MasterTable)
	var args []interface{}
	if strings.TrimSpace(col.FilterCondition) != "" {
		cond, condArgs, err := sqlx.Named(col.FilterCondition, rowContext)
		if err != nil {
			return nil, fmt.Errorf("dropdown for %s.%s: bad filter condition: %w",
				col.ProcedureName, col.ColumnName, err)
		}
		query += " WHERE " + db.Rebind(cond)
		args = condArgs
	}
	query += fmt.Sprintf(" ORDER BY %s", col.LabelField)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dropdown query for %s.%s: %w",
			col.ProcedureName, col.ColumnName, err)
	}
	defer rows.Close()

	options := []Option{}
	for rows.Next() {
		var value interface{}
		var label sql.NullString
		if err := rows.Scan(&value, &label); err != nil {
			return nil, err
		}
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		options = append(options, Option{Value: value, Label: label.String})
	}
	return options, rows.Err()
}

func validIdent(s string, allowQualified bool) bool {
	parts := []string{s}
	if allowQualified {
		parts = strings.Split(s, ".")
		if len(parts) > 2 {
			return false
		}
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for i, r := range p {
			switch {
			case r == '_':
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
				if i == 0 {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}
