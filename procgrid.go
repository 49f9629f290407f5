package procgrid

import (
	"encoding/json"

	"github.com/gnemet/procgrid/metadata"
)

// Row is an ordered-by-column mapping of a single result row. Values are
// normalized at the scan boundary to string, float64, int64, bool,
// time.Time or nil.
type Row map[string]interface{}

// DrillDownLevel is one breadcrumb step: selecting a row in a parent grid
// narrows the child grid by these column values.
type DrillDownLevel struct {
	ProcedureName string            `json:"procedureName"`
	Filters       map[string]string `json:"filters"`
}

// GridRequest is the wire form of a grid page request. Paging is either
// page-based (PageNumber/PageSize) or row-range based (StartRow/EndRow)
// for infinite scroll; the two modes are mutually exclusive.
type GridRequest struct {
	ProcedureName string           `json:"procedureName"`
	PageNumber    int              `json:"pageNumber,omitempty"`
	PageSize      int              `json:"pageSize,omitempty"`
	StartRow      *int             `json:"startRow,omitempty"`
	EndRow        *int             `json:"endRow,omitempty"`
	SortColumn    string           `json:"sortColumn,omitempty"`
	SortDirection string           `json:"sortDirection,omitempty"`
	Filter        FilterExpression `json:"filter,omitempty"`
	DrillDown     []DrillDownLevel `json:"drillDown,omitempty"`
	SearchTerm    string           `json:"searchTerm,omitempty"`
}

// ColumnDefinition describes one grid column for the client widget.
type ColumnDefinition struct {
	Field            string                 `json:"field"`
	HeaderName       string                 `json:"headerName"`
	Type             string                 `json:"type"`
	Width            int                    `json:"width,omitempty"`
	Sortable         bool                   `json:"sortable"`
	Filter           bool                   `json:"filter"`
	Editable         bool                   `json:"editable"`
	CellEditor       string                 `json:"cellEditor,omitempty"`
	CellEditorParams json.RawMessage        `json:"cellEditorParams,omitempty"`
	ColumnGroup      string                 `json:"columnGroup,omitempty"`
	ColumnGroupShow  string                 `json:"columnGroupShow,omitempty"`
	Pinned           string                 `json:"pinned,omitempty"`
	Link             *metadata.LinkConfig   `json:"link,omitempty"`
	CustomProperties map[string]interface{} `json:"customProperties,omitempty"`
}

// GridResponse carries one page of rows plus enough structure for the
// client to render and edit the grid.
type GridResponse struct {
	Rows       []Row                  `json:"rows"`
	Columns    []ColumnDefinition     `json:"columns"`
	TotalCount int                    `json:"totalCount"`
	PageNumber int                    `json:"pageNumber,omitempty"`
	PageSize   int                    `json:"pageSize,omitempty"`
	TotalPages int                    `json:"totalPages,omitempty"`
	LastRow    *int                   `json:"lastRow,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ProcedureInfo is the navigation-level view of a registered procedure.
type ProcedureInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

// DropdownRequest asks for the (value,label) options of one dropdown
// column, with the current row values for dependency substitution.
type DropdownRequest struct {
	ProcedureName   string                 `json:"procedureName"`
	MasterTable     string                 `json:"masterTable"`
	ValueField      string                 `json:"valueField"`
	LabelField      string                 `json:"labelField"`
	FilterCondition string                 `json:"filterCondition,omitempty"`
	RowContext      map[string]interface{} `json:"rowContext,omitempty"`
}
