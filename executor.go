package procgrid

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gnemet/procgrid/database/router"
	"github.com/gnemet/procgrid/metadata"
	"github.com/gnemet/procgrid/registry"
)

// Engine is the grid query orchestrator. It is stateless per request;
// the only shared structures behind it (registry, metadata cache) are
// safe for concurrent readers.
type Engine struct {
	registry *registry.Registry
	router   *router.Router
	metadata *metadata.Resolver
	invoker  ProcedureInvoker
	log      *slog.Logger
}

func NewEngine(reg *registry.Registry, rt *router.Router, resolver *metadata.Resolver, invoker ProcedureInvoker, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{registry: reg, router: rt, metadata: resolver, invoker: invoker, log: log}
}

// resolveAuthorized runs the shared head of every operation: resolve
// the definition, then check the caller's roles against it.
func (e *Engine) resolveAuthorized(procName string, roles []string) (registry.Definition, error) {
	def, err := e.registry.Resolve(procName)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return registry.Definition{}, notFoundf("unknown or inactive procedure %q", procName)
		}
		return registry.Definition{}, databaseErr("resolve procedure", err)
	}
	if !registry.IsAllowed(def, roles) {
		return registry.Definition{}, forbiddenf("roles %v are not allowed to use procedure %q", roles, procName)
	}
	return def, nil
}

// Query runs one grid request end to end.
func (e *Engine) Query(ctx context.Context, roles []string, req GridRequest) (*GridResponse, error) {
	started := time.Now()

	def, err := e.resolveAuthorized(req.ProcedureName, roles)
	if err != nil {
		return nil, err
	}

	rangeMode := req.StartRow != nil || req.EndRow != nil
	pageMode := req.PageNumber != 0 || !rangeMode
	if pageMode && rangeMode {
		return nil, validationf("request mixes page-based and row-range paging")
	}

	params := ProcParams{
		SortDirection: normalizeDirection(req.SortDirection),
		SearchTerm:    req.SearchTerm,
	}

	if rangeMode {
		if req.StartRow == nil || req.EndRow == nil {
			return nil, validationf("row-range paging requires both startRow and endRow")
		}
		if *req.StartRow < 0 || *req.EndRow <= *req.StartRow {
			return nil, validationf("row-range paging requires endRow > startRow >= 0")
		}
		params.StartRow = *req.StartRow
		end := *req.StartRow + registry.ClampPageSize(def, *req.EndRow-*req.StartRow)
		params.EndRow = end
	} else {
		if req.PageNumber < 1 {
			return nil, validationf("pageNumber must be >= 1")
		}
		params.PageNumber = req.PageNumber
		params.PageSize = registry.ClampPageSize(def, req.PageSize)
		params.StartRow = (params.PageNumber - 1) * params.PageSize
		params.EndRow = params.PageNumber * params.PageSize
	}

	cols, err := e.metadata.MetadataFor(ctx, def.Name)
	if err != nil {
		return nil, databaseErr("resolve column metadata", err)
	}
	types := typeMapOf(cols)

	if req.SortColumn != "" {
		if !validIdentifier(req.SortColumn) {
			return nil, validationf("invalid sort column %q", req.SortColumn)
		}
		if len(cols) > 0 && !sortableColumn(cols, req.SortColumn) {
			return nil, validationf("column %q is not sortable", req.SortColumn)
		}
		params.SortColumn = req.SortColumn
	}

	merged := MergeDrillDown(req.Filter, req.DrillDown, types)
	if _, err := NewTranslator(types).Translate(merged); err != nil {
		return nil, err
	}

	if len(merged) > 0 {
		doc, err := json.Marshal(merged)
		if err != nil {
			return nil, validationf("encode filter: %v", err)
		}
		params.FilterJSON = string(doc)
	}
	if len(req.DrillDown) > 0 {
		doc, err := json.Marshal(req.DrillDown)
		if err != nil {
			return nil, validationf("encode drill-down: %v", err)
		}
		params.DrillDownJSON = string(doc)
	}

	db := e.router.For(def.DatabaseID)

	result, err := e.invoker.Query(ctx, db, def.Name, params)
	if err != nil {
		var typed *Error
		if errors.As(err, &typed) {
			return nil, typed
		}
		return nil, databaseErr("execute procedure "+def.Name, err)
	}

	resp := &GridResponse{
		Rows:    result.Rows,
		Columns: columnDefs(cols),
	}

	if rangeMode {
		switch {
		case result.TotalCount >= 0:
			resp.TotalCount = result.TotalCount
			last := result.TotalCount
			resp.LastRow = &last
		case len(result.Rows) < params.EndRow-params.StartRow:
			// The window was not filled, so the end of the data is known.
			last := params.StartRow + len(result.Rows)
			resp.TotalCount = last
			resp.LastRow = &last
		default:
			resp.TotalCount = params.StartRow + len(result.Rows)
		}
	} else {
		resp.PageNumber = params.PageNumber
		resp.PageSize = params.PageSize
		if result.TotalCount >= 0 {
			resp.TotalCount = result.TotalCount
		} else {
			resp.TotalCount = params.StartRow + len(result.Rows)
		}
		if params.PageSize > 0 {
			resp.TotalPages = (resp.TotalCount + params.PageSize - 1) / params.PageSize
		}
	}

	e.log.Debug("grid query served",
		"procedure", def.Name,
		"rows", len(result.Rows),
		"total", resp.TotalCount,
		"duration", time.Since(started))
	return resp, nil
}

// DropdownValues serves a dropdown request through the same
// authorization and routing path as queries.
func (e *Engine) DropdownValues(ctx context.Context, roles []string, req DropdownRequest) ([]metadata.Option, error) {
	def, err := e.resolveAuthorized(req.ProcedureName, roles)
	if err != nil {
		return nil, err
	}
	if req.MasterTable == "" || req.ValueField == "" || req.LabelField == "" {
		return nil, validationf("dropdown request requires masterTable, valueField and labelField")
	}

	// The request shape mirrors a dynamic dropdown column; its dependency
	// check already happened on the client, so none is declared here.
	col := metadata.Column{
		ProcedureName:   def.Name,
		DropdownKind:    metadata.DropdownDynamic,
		MasterTable:     req.MasterTable,
		ValueField:      req.ValueField,
		LabelField:      req.LabelField,
		FilterCondition: req.FilterCondition,
	}
	options, err := metadata.DropdownValues(ctx, e.router.For(def.DatabaseID), col, req.RowContext)
	if err != nil {
		return nil, databaseErr("resolve dropdown values", err)
	}
	return options, nil
}

// Procedures lists the active procedures the caller may use, for menu
// rendering.
func (e *Engine) Procedures(roles []string) []ProcedureInfo {
	defs := e.registry.Active()
	out := make([]ProcedureInfo, 0, len(defs))
	for _, d := range defs {
		if !registry.IsAllowed(d, roles) {
			continue
		}
		out = append(out, ProcedureInfo{
			Name:        d.Name,
			DisplayName: d.DisplayName,
			Category:    d.Category,
			Description: d.Description,
		})
	}
	return out
}

// InvalidateMetadata drops the cached column metadata for a procedure
// after an administrative update.
func (e *Engine) InvalidateMetadata(procedureName string) {
	e.metadata.Invalidate(procedureName)
}

func normalizeDirection(dir string) string {
	if dir == "DESC" || dir == "desc" {
		return "DESC"
	}
	return "ASC"
}

func sortableColumn(cols []metadata.Column, name string) bool {
	for _, c := range cols {
		if c.ColumnName == name {
			return c.Sortable
		}
	}
	return false
}

// typeMapOf derives the column semantic types the filter translator
// needs from the resolved metadata.
func typeMapOf(cols []metadata.Column) map[string]SemanticType {
	types := make(map[string]SemanticType, len(cols))
	for _, c := range cols {
		switch c.DataType {
		case "number":
			types[c.ColumnName] = TypeNumber
		case "date":
			types[c.ColumnName] = TypeDate
		case "boolean":
			types[c.ColumnName] = TypeBoolean
		default:
			types[c.ColumnName] = TypeText
		}
	}
	return types
}

func columnDefs(cols []metadata.Column) []ColumnDefinition {
	defs := make([]ColumnDefinition, 0, len(cols))
	for _, c := range cols {
		colType := c.DataType
		if colType == "" {
			colType = "string"
		}
		def := ColumnDefinition{
			Field:            c.ColumnName,
			HeaderName:       c.HeaderName,
			Type:             colType,
			Width:            c.Width,
			Sortable:         c.Sortable,
			Filter:           c.Filterable,
			Editable:         c.Editable,
			CellEditor:       c.CellEditor,
			CellEditorParams: c.CellEditorParams,
			ColumnGroup:      c.ColumnGroup,
			ColumnGroupShow:  c.ColumnGroupShow,
			Pinned:           c.Pinned,
			Link:             c.Link,
		}
		if c.DropdownKind == metadata.DropdownStatic && def.CellEditorParams == nil && len(c.StaticValues) > 0 {
			if doc, err := json.Marshal(map[string]interface{}{"values": c.StaticValues}); err == nil {
				def.CellEditorParams = doc
			}
		}
		defs = append(defs, def)
	}
	return defs
}
