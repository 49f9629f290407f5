package procgrid

import (
	"context"
	"errors"
)

// CreateRow inserts one row through the procedure's insert companion and
// returns the created row.
func (e *Engine) CreateRow(ctx context.Context, roles []string, procName string, fields map[string]interface{}) (Row, error) {
	def, err := e.resolveAuthorized(procName, roles)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, validationf("create requires at least one field value")
	}

	row, err := e.invoker.Insert(ctx, e.router.For(def.DatabaseID), def.Name, fields)
	if err != nil {
		return nil, wrapInvokerErr("create row via "+def.Name, err)
	}
	if row == nil {
		return nil, databaseErr("create row via "+def.Name, errors.New("procedure returned no row"))
	}
	return row, nil
}

// UpdateRow applies changes to one row. Zero rows affected means the row
// no longer exists (or was changed underneath the caller) and is
// reported as a conflict, never a silent success.
func (e *Engine) UpdateRow(ctx context.Context, roles []string, procName string, rowID interface{}, changes map[string]interface{}) (Row, error) {
	def, err := e.resolveAuthorized(procName, roles)
	if err != nil {
		return nil, err
	}
	if rowID == nil {
		return nil, validationf("update requires a row id")
	}
	if len(changes) == 0 {
		return nil, validationf("update requires at least one changed field")
	}

	row, err := e.invoker.Update(ctx, e.router.For(def.DatabaseID), def.Name, rowID, changes)
	if err != nil {
		return nil, wrapInvokerErr("update row via "+def.Name, err)
	}
	if row == nil {
		return nil, conflictf("row %v no longer exists", rowID)
	}
	return row, nil
}

// DeleteRow removes one row and returns the affected count. Zero rows is
// a conflict for the same reason as update.
func (e *Engine) DeleteRow(ctx context.Context, roles []string, procName string, rowID interface{}) (int64, error) {
	def, err := e.resolveAuthorized(procName, roles)
	if err != nil {
		return 0, err
	}
	if rowID == nil {
		return 0, validationf("delete requires a row id")
	}

	affected, err := e.invoker.Delete(ctx, e.router.For(def.DatabaseID), def.Name, rowID)
	if err != nil {
		return 0, wrapInvokerErr("delete row via "+def.Name, err)
	}
	if affected == 0 {
		return 0, conflictf("row %v no longer exists", rowID)
	}
	return affected, nil
}

func wrapInvokerErr(msg string, err error) error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return databaseErr(msg, err)
}
