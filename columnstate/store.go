// Package columnstate persists a user's saved column layout (order,
// width, visibility) per procedure. The layout document is opaque to the
// server; it is stored and returned byte for byte.
package columnstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound means no layout was saved yet; callers treat it as "use
// defaults".
var ErrNotFound = errors.New("column state not found")

// State is one saved layout row.
type State struct {
	UserID        string    `db:"user_id"`
	ProcedureName string    `db:"procedure_name"`
	ColumnState   []byte    `db:"column_state"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Store reads and writes the grid_column_state table.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const saveSQL = `
INSERT INTO grid_column_state (user_id, procedure_name, column_state, created_at, updated_at)
VALUES ($1, $2, $3, now(), now())
ON CONFLICT (user_id, procedure_name)
DO UPDATE SET column_state = EXCLUDED.column_state, updated_at = now()`

// Save upserts the layout blob for (userID, procedureName).
func (s *Store) Save(ctx context.Context, userID, procedureName string, blob []byte) error {
	if _, err := s.db.ExecContext(ctx, saveSQL, userID, procedureName, blob); err != nil {
		return fmt.Errorf("save column state for %s/%s: %w", userID, procedureName, err)
	}
	return nil
}

// Load returns the saved blob, or ErrNotFound when the user has none.
func (s *Store) Load(ctx context.Context, userID, procedureName string) ([]byte, error) {
	var st State
	err := s.db.GetContext(ctx, &st,
		`SELECT user_id, procedure_name, column_state, created_at, updated_at
		   FROM grid_column_state
		  WHERE user_id = $1 AND procedure_name = $2`,
		userID, procedureName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load column state for %s/%s: %w", userID, procedureName, err)
	}
	return st.ColumnState, nil
}

// Delete removes a saved layout, reverting the user to defaults.
func (s *Store) Delete(ctx context.Context, userID, procedureName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM grid_column_state WHERE user_id = $1 AND procedure_name = $2`,
		userID, procedureName)
	if err != nil {
		return fmt.Errorf("delete column state for %s/%s: %w", userID, procedureName, err)
	}
	return nil
}
