package procgrid

import (
	"context"
	"testing"
)

func TestCreateRow(t *testing.T) {
	inv := &fakeInvoker{insertResult: Row{"id": int64(7), "name": "new"}}
	e := newTestEngine(t, inv)

	row, err := e.CreateRow(context.Background(), []string{"hr"}, "personnel_list",
		map[string]interface{}{"name": "new"})
	if err != nil {
		t.Fatalf("CreateRow failed: %v", err)
	}
	if row["id"] != int64(7) {
		t.Errorf("Expected created row id 7, got %v", row["id"])
	}
	if inv.lastProc != "personnel_list" {
		t.Errorf("Wrong procedure invoked: %s", inv.lastProc)
	}

	_, err = e.CreateRow(context.Background(), []string{"hr"}, "personnel_list", nil)
	if CodeOf(err) != CodeValidation {
		t.Errorf("Expected VALIDATION_ERROR for empty field set, got %v", err)
	}
}

func TestUpdateRowConflictOnMissingRow(t *testing.T) {
	// The companion procedure returns no row: the target no longer exists.
	inv := &fakeInvoker{updateResult: nil}
	e := newTestEngine(t, inv)

	_, err := e.UpdateRow(context.Background(), []string{"hr"}, "personnel_list",
		99, map[string]interface{}{"name": "x"})
	if CodeOf(err) != CodeConflict {
		t.Errorf("Expected CONFLICT for vanished row, got %v", err)
	}
}

func TestUpdateRowReturnsUpdatedRow(t *testing.T) {
	inv := &fakeInvoker{updateResult: Row{"id": int64(5), "name": "renamed"}}
	e := newTestEngine(t, inv)

	row, err := e.UpdateRow(context.Background(), []string{"hr"}, "personnel_list",
		5, map[string]interface{}{"name": "renamed"})
	if err != nil {
		t.Fatalf("UpdateRow failed: %v", err)
	}
	if row["name"] != "renamed" {
		t.Errorf("Expected post-mutation row, got %v", row)
	}
}

func TestDeleteRow(t *testing.T) {
	inv := &fakeInvoker{deleteResult: 1}
	e := newTestEngine(t, inv)

	affected, err := e.DeleteRow(context.Background(), []string{"hr"}, "personnel_list", 5)
	if err != nil {
		t.Fatalf("DeleteRow failed: %v", err)
	}
	if affected != 1 {
		t.Errorf("Expected 1 affected row, got %d", affected)
	}

	inv.deleteResult = 0
	_, err = e.DeleteRow(context.Background(), []string{"hr"}, "personnel_list", 5)
	if CodeOf(err) != CodeConflict {
		t.Errorf("Expected CONFLICT for zero affected rows, got %v", err)
	}
}

func TestMutationsEnforceAuthorization(t *testing.T) {
	e := newTestEngine(t, &fakeInvoker{})
	ctx := context.Background()
	roles := []string{"viewer"}

	if _, err := e.CreateRow(ctx, roles, "personnel_list", map[string]interface{}{"a": 1}); CodeOf(err) != CodeForbidden {
		t.Errorf("Create: expected FORBIDDEN, got %v", err)
	}
	if _, err := e.UpdateRow(ctx, roles, "personnel_list", 1, map[string]interface{}{"a": 1}); CodeOf(err) != CodeForbidden {
		t.Errorf("Update: expected FORBIDDEN, got %v", err)
	}
	if _, err := e.DeleteRow(ctx, roles, "personnel_list", 1); CodeOf(err) != CodeForbidden {
		t.Errorf("Delete: expected FORBIDDEN, got %v", err)
	}

	if _, err := e.UpdateRow(ctx, []string{"hr"}, "personnel_list", nil, map[string]interface{}{"a": 1}); CodeOf(err) != CodeValidation {
		t.Errorf("Update without row id: expected VALIDATION_ERROR, got %v", err)
	}
}
