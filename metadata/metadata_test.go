package metadata

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeStore struct {
	mu    sync.Mutex
	cols  map[string][]Column
	calls int
	err   error
}

func (s *fakeStore) ListColumns(ctx context.Context, proc string) ([]Column, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.cols[proc], nil
}

func cols() map[string][]Column {
	return map[string][]Column{
		"personnel_list": {
			{ProcedureName: "personnel_list", ColumnName: "id", DataType: "number", Position: 1},
			{ProcedureName: "personnel_list", ColumnName: "name", DataType: "string", Position: 2},
		},
	}
}

func TestMetadataForCaches(t *testing.T) {
	store := &fakeStore{cols: cols()}
	r, err := NewResolver(store, 16, nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	ctx := context.Background()
	first, err := r.MetadataFor(ctx, "personnel_list")
	if err != nil {
		t.Fatalf("MetadataFor failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("Expected 2 columns, got %d", len(first))
	}

	if _, err := r.MetadataFor(ctx, "personnel_list"); err != nil {
		t.Fatalf("Second MetadataFor failed: %v", err)
	}
	if store.calls != 1 {
		t.Errorf("Expected a single store load, got %d", store.calls)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	store := &fakeStore{cols: cols()}
	r, _ := NewResolver(store, 16, nil)
	ctx := context.Background()

	r.MetadataFor(ctx, "personnel_list")
	r.Invalidate("personnel_list")
	r.MetadataFor(ctx, "personnel_list")

	if store.calls != 2 {
		t.Errorf("Expected reload after invalidation, got %d loads", store.calls)
	}
}

func TestMetadataForErrorNotCached(t *testing.T) {
	store := &fakeStore{cols: cols(), err: errors.New("boom")}
	r, _ := NewResolver(store, 16, nil)
	ctx := context.Background()

	if _, err := r.MetadataFor(ctx, "personnel_list"); err == nil {
		t.Fatalf("Expected store error")
	}

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	got, err := r.MetadataFor(ctx, "personnel_list")
	if err != nil {
		t.Fatalf("Recovery load failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 columns after recovery, got %d", len(got))
	}
}

func TestConcurrentReadersSingleLoad(t *testing.T) {
	store := &fakeStore{cols: cols()}
	r, _ := NewResolver(store, 16, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.MetadataFor(ctx, "personnel_list"); err != nil {
				t.Errorf("MetadataFor failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Concurrent misses may race ahead of the cache fill, but the
	// singleflight group keeps redundant loads to a handful at most.
	if store.calls > 2 {
		t.Errorf("Expected collapsed loads, got %d", store.calls)
	}
}

func TestValidateDynamicDropdownInvariant(t *testing.T) {
	c := Column{ProcedureName: "p", ColumnName: "c", DropdownKind: DropdownDynamic}
	if err := c.Validate(); err == nil {
		t.Errorf("Dynamic dropdown without master table must fail validation")
	}

	c.MasterTable = "departments"
	c.ValueField = "id"
	c.LabelField = "name"
	if err := c.Validate(); err != nil {
		t.Errorf("Complete dynamic dropdown failed validation: %v", err)
	}
}

func TestDropdownValuesStatic(t *testing.T) {
	c := Column{
		DropdownKind: DropdownStatic,
		StaticValues: []Option{{Value: "a", Label: "Alpha"}, {Value: "b", Label: "Beta"}},
	}
	opts, err := DropdownValues(context.Background(), nil, c, nil)
	if err != nil {
		t.Fatalf("DropdownValues failed: %v", err)
	}
	if len(opts) != 2 || opts[0].Label != "Alpha" || opts[1].Label != "Beta" {
		t.Errorf("Static values must come back verbatim and ordered, got %+v", opts)
	}
}

func TestDropdownValuesNoneKind(t *testing.T) {
	opts, err := DropdownValues(context.Background(), nil, Column{DropdownKind: DropdownNone}, nil)
	if err != nil || opts != nil {
		t.Errorf("None kind must yield nothing, got %v, %v", opts, err)
	}
}

func TestDropdownValuesMissingDependency(t *testing.T) {
	c := Column{
		DropdownKind: DropdownDynamic,
		MasterTable:  "cities", ValueField: "id", LabelField: "name",
		FilterCondition: "country_id = :country_id",
		DependsOn:       []string{"country_id"},
	}

	// No context at all.
	opts, err := DropdownValues(context.Background(), nil, c, nil)
	if err != nil {
		t.Fatalf("Missing dependency must not error: %v", err)
	}
	if len(opts) != 0 {
		t.Errorf("Expected empty option list, got %+v", opts)
	}

	// Dependency present but empty counts as unresolved.
	opts, err = DropdownValues(context.Background(), nil, c, map[string]interface{}{"country_id": ""})
	if err != nil || len(opts) != 0 {
		t.Errorf("Empty dependency must yield empty list, got %v, %v", opts, err)
	}
}

func TestDropdownValuesRejectsHostileIdentifiers(t *testing.T) {
	c := Column{
		DropdownKind: DropdownDynamic,
		MasterTable:  "cities; DROP TABLE x", ValueField: "id", LabelField: "name",
	}
	if _, err := DropdownValues(context.Background(), nil, c, nil); err == nil {
		t.Errorf("Hostile master table name must be rejected")
	}
}

func TestValidIdent(t *testing.T) {
	cases := []struct {
		in        string
		qualified bool
		want      bool
	}{
		{"departments", true, true},
		{"grid.departments", true, true},
		{"a.b.c", true, false},
		{"grid.departments", false, false},
		{"1bad", false, false},
		{"", false, false},
		{"ok_name2", false, true},
		{"bad-name", false, false},
	}
	for _, tc := range cases {
		if got := validIdent(tc.in, tc.qualified); got != tc.want {
			t.Errorf("validIdent(%q, %v): expected %v", tc.in, tc.qualified, tc.want)
		}
	}
}
