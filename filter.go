package procgrid

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SemanticType selects the operator set and operand parsing for a column.
type SemanticType string

const (
	TypeText    SemanticType = "text"
	TypeNumber  SemanticType = "number"
	TypeDate    SemanticType = "date"
	TypeBoolean SemanticType = "boolean"
	TypeSet     SemanticType = "set"
)

// FilterClause is one per-column filter condition.
type FilterClause struct {
	Type     SemanticType `json:"filterType,omitempty"`
	Operator string       `json:"operator"`
	Value    string       `json:"value,omitempty"`
	ValueTo  string       `json:"valueTo,omitempty"`
	Values   []string     `json:"values,omitempty"`
}

// FilterExpression maps column names to their filter clauses. Clauses
// combine with logical AND.
type FilterExpression map[string]FilterClause

// ParseFilterExpression decodes the serialized wire form once at the
// boundary, so the translator only ever sees structured input.
func ParseFilterExpression(raw string) (FilterExpression, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var f FilterExpression
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, validationf("invalid filter expression: %v", err)
	}
	return f, nil
}

// ParseDrillDown decodes the serialized breadcrumb chain.
func ParseDrillDown(raw string) ([]DrillDownLevel, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var chain []DrillDownLevel
	if err := json.Unmarshal([]byte(raw), &chain); err != nil {
		return nil, validationf("invalid drill-down chain: %v", err)
	}
	return chain, nil
}

// Predicate is a translated filter: a WHERE-equivalent fragment with $n
// placeholders and the bound arguments in order.
type Predicate struct {
	SQL  string
	Args []interface{}
}

const dateLayout = "2006-01-02"

// Translator compiles filter expressions into predicate fragments using
// the procedure's column type map. Columns absent from the map get text
// semantics; that is policy, not an accident.
type Translator struct {
	types map[string]SemanticType
}

func NewTranslator(types map[string]SemanticType) *Translator {
	if types == nil {
		types = map[string]SemanticType{}
	}
	return &Translator{types: types}
}

// Translate compiles f into one fragment per column, joined with AND.
// Column order is made deterministic by sorting names. Only validated
// identifiers are ever embedded in the fragment; operand values always
// bind as parameters.
func (t *Translator) Translate(f FilterExpression) (*Predicate, error) {
	if len(f) == 0 {
		return &Predicate{}, nil
	}

	cols := make([]string, 0, len(f))
	for col := range f {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	clauses := []string{}
	args := []interface{}{}
	argIdx := 1

	for _, col := range cols {
		if !validIdentifier(col) {
			return nil, validationf("invalid filter column name %q", col)
		}
		frag, a, err := t.clause(col, f[col], &argIdx)
		if err != nil {
			return nil, err
		}
		if frag == "" {
			continue
		}
		clauses = append(clauses, frag)
		args = append(args, a...)
	}

	return &Predicate{SQL: strings.Join(clauses, " AND "), Args: args}, nil
}

func (t *Translator) typeOf(col string, c FilterClause) SemanticType {
	// A set selection is a shape, not a column type; it applies to any
	// column the client multi-selects on.
	if c.Type == TypeSet || len(c.Values) > 0 {
		return TypeSet
	}
	// The server-side type map wins over whatever the client tagged.
	if st, ok := t.types[col]; ok {
		return st
	}
	switch c.Type {
	case TypeText, TypeNumber, TypeDate, TypeBoolean:
		return c.Type
	}
	return TypeText
}

func (t *Translator) clause(col string, c FilterClause, argIdx *int) (string, []interface{}, error) {
	switch t.typeOf(col, c) {
	case TypeNumber:
		return numberClause(col, c, argIdx)
	case TypeDate:
		return dateClause(col, c, argIdx)
	case TypeBoolean:
		return booleanClause(col, c, argIdx)
	case TypeSet:
		return setClause(col, c, argIdx)
	default:
		return textClause(col, c, argIdx)
	}
}

func bind(argIdx *int) string {
	p := fmt.Sprintf("$%d", *argIdx)
	*argIdx++
	return p
}

func textClause(col string, c FilterClause, argIdx *int) (string, []interface{}, error) {
	switch c.Operator {
	case "equals":
		return fmt.Sprintf("LOWER(%s) = LOWER(%s)", col, bind(argIdx)), []interface{}{c.Value}, nil
	case "notEqual":
		return fmt.Sprintf("LOWER(%s) <> LOWER(%s)", col, bind(argIdx)), []interface{}{c.Value}, nil
	case "notContains":
		return fmt.Sprintf("%s NOT ILIKE %s", col, bind(argIdx)), []interface{}{"%" + escapeLike(c.Value) + "%"}, nil
	case "startsWith":
		return fmt.Sprintf("%s ILIKE %s", col, bind(argIdx)), []interface{}{escapeLike(c.Value) + "%"}, nil
	case "endsWith":
		return fmt.Sprintf("%s ILIKE %s", col, bind(argIdx)), []interface{}{"%" + escapeLike(c.Value)}, nil
	case "blank":
		return fmt.Sprintf("(%s IS NULL OR %s = '')", col, col), nil, nil
	case "notBlank":
		return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", col, col), nil, nil
	default:
		// Unrecognized text operators degrade to contains.
		return fmt.Sprintf("%s ILIKE %s", col, bind(argIdx)), []interface{}{"%" + escapeLike(c.Value) + "%"}, nil
	}
}

func numberClause(col string, c FilterClause, argIdx *int) (string, []interface{}, error) {
	switch c.Operator {
	case "blank":
		return fmt.Sprintf("%s IS NULL", col), nil, nil
	case "notBlank":
		return fmt.Sprintf("%s IS NOT NULL", col), nil, nil
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
	if err != nil {
		return "", nil, validationf("filter on %q: %q is not a number", col, c.Value)
	}

	op := "="
	switch c.Operator {
	case "notEqual":
		op = "<>"
	case "lessThan":
		op = "<"
	case "lessThanOrEqual":
		op = "<="
	case "greaterThan":
		op = ">"
	case "greaterThanOrEqual":
		op = ">="
	}
	// Anything else, including "equals", compares with "=".
	return fmt.Sprintf("%s %s %s", col, op, bind(argIdx)), []interface{}{n}, nil
}

func dateClause(col string, c FilterClause, argIdx *int) (string, []interface{}, error) {
	switch c.Operator {
	case "blank":
		return fmt.Sprintf("%s IS NULL", col), nil, nil
	case "notBlank":
		return fmt.Sprintf("%s IS NOT NULL", col), nil, nil
	}

	from, err := time.Parse(dateLayout, strings.TrimSpace(c.Value))
	if err != nil {
		return "", nil, validationf("filter on %q: %q is not a date (want YYYY-MM-DD)", col, c.Value)
	}

	switch c.Operator {
	case "notEqual":
		return fmt.Sprintf("%s <> %s", col, bind(argIdx)), []interface{}{from}, nil
	case "lessThan":
		return fmt.Sprintf("%s < %s", col, bind(argIdx)), []interface{}{from}, nil
	case "greaterThan":
		return fmt.Sprintf("%s > %s", col, bind(argIdx)), []interface{}{from}, nil
	case "inRange":
		to, err := time.Parse(dateLayout, strings.TrimSpace(c.ValueTo))
		if err != nil {
			return "", nil, validationf("filter on %q: %q is not a date (want YYYY-MM-DD)", col, c.ValueTo)
		}
		a := bind(argIdx)
		b := bind(argIdx)
		return fmt.Sprintf("(%s >= %s AND %s <= %s)", col, a, col, b), []interface{}{from, to}, nil
	default:
		return fmt.Sprintf("%s = %s", col, bind(argIdx)), []interface{}{from}, nil
	}
}

func booleanClause(col string, c FilterClause, argIdx *int) (string, []interface{}, error) {
	switch c.Operator {
	case "blank":
		return fmt.Sprintf("%s IS NULL", col), nil, nil
	case "notBlank":
		return fmt.Sprintf("%s IS NOT NULL", col), nil, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(c.Value))
	if err != nil {
		return "", nil, validationf("filter on %q: %q is not a boolean", col, c.Value)
	}
	if c.Operator == "notEqual" {
		return fmt.Sprintf("%s <> %s", col, bind(argIdx)), []interface{}{b}, nil
	}
	return fmt.Sprintf("%s = %s", col, bind(argIdx)), []interface{}{b}, nil
}

func setClause(col string, c FilterClause, argIdx *int) (string, []interface{}, error) {
	if len(c.Values) == 0 {
		// An empty selection matches nothing.
		return "1 = 0", nil, nil
	}
	parts := make([]string, 0, len(c.Values))
	args := make([]interface{}, 0, len(c.Values))
	for _, v := range c.Values {
		parts = append(parts, bind(argIdx))
		args = append(args, v)
	}
	if c.Operator == "notIn" {
		return fmt.Sprintf("%s NOT IN (%s)", col, strings.Join(parts, ", ")), args, nil
	}
	return fmt.Sprintf("%s IN (%s)", col, strings.Join(parts, ", ")), args, nil
}

// escapeLike protects LIKE metacharacters in user operands.
func escapeLike(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "%", `\%`)
	return strings.ReplaceAll(v, "_", `\_`)
}

// MergeDrillDown folds the breadcrumb chain into the explicit filter.
// Drill-down represents a narrower context, so a drill-down column
// overwrites any explicit clause on the same column; later breadcrumb
// levels win over earlier ones.
func MergeDrillDown(explicit FilterExpression, chain []DrillDownLevel, types map[string]SemanticType) FilterExpression {
	if len(chain) == 0 {
		return explicit
	}
	merged := make(FilterExpression, len(explicit)+len(chain))
	for col, c := range explicit {
		merged[col] = c
	}
	for _, level := range chain {
		for col, val := range level.Filters {
			st := TypeText
			if t, ok := types[col]; ok {
				st = t
			}
			merged[col] = FilterClause{Type: st, Operator: "equals", Value: val}
		}
	}
	return merged
}

// validIdentifier reports whether s is safe to embed as a column name.
func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
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
	return true
}

// validProcIdent allows schema-qualified names for procedures and master
// tables ("grid.personnel_list").
func validProcIdent(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if !validIdentifier(p) {
			return false
		}
	}
	return true
}
