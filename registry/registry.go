// Package registry holds the catalog of grid procedures: which stored
// procedures may be exposed, on which database, with which limits and
// role requirements.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrNotFound is returned for unknown or inactive procedures.
var ErrNotFound = errors.New("procedure not found")

// Definition describes one registered procedure.
type Definition struct {
	Name                 string   `json:"name"`
	DisplayName          string   `json:"displayName"`
	Description          string   `json:"description,omitempty"`
	Category             string   `json:"category,omitempty"`
	IsActive             bool     `json:"isActive"`
	RequiresAuth         bool     `json:"requiresAuth"`
	AllowedRoles         []string `json:"allowedRoles,omitempty"`
	DatabaseID           string   `json:"databaseId,omitempty"`
	DefaultPageSize      int      `json:"defaultPageSize"`
	MaxPageSize          int      `json:"maxPageSize"`
	CacheDurationSeconds int      `json:"cacheDurationSeconds,omitempty"`
}

// Catalog is the wire form of the registration document.
type Catalog struct {
	Version    string       `json:"version"`
	Procedures []Definition `json:"procedures"`
}

// Registry resolves procedure names to their definitions. Reads are
// concurrent; Reload swaps the whole map under the write lock.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// New builds a registry from definitions, enforcing the catalog
// invariants: globally unique names and defaultPageSize <= maxPageSize.
func New(defs []Definition) (*Registry, error) {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("procedure with empty name in catalog")
		}
		if _, dup := m[d.Name]; dup {
			return nil, fmt.Errorf("duplicate procedure %q in catalog", d.Name)
		}
		if d.MaxPageSize <= 0 {
			return nil, fmt.Errorf("procedure %q: maxPageSize must be positive", d.Name)
		}
		if d.DefaultPageSize <= 0 || d.DefaultPageSize > d.MaxPageSize {
			return nil, fmt.Errorf("procedure %q: defaultPageSize %d out of range (max %d)",
				d.Name, d.DefaultPageSize, d.MaxPageSize)
		}
		m[d.Name] = d
	}
	return &Registry{defs: m}, nil
}

// FromData parses a catalog document and builds a registry from it.
func FromData(data []byte) (*Registry, error) {
	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(cat.Procedures) == 0 {
		return nil, fmt.Errorf("no procedures found in catalog")
	}
	return New(cat.Procedures)
}

// LoadFile reads a catalog file, optionally validating it against a JSON
// schema first.
func LoadFile(path, schemaPath string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if schemaPath != "" {
		schema, err := os.ReadFile(schemaPath)
		if err != nil {
			return nil, err
		}
		if err := ValidateData(schema, data); err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
	}
	return FromData(data)
}

// ValidateData checks a catalog document against its JSON schema.
func ValidateData(schema, doc []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("catalog is invalid: %s", strings.Join(msgs, "; "))
}

// Resolve returns the definition for name. Inactive procedures resolve
// the same as missing ones.
func (r *Registry) Resolve(name string) (Definition, error) {
	r.mu.RLock()
	d, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok || !d.IsActive {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d, nil
}

// Active lists the active definitions sorted by category then display name.
func (r *Registry) Active() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		if d.IsActive {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Reload replaces the whole catalog. Used on administrative updates.
func (r *Registry) Reload(defs []Definition) error {
	next, err := New(defs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.defs = next.defs
	r.mu.Unlock()
	return nil
}

// IsAllowed reports whether a caller holding roles may use the procedure:
// either it requires no auth, or the role sets intersect.
func IsAllowed(d Definition, roles []string) bool {
	if !d.RequiresAuth {
		return true
	}
	for _, have := range roles {
		for _, want := range d.AllowedRoles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// ClampPageSize returns the effective page size for a request: the
// default when nothing usable was asked for, never more than the max.
func ClampPageSize(d Definition, requested int) int {
	if requested <= 0 {
		requested = d.DefaultPageSize
	}
	if requested > d.MaxPageSize {
		return d.MaxPageSize
	}
	return requested
}
