// Package translate maps filesystem paths onto catalog paths through the
// configured register map and turns change records into catalog operations.
package translate

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/lustre-irods/connector/cfg"
)

// Mapping rewrites one filesystem subtree onto one catalog subtree
type Mapping struct {
	SourceRoot  string
	CatalogRoot string
}

// Table is an immutable longest-prefix mapping table. It is built once at
// startup and shared read-only by every stage of a shard.
type Table struct {
	mappings []Mapping
}

// NewTable builds a table from the register map. Paths must be absolute and
// source roots unique.
func NewTable(registerMap []cfg.RegisterMapping) (*Table, error) {
	if len(registerMap) == 0 {
		return nil, fmt.Errorf("register map is empty")
	}

	seen := make(map[string]bool, len(registerMap))
	mappings := make([]Mapping, 0, len(registerMap))
	for i, m := range registerMap {
		if !path.IsAbs(m.LustrePath) || !path.IsAbs(m.IrodsPath) {
			return nil, fmt.Errorf("register_map[%d]: paths must be absolute", i)
		}
		src := path.Clean(m.LustrePath)
		if seen[src] {
			return nil, fmt.Errorf("register_map[%d]: duplicate lustre_path %q", i, src)
		}
		seen[src] = true
		mappings = append(mappings, Mapping{SourceRoot: src, CatalogRoot: path.Clean(m.IrodsPath)})
	}

	// Longest source root first so the first hit is the most specific one
	sort.SliceStable(mappings, func(i, j int) bool {
		return len(mappings[i].SourceRoot) > len(mappings[j].SourceRoot)
	})

	return &Table{mappings: mappings}, nil
}

// Mappings returns the table in match order
func (t *Table) Mappings() []Mapping {
	out := make([]Mapping, len(t.mappings))
	copy(out, t.mappings)
	return out
}

// Translate rewrites p into its catalog path. root is the catalog root of the
// mapping that matched. ok is false for paths outside every mapping.
func (t *Table) Translate(p string) (catalogPath, root string, ok bool) {
	if p == "" {
		return "", "", false
	}
	p = path.Clean(p)

	for _, m := range t.mappings {
		rest, hit := underRoot(p, m.SourceRoot)
		if !hit {
			continue
		}
		if rest == "" {
			return m.CatalogRoot, m.CatalogRoot, true
		}
		return path.Join(m.CatalogRoot, rest), m.CatalogRoot, true
	}
	return "", "", false
}

// underRoot reports whether p is root or lies below it, and returns the
// remainder of p relative to root.
func underRoot(p, root string) (string, bool) {
	if p == root {
		return "", true
	}
	if root == "/" {
		return strings.TrimPrefix(p, "/"), true
	}
	if strings.HasPrefix(p, root) && p[len(root)] == '/' {
		return p[len(root)+1:], true
	}
	return "", false
}
