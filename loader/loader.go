package loader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/procflow/procflow/types"
)

// definitionDoc is the YAML shape of a process definition. It is kept
// separate from types.Definition so the file format can default and
// rename fields without leaking into the runtime model.
type definitionDoc struct {
	ID             uint64          `yaml:"id"`
	Name           string          `yaml:"name"`
	RecordType     string          `yaml:"record_type"`
	Active         *bool           `yaml:"active"`
	Sequence       int             `yaml:"sequence"`
	MaxNodeVisits  int             `yaml:"max_node_visits"`
	StartNode      uint64          `yaml:"start_node"`
	StartCondition string          `yaml:"start_condition"`
	Nodes          []nodeDoc       `yaml:"nodes"`
	Transitions    []transitionDoc `yaml:"transitions"`
}

type nodeDoc struct {
	ID   uint64 `yaml:"id"`
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

type transitionDoc struct {
	ID           uint64 `yaml:"id"`
	Name         string `yaml:"name"`
	From         uint64 `yaml:"from"`
	To           uint64 `yaml:"to"`
	Sequence     int    `yaml:"sequence"`
	Signal       string `yaml:"signal"`
	RequiredRole string `yaml:"required_role"`
	Condition    string `yaml:"condition"`
}

func (d definitionDoc) toDefinition() types.Definition {
	def := types.Definition{
		ID:             d.ID,
		Name:           d.Name,
		RecordType:     d.RecordType,
		Active:         true,
		Sequence:       d.Sequence,
		MaxNodeVisits:  d.MaxNodeVisits,
		StartNodeID:    d.StartNode,
		StartCondition: d.StartCondition,
	}
	if d.Active != nil {
		def.Active = *d.Active
	}
	if def.MaxNodeVisits == 0 {
		def.MaxNodeVisits = 1
	}
	for _, n := range d.Nodes {
		kind := n.Kind
		if kind == "" {
			kind = types.NodeTask
		}
		def.Nodes = append(def.Nodes, types.Node{ID: n.ID, Name: n.Name, Kind: kind})
	}
	for _, t := range d.Transitions {
		def.Transitions = append(def.Transitions, types.Transition{
			ID:           t.ID,
			Name:         t.Name,
			FromNodeID:   t.From,
			ToNodeID:     t.To,
			Sequence:     t.Sequence,
			Signal:       t.Signal,
			RequiredRole: t.RequiredRole,
			Condition:    t.Condition,
		})
	}
	return def
}

// ParseDefinition decodes and validates a single YAML definition payload.
func ParseDefinition(data []byte) (types.Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return types.Definition{}, fmt.Errorf("loader: definition payload is empty")
	}
	var doc definitionDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return types.Definition{}, fmt.Errorf("loader: decode definition: %w", err)
	}
	def := doc.toDefinition()
	if err := def.Validate(); err != nil {
		return types.Definition{}, fmt.Errorf("loader: %w", err)
	}
	return def, nil
}

// LoadFile reads a YAML file from disk and returns the parsed definition.
func LoadFile(path string) (types.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Definition{}, fmt.Errorf("loader: read %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return types.Definition{}, fmt.Errorf("loader: %s: %w", path, err)
	}
	return def, nil
}

// LoadDir scans a directory for *.yaml / *.yml definitions. A missing
// directory is treated as "no definitions" to simplify startup.
func LoadDir(dir string) ([]types.Definition, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(trimmed)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loader: read dir %s: %w", trimmed, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			paths = append(paths, filepath.Join(trimmed, name))
		}
	}
	sort.Strings(paths)

	var defs []types.Definition
	for _, path := range paths {
		def, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
