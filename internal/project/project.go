// Package project loads the YAML project files the reference server serves.
package project

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/livetree/livetree/internal/patch"
)

// DefaultClassName is used for nodes that do not name a class.
const DefaultClassName = "Folder"

var ErrInvalidProject = errors.New("invalid project")

type Project struct {
	Name string `yaml:"name"`
	Tree Node   `yaml:"tree"`
}

// Node describes one instance and, by name, its children.
type Node struct {
	ClassName              string          `yaml:"className"`
	Properties             map[string]any  `yaml:"properties"`
	Children               map[string]Node `yaml:"children"`
	IgnoreUnknownInstances bool            `yaml:"ignoreUnknownInstances"`
}

func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func Parse(data []byte) (*Project, error) {
	p := &Project{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProject, err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProject)
	}
	if p.Tree.ClassName == "" {
		p.Tree.ClassName = "DataModel"
	}
	if err := p.Tree.check(p.Name); err != nil {
		return nil, err
	}
	return p, nil
}

// check fills in default class names and makes sure every property value
// can be encoded.
func (n *Node) check(path string) error {
	if n.ClassName == "" {
		n.ClassName = DefaultClassName
	}
	for name, raw := range n.Properties {
		if _, err := patch.FromRaw(raw); err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidProject, path, name, err)
		}
	}
	for name, child := range n.Children {
		if err := child.check(path + "." + name); err != nil {
			return err
		}
		n.Children[name] = child
	}
	return nil
}

// ChildNames returns the names of n's children in sorted order.
func (n *Node) ChildNames() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Values encodes n's properties. Parse has already checked them.
func (n *Node) Values() map[string]patch.Value {
	values := make(map[string]patch.Value, len(n.Properties))
	for name, raw := range n.Properties {
		if v, err := patch.FromRaw(raw); err == nil {
			values[name] = v
		}
	}
	return values
}

// Metadata returns the sync options for n, or nil if it has none.
func (n *Node) Metadata() *patch.Metadata {
	if !n.IgnoreUnknownInstances {
		return nil
	}
	return &patch.Metadata{IgnoreUnknownInstances: true}
}
