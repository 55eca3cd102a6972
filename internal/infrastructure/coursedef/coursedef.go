// Package coursedef reads authored course graphs from YAML files.
//
// A file describes one course:
//
//	course: go-basics
//	nodes:
//	  - id: intro
//	    type: video
//	    duration_seconds: 300
//	    completion_threshold: 90
//	  - id: check
//	    type: quiz
//	    question_count: 5
//	    completion_threshold: 60
//	dependencies:
//	  - from: intro
//	    to: check
//	    condition: watch_percent_at_least
//	    threshold: 80
//
// Enum values are case-insensitive. Nodes are active unless "active: false";
// a missing combinator means ALL.
package coursedef

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// File is the on-disk shape of a course.
type File struct {
	Course       string          `yaml:"course"`
	Nodes        []NodeDef       `yaml:"nodes"`
	Dependencies []DependencyDef `yaml:"dependencies,omitempty"`
}

// NodeDef is one node entry.
type NodeDef struct {
	ID                  string  `yaml:"id"`
	Type                string  `yaml:"type"`
	CompletionThreshold float64 `yaml:"completion_threshold"`
	DurationSeconds     float64 `yaml:"duration_seconds,omitempty"`
	QuestionCount       int     `yaml:"question_count,omitempty"`
	Order               *int    `yaml:"order,omitempty"`
	Active              *bool   `yaml:"active,omitempty"`
}

// DependencyDef is one edge entry.
type DependencyDef struct {
	From       string  `yaml:"from"`
	To         string  `yaml:"to"`
	Condition  string  `yaml:"condition"`
	Threshold  float64 `yaml:"threshold,omitempty"`
	Combinator string  `yaml:"combinator,omitempty"`
}

// Load reads and builds the course in path.
func Load(path string) (*progression.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read course file: %w", err)
	}
	g, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, sorted by name.
func LoadDir(dir string) ([]*progression.Graph, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	graphs := make([]*progression.Graph, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		g, err := Load(p)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[g.CourseID()]; dup {
			return nil, shared.Errorf("graph", "LoadDir", shared.ErrInvalidInput,
				"course %s defined in both %s and %s", g.CourseID(), prev, p)
		}
		seen[g.CourseID()] = p
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// Parse decodes one course definition. Unknown fields are rejected.
func Parse(r io.Reader) (*progression.Graph, error) {
	var f File
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, shared.NewDomainError("graph", "ParseCourse", shared.ErrInvalidInput, "course file is empty")
		}
		return nil, shared.WrapError("graph", "ParseCourse", shared.ErrInvalidInput, "malformed course file", err)
	}
	return f.Build()
}

// Build converts the file into a validated graph. A graph with a
// dependency cycle is rejected here so it never reaches a store.
func (f File) Build() (*progression.Graph, error) {
	const op = "BuildCourse"
	courseID := strings.TrimSpace(f.Course)
	if courseID == "" {
		return nil, shared.NewDomainError("graph", op, shared.ErrInvalidInput, "course id is required")
	}
	if len(f.Nodes) == 0 {
		return nil, shared.Errorf("graph", op, shared.ErrInvalidInput, "course %s has no nodes", courseID)
	}

	nodes := make([]progression.LearningNode, 0, len(f.Nodes))
	for i, n := range f.Nodes {
		t, err := progression.ParseNodeType(n.Type)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		order := i + 1
		if n.Order != nil {
			order = *n.Order
		}
		active := true
		if n.Active != nil {
			active = *n.Active
		}
		nodes = append(nodes, progression.LearningNode{
			ID:                  strings.TrimSpace(n.ID),
			CourseID:            courseID,
			Type:                t,
			CompletionThreshold: n.CompletionThreshold,
			DurationSeconds:     n.DurationSeconds,
			QuestionCount:       n.QuestionCount,
			Order:               order,
			Active:              active,
		})
	}

	edges := make([]progression.NodeDependency, 0, len(f.Dependencies))
	for _, d := range f.Dependencies {
		kind, err := progression.ParseConditionKind(d.Condition)
		if err != nil {
			return nil, fmt.Errorf("dependency %s -> %s: %w", d.From, d.To, err)
		}
		comb, err := progression.ParseCombinator(d.Combinator)
		if err != nil {
			return nil, fmt.Errorf("dependency %s -> %s: %w", d.From, d.To, err)
		}
		edges = append(edges, progression.NodeDependency{
			From:       strings.TrimSpace(d.From),
			To:         strings.TrimSpace(d.To),
			Condition:  progression.Condition{Kind: kind, Threshold: d.Threshold},
			Combinator: comb,
		})
	}

	g, err := progression.NewGraph(courseID, nodes, edges)
	if err != nil {
		return nil, err
	}
	if cycle := g.DetectCycle(); len(cycle) > 0 {
		return nil, &progression.CycleError{Path: cycle}
	}
	return g, nil
}
