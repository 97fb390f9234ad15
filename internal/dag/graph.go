// Package dag builds the immutable stage dependency graph of a pipeline,
// expanding matrix stages into parallel job variants.
package dag

import (
	"fmt"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// Node is one schedulable job: a stage paired with a matrix variant.
// Non-matrix stages have exactly one node with JobIndex 0.
type Node struct {
	StageIndex   int
	JobIndex     int
	Stage        core.StageDefinition
	DisplayName  string
	MatrixValues map[string]string
	MatrixKeys   []string
}

// Graph is the dependency graph of a pipeline. Edges connect logical stage
// names; variants of a stage share the name, so every variant of a successor
// waits for every variant of its predecessors. The graph is immutable after
// Build.
type Graph struct {
	stages   []string
	nodes    []*Node
	variants map[string][]*Node
	preds    map[string][]string
	succs    map[string][]string
	topo     []string
}

// Build constructs and validates the graph for a pipeline definition.
func Build(def *core.PipelineDefinition) (*Graph, error) {
	if len(def.Stages) == 0 {
		return nil, core.ErrEmptyPipeline
	}

	g := &Graph{
		variants: make(map[string][]*Node, len(def.Stages)),
		preds:    make(map[string][]string, len(def.Stages)),
		succs:    make(map[string][]string, len(def.Stages)),
	}

	index := make(map[string]int, len(def.Stages))
	for i, stage := range def.Stages {
		if _, dup := index[stage.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate stage %q", core.ErrInvalidDefinition, stage.Name)
		}
		index[stage.Name] = i
		g.stages = append(g.stages, stage.Name)
	}

	for i, stage := range def.Stages {
		nodes, err := expandStage(i, stage)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", stage.Name, err)
		}
		g.nodes = append(g.nodes, nodes...)
		g.variants[stage.Name] = nodes

		for _, dep := range stage.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, &core.UnknownDependencyError{Stage: stage.Name, Dependency: dep}
			}
			g.preds[stage.Name] = append(g.preds[stage.Name], dep)
			g.succs[dep] = append(g.succs[dep], stage.Name)
		}
	}

	topo, err := g.topologicalSort()
	if err != nil {
		return nil, err
	}
	g.topo = topo

	return g, nil
}

func expandStage(stageIndex int, stage core.StageDefinition) ([]*Node, error) {
	display := stage.DisplayName
	if display == "" {
		display = stage.Name
	}

	if stage.Matrix == nil {
		return []*Node{{
			StageIndex:  stageIndex,
			JobIndex:    0,
			Stage:       stage,
			DisplayName: display,
		}}, nil
	}

	combos, err := ExpandMatrix(stage.Matrix)
	if err != nil {
		return nil, err
	}
	nodes := make([]*Node, 0, len(combos))
	for i, combo := range combos {
		nodes = append(nodes, &Node{
			StageIndex:   stageIndex,
			JobIndex:     i,
			Stage:        stage,
			DisplayName:  combo.DisplayName(stage.Name),
			MatrixValues: combo.Values,
			MatrixKeys:   combo.Keys,
		})
	}
	return nodes, nil
}

// topologicalSort runs Kahn's algorithm over logical stage names. Ties break
// by definition order, so the result is deterministic. A leftover stage
// means a cycle.
func (g *Graph) topologicalSort() ([]string, error) {
	indegree := make(map[string]int, len(g.stages))
	for _, name := range g.stages {
		indegree[name] = len(g.preds[name])
	}

	order := make([]string, 0, len(g.stages))
	done := make(map[string]struct{}, len(g.stages))
	for len(order) < len(g.stages) {
		progressed := false
		for _, name := range g.stages {
			if _, ok := done[name]; ok {
				continue
			}
			if indegree[name] != 0 {
				continue
			}
			order = append(order, name)
			done[name] = struct{}{}
			for _, succ := range g.succs[name] {
				indegree[succ]--
			}
			progressed = true
		}
		if !progressed {
			return nil, core.ErrCycleDetected
		}
	}
	return order, nil
}

// Stages returns the logical stage names in definition order.
func (g *Graph) Stages() []string {
	return g.stages
}

// Nodes returns every job node in deterministic order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Variants returns the job nodes of one logical stage.
func (g *Graph) Variants(name string) []*Node {
	return g.variants[name]
}

// Roots returns the stages with no predecessors, in definition order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, name := range g.stages {
		if len(g.preds[name]) == 0 {
			roots = append(roots, name)
		}
	}
	return roots
}

// Predecessors returns the direct dependencies of a stage.
func (g *Graph) Predecessors(name string) []string {
	return g.preds[name]
}

// Successors returns the stages depending directly on the given stage.
func (g *Graph) Successors(name string) []string {
	return g.succs[name]
}

// TopologicalOrder returns a deterministic linear order of the stages.
func (g *Graph) TopologicalOrder() []string {
	return g.topo
}

// IsReady reports whether every predecessor of the stage is in the completed
// set.
func (g *Graph) IsReady(name string, completed map[string]struct{}) bool {
	for _, dep := range g.preds[name] {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}
