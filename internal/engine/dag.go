package engine

import (
	"github.com/recoilhq/recoil/pkg/schema"
)

// DAG is the in-memory directed acyclic graph representation of a workflow.
// Built from a WorkflowSpec, used by the Orchestrator to determine execution
// order.
type DAG struct {
	Steps   map[string]*schema.StepDef // step name → definition
	Edges   map[string][]string        // step name → dependencies (depends_on)
	Reverse map[string][]string        // step name → dependents (who depends on me)
	Sorted  []string                   // topological order
	Roots   []string                   // steps with no dependencies
	Levels  [][]string                 // parallel execution levels
}

// ParseDAG parses a WorkflowSpec into an executable DAG. It builds adjacency
// lists, performs topological sorting using Kahn's algorithm, detects cycles,
// and computes parallel execution levels.
func ParseDAG(spec *schema.WorkflowSpec) (*DAG, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow spec is nil")
	}

	if len(spec.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	dag := &DAG{
		Steps:   make(map[string]*schema.StepDef, len(spec.Steps)),
		Edges:   make(map[string][]string, len(spec.Steps)),
		Reverse: make(map[string][]string, len(spec.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range spec.Steps {
		step := &spec.Steps[i]

		if step.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty name", i)
		}
		if _, exists := dag.Steps[step.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step name: %s", step.Name)
		}

		// Default step kind to capability when empty.
		if step.Kind == "" {
			step.Kind = schema.StepKindCapability
		}
		switch step.Kind {
		case schema.StepKindCapability:
			if step.Capability == "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has no capability", step.Name)
			}
		case schema.StepKindHumanApproval:
			// No capability required.
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown step type: %s", step.Name, step.Kind)
		}

		dag.Steps[step.Name] = step
	}

	// Second pass: build adjacency lists and validate dependencies.
	for name, step := range dag.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", name, dep)
			}
			if dep == name {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", name)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", name, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], name)
		}
		dag.Edges[name] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Steps))
	for name := range dag.Steps {
		inDegree[name] = len(dag.Edges[name])
	}

	// Queue steps with in-degree 0 (roots).
	queue := make([]string, 0)
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	// Sort roots for deterministic ordering.
	sortStrings(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		// For each dependent of this node, decrement its in-degree.
		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		sortStrings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)

	return dag, nil
}

// computeLevels groups steps into parallel execution levels.
// Steps at the same level have all dependencies satisfied by previous levels.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Steps))

	// Compute depth for each step based on max dependency depth + 1.
	for _, name := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[name] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[name] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, name := range dag.Sorted {
		d := depth[name]
		levels[d] = append(levels[d], name)
	}

	return levels
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to avoid importing sort package.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
