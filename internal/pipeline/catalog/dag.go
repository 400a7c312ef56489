package catalog

import (
	"fmt"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// ValidateDAG checks the refId dependency graph among top-level stages for
// cycles and dangling references, adapted from the teacher DAG engine's
// Kahn-style validation. Submission-time validation is out of scope for
// this engine, but the scheduler still runs this check so a cycle that
// slips through is caught deterministically rather than causing an
// infinite StartStage/CompleteStage loop.
func ValidateDAG(stages []*model.StageExecution) error {
	byRef := make(map[string]*model.StageExecution, len(stages))
	for _, s := range stages {
		byRef[s.RefID] = s
	}
	indegree := make(map[string]int, len(stages))
	adj := make(map[string][]string, len(stages))
	for _, s := range stages {
		if _, ok := indegree[s.RefID]; !ok {
			indegree[s.RefID] = 0
		}
		for _, dep := range s.RequisiteStageRefIds {
			if _, ok := byRef[dep]; !ok {
				return fmt.Errorf("stage %q references unknown requisite %q", s.RefID, dep)
			}
			adj[dep] = append(adj[dep], s.RefID)
			indegree[s.RefID]++
		}
	}

	queue := make([]string, 0, len(stages))
	for ref, deg := range indegree {
		if deg == 0 {
			queue = append(queue, ref)
		}
	}
	visited := 0
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[ref] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(stages) {
		return fmt.Errorf("cycle detected in stage dependency graph")
	}
	return nil
}

// Roots returns the stages with no requisites: the set StartExecution
// enqueues StartStage for directly.
func Roots(stages []*model.StageExecution) []*model.StageExecution {
	var roots []*model.StageExecution
	for _, s := range stages {
		if len(s.RequisiteStageRefIds) == 0 {
			roots = append(roots, s)
		}
	}
	return roots
}

// Downstream returns the stages that list refID as a requisite.
func Downstream(stages []*model.StageExecution, refID string) []*model.StageExecution {
	var out []*model.StageExecution
	for _, s := range stages {
		for _, dep := range s.RequisiteStageRefIds {
			if dep == refID {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// UpstreamComplete reports whether every requisite of s has reached a
// stage-complete status (SUCCEEDED, FAILED_CONTINUE, or SKIPPED).
func UpstreamComplete(stages []*model.StageExecution, s *model.StageExecution) bool {
	byRef := make(map[string]*model.StageExecution, len(stages))
	for _, st := range stages {
		byRef[st.RefID] = st
	}
	for _, dep := range s.RequisiteStageRefIds {
		upstream, ok := byRef[dep]
		if !ok || !upstream.Status.IsStageComplete() {
			return false
		}
	}
	return true
}
