package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// decompositionMarkers are the title fragments that mark a task as
// decomposable.
var decompositionMarkers = []string{"refactor", "analyze", "implement", "create multiple", "batch"}

// PendingMerge collects child results for a decomposed parent until every
// child is terminal, then synthesizes the parent result.
type PendingMerge struct {
	ParentID string
	ChildIDs []string // scheduling order; merge output preserves it
	Strategy types.MergeStrategy

	results map[string]*types.TaskResult
}

// Decomposable reports whether the task title matches the decomposition
// heuristic and decomposition is enabled.
func (s *Scheduler) Decomposable(task *types.Task) bool {
	if !s.cfg.EnableDecomposition {
		return false
	}
	title := strings.ToLower(task.Title)
	for _, marker := range decompositionMarkers {
		if strings.Contains(title, marker) {
			return true
		}
	}
	return false
}

// Decompose splits a parent task into a dependency chain of child tasks and
// registers a pending merge for it. Refactoring work gets an extra analyze
// step ahead of plan and execute. The parent itself is never dispatched.
func (s *Scheduler) Decompose(parent *types.Task) []*types.Task {
	steps := []string{"plan", "execute"}
	if strings.Contains(strings.ToLower(parent.Title), "refactor") {
		steps = []string{"analyze", "plan", "execute"}
	}

	base := slug(parent.Title)
	now := time.Now()

	children := make([]*types.Task, 0, len(steps))
	childIDs := make([]string, 0, len(steps))
	prevID := ""
	for _, step := range steps {
		id := base + "-" + step

		deps := append([]string(nil), parent.Dependencies...)
		if prevID != "" {
			deps = []string{prevID}
		}

		child := &types.Task{
			ID:           id,
			Title:        fmt.Sprintf("%s (%s)", parent.Title, step),
			Description:  parent.Description,
			Category:     parent.Category,
			Priority:     parent.Priority,
			Status:       types.TaskStatusPending,
			Dependencies: deps,
			Context:      parent.Context,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		children = append(children, child)
		childIDs = append(childIDs, id)
		prevID = id
	}

	s.mu.Lock()
	s.merges[parent.ID] = &PendingMerge{
		ParentID: parent.ID,
		ChildIDs: childIDs,
		Strategy: types.MergeConcat,
		results:  make(map[string]*types.TaskResult),
	}
	s.mu.Unlock()

	s.logger.Info().Str("task_id", parent.ID).Strs("children", childIDs).Msg("task decomposed")
	return children
}

// ParentOf returns the decomposed parent id for a child task, or "".
func (s *Scheduler) ParentOf(childID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for parentID, pm := range s.merges {
		for _, id := range pm.ChildIDs {
			if id == childID {
				return parentID
			}
		}
	}
	return ""
}

// RecordChildResult stores one child's terminal result. When the last child
// reports, the merged parent result is returned; otherwise nil.
func (s *Scheduler) RecordChildResult(parentID string, result *types.TaskResult) *types.TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm, ok := s.merges[parentID]
	if !ok {
		return nil
	}
	pm.results[result.TaskID] = result

	if len(pm.results) < len(pm.ChildIDs) {
		return nil
	}
	delete(s.merges, parentID)
	return pm.merge(s.cfg.EnableMerging)
}

// merge synthesizes the parent result from child results in scheduling
// order. Any failed child fails the parent. Reduce and custom strategies
// fall back to concat.
func (pm *PendingMerge) merge(enableMerging bool) *types.TaskResult {
	var outputs []string
	var artifacts []*types.Artifact
	var firstStart, lastEnd time.Time

	for _, id := range pm.ChildIDs {
		res := pm.results[id]
		if res == nil {
			continue
		}
		if res.Status != types.TaskStatusCompleted {
			return &types.TaskResult{
				TaskID:    pm.ParentID,
				Status:    types.TaskStatusFailed,
				Error:     fmt.Sprintf("subtask %s %s: %s", id, res.Status, res.Error),
				ErrorKind: res.ErrorKind,
			}
		}
		outputs = append(outputs, res.Output)
		artifacts = append(artifacts, res.Artifacts...)
		if res.Metrics != nil {
			if firstStart.IsZero() || res.Metrics.StartedAt.Before(firstStart) {
				firstStart = res.Metrics.StartedAt
			}
			if res.Metrics.CompletedAt.After(lastEnd) {
				lastEnd = res.Metrics.CompletedAt
			}
		}
	}

	sep := "\n\n"
	strategy := pm.Strategy
	if !enableMerging {
		strategy = types.MergeConcat
	}
	if strategy == types.MergeMerge {
		sep = "\n"
	}

	result := &types.TaskResult{
		TaskID:    pm.ParentID,
		Status:    types.TaskStatusCompleted,
		Output:    strings.Join(outputs, sep),
		Artifacts: artifacts,
		Metadata: map[string]string{
			"merged":   "true",
			"subtasks": strings.Join(pm.ChildIDs, ","),
		},
	}
	if !firstStart.IsZero() {
		result.Metrics = &types.TaskMetrics{
			StartedAt:   firstStart,
			CompletedAt: lastEnd,
			Duration:    lastEnd.Sub(firstStart),
		}
	}
	return result
}

// slug normalizes a title into an id fragment: lowercase, runs of
// non-alphanumerics collapsed to single dashes.
func slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
