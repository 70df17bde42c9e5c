package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/types"
)

func TestDecomposable(t *testing.T) {
	s := New(Config{EnableDecomposition: true})

	assert.True(t, s.Decomposable(&types.Task{Title: "Refactor auth"}))
	assert.True(t, s.Decomposable(&types.Task{Title: "Analyze query performance"}))
	assert.True(t, s.Decomposable(&types.Task{Title: "Implement rate limiting"}))
	assert.True(t, s.Decomposable(&types.Task{Title: "Create multiple endpoints"}))
	assert.True(t, s.Decomposable(&types.Task{Title: "Batch import fixtures"}))
	assert.False(t, s.Decomposable(&types.Task{Title: "Fix typo in README"}))

	disabled := New(Config{})
	assert.False(t, disabled.Decomposable(&types.Task{Title: "Refactor auth"}))
}

func TestDecomposeRefactorChain(t *testing.T) {
	s := New(Config{EnableDecomposition: true})
	parent := &types.Task{
		ID:           "parent-1",
		Title:        "Refactor auth",
		Description:  "split the auth module",
		Category:     types.CategoryRefactoring,
		Priority:     types.PriorityHigh,
		Dependencies: []string{"setup"},
	}

	children := s.Decompose(parent)
	require.Len(t, children, 3)

	assert.Equal(t, "refactor-auth-analyze", children[0].ID)
	assert.Equal(t, "refactor-auth-plan", children[1].ID)
	assert.Equal(t, "refactor-auth-execute", children[2].ID)

	// First child inherits the parent's dependencies; the rest chain.
	assert.Equal(t, []string{"setup"}, children[0].Dependencies)
	assert.Equal(t, []string{"refactor-auth-analyze"}, children[1].Dependencies)
	assert.Equal(t, []string{"refactor-auth-plan"}, children[2].Dependencies)

	assert.Equal(t, "Refactor auth (analyze)", children[0].Title)
	for _, c := range children {
		assert.Equal(t, parent.Category, c.Category)
		assert.Equal(t, parent.Priority, c.Priority)
		assert.Equal(t, parent.Description, c.Description)
	}

	assert.Equal(t, "parent-1", s.ParentOf("refactor-auth-execute"))
	assert.Equal(t, "", s.ParentOf("unrelated"))
}

func TestDecomposeDefaultChain(t *testing.T) {
	s := New(Config{EnableDecomposition: true})
	children := s.Decompose(&types.Task{ID: "p", Title: "Implement rate limiting", Category: types.CategoryCoding, Priority: types.PriorityNormal})

	require.Len(t, children, 2)
	assert.Equal(t, "implement-rate-limiting-plan", children[0].ID)
	assert.Equal(t, "implement-rate-limiting-execute", children[1].ID)
}

func TestRecordChildResultMerges(t *testing.T) {
	s := New(Config{EnableDecomposition: true, EnableMerging: true})
	parent := &types.Task{ID: "p", Title: "Implement rate limiting", Category: types.CategoryCoding, Priority: types.PriorityNormal}
	children := s.Decompose(parent)

	start := time.Now().Add(-time.Minute)
	merged := s.RecordChildResult("p", &types.TaskResult{
		TaskID:  children[0].ID,
		Status:  types.TaskStatusCompleted,
		Output:  "the plan",
		Metrics: &types.TaskMetrics{StartedAt: start, CompletedAt: start.Add(10 * time.Second)},
	})
	assert.Nil(t, merged, "merge waits for all children")

	merged = s.RecordChildResult("p", &types.TaskResult{
		TaskID:    children[1].ID,
		Status:    types.TaskStatusCompleted,
		Output:    "the change",
		Artifacts: []*types.Artifact{{ID: "a1", Name: "main.go"}},
		Metrics:   &types.TaskMetrics{StartedAt: start.Add(15 * time.Second), CompletedAt: start.Add(30 * time.Second)},
	})
	require.NotNil(t, merged)
	assert.Equal(t, "p", merged.TaskID)
	assert.Equal(t, types.TaskStatusCompleted, merged.Status)
	assert.Equal(t, "the plan\n\nthe change", merged.Output, "outputs joined in scheduling order")
	require.Len(t, merged.Artifacts, 1)
	assert.Equal(t, "true", merged.Metadata["merged"])
	assert.Equal(t, children[0].ID+","+children[1].ID, merged.Metadata["subtasks"])
	require.NotNil(t, merged.Metrics)
	assert.Equal(t, 30*time.Second, merged.Metrics.Duration, "metrics span first start to last end")

	// The pending merge is consumed.
	assert.Nil(t, s.RecordChildResult("p", &types.TaskResult{TaskID: children[0].ID, Status: types.TaskStatusCompleted}))
}

func TestRecordChildResultFailureFailsParent(t *testing.T) {
	s := New(Config{EnableDecomposition: true, EnableMerging: true})
	children := s.Decompose(&types.Task{ID: "p", Title: "Implement rate limiting", Category: types.CategoryCoding, Priority: types.PriorityNormal})

	s.RecordChildResult("p", &types.TaskResult{TaskID: children[0].ID, Status: types.TaskStatusCompleted, Output: "ok"})
	merged := s.RecordChildResult("p", &types.TaskResult{
		TaskID:    children[1].ID,
		Status:    types.TaskStatusFailed,
		Error:     "agent crashed",
		ErrorKind: types.ErrInternal,
	})

	require.NotNil(t, merged)
	assert.Equal(t, types.TaskStatusFailed, merged.Status)
	assert.Equal(t, types.ErrInternal, merged.ErrorKind)
	assert.Contains(t, merged.Error, children[1].ID)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "refactor-auth", slug("Refactor auth"))
	assert.Equal(t, "fix-bug-42", slug("Fix bug #42!"))
	assert.Equal(t, "a-b", slug("  a   b  "))
	assert.Equal(t, "", slug("!!!"))
}
