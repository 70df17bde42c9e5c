package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{
			name: "valid task",
			task: Task{ID: "t1", Title: "Build feature", Category: CategoryCoding, Priority: PriorityNormal},
		},
		{
			name:    "missing id",
			task:    Task{Title: "Build feature", Category: CategoryCoding, Priority: PriorityNormal},
			wantErr: true,
		},
		{
			name:    "missing title",
			task:    Task{ID: "t1", Category: CategoryCoding, Priority: PriorityNormal},
			wantErr: true,
		},
		{
			name:    "unknown category",
			task:    Task{ID: "t1", Title: "x", Category: "gardening", Priority: PriorityNormal},
			wantErr: true,
		},
		{
			name:    "unknown priority",
			task:    Task{ID: "t1", Title: "x", Category: CategoryCoding, Priority: "urgent"},
			wantErr: true,
		},
		{
			name:    "self dependency",
			task:    Task{ID: "t1", Title: "x", Category: CategoryCoding, Priority: PriorityNormal, Dependencies: []string{"t1"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, ErrValidation, KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusRunning.Terminal())
	assert.False(t, TaskStatusUnknown.Terminal())
}

func TestDefaultPriorityWeights(t *testing.T) {
	weights := DefaultPriorityWeights()
	assert.Equal(t, 100, weights[PriorityCritical])
	assert.Equal(t, 75, weights[PriorityHigh])
	assert.Equal(t, 50, weights[PriorityNormal])
	assert.Equal(t, 25, weights[PriorityLow])
	assert.Equal(t, 10, weights[PriorityBackground])
}

func TestErrorKindHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, ErrValidation.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, ErrModeUnsupported.HTTPStatus())
	assert.Equal(t, http.StatusConflict, ErrDuplicateTask.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, ErrNotFound.HTTPStatus())
	assert.Equal(t, http.StatusGone, ErrSessionExpired.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, ErrInternal.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, ErrWorkerLost.HTTPStatus())
}

func TestKindOf(t *testing.T) {
	err := NewError(ErrTimedOut, "deadline passed")
	assert.Equal(t, ErrTimedOut, KindOf(err))
	assert.Equal(t, ErrTimedOut, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, ErrInternal, KindOf(errors.New("plain")))
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	session := Session{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, session.Expired(now))
	assert.True(t, session.Expired(now.Add(2*time.Minute)))
}

func TestWorkerCapabilities(t *testing.T) {
	caps := &WorkerCapabilities{
		SupportedCategories: []TaskCategory{CategoryCoding, CategoryTesting},
		ExecutionModes:      []ExecutionMode{ModeProcessPool},
	}
	require.True(t, caps.SupportsCategory(CategoryCoding))
	require.False(t, caps.SupportsCategory(CategoryAnalysis))
	require.True(t, caps.SupportsMode(ModeProcessPool))
	require.False(t, caps.SupportsMode(ModeContainerAgentic))
}
