package executor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/types"
)

func TestExtractOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "between markers",
			raw:  "noise\n=== OUTPUT START ===\nhello\nworld\n=== OUTPUT END ===\ntrailing",
			want: "hello\nworld",
		},
		{
			name: "no markers",
			raw:  "  plain output \n",
			want: "plain output",
		},
		{
			name: "start marker only",
			raw:  "=== OUTPUT START ===\nunterminated",
			want: "unterminated",
		},
		{
			name: "empty body",
			raw:  "=== OUTPUT START ===\n=== OUTPUT END ===",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractOutput(tt.raw))
		})
	}
}

func TestFailedResult(t *testing.T) {
	started := time.Now().Add(-time.Second)
	res := failedResult("t1", types.ErrTimedOut, "task execution timed out", started)

	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, types.TaskStatusFailed, res.Status)
	assert.Equal(t, types.ErrTimedOut, res.ErrorKind)
	require.NotNil(t, res.Metrics)
	assert.True(t, res.Metrics.Duration >= time.Second)
}

func TestCollectArtifacts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "util.go"), []byte("package src\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("todo\n"), 0o644))

	artifacts, err := CollectArtifacts(dir)
	require.NoError(t, err)
	require.Len(t, artifacts, 3)

	byPath := map[string]*types.Artifact{}
	for _, a := range artifacts {
		byPath[a.Path] = a
	}
	require.Contains(t, byPath, "main.go")
	require.Contains(t, byPath, filepath.Join("src", "util.go"))
	require.Contains(t, byPath, "notes.txt")

	main := byPath["main.go"]
	assert.Equal(t, "file", main.Type)
	assert.Equal(t, "main.go", main.Name)
	assert.Equal(t, int64(13), main.Size)
	assert.Len(t, main.Hash, 64) // sha256 hex
	assert.NotEmpty(t, main.ID)
	assert.NotEmpty(t, byPath["notes.txt"].MIME)
}

func TestCollectArtifactsEmptyWorkspace(t *testing.T) {
	artifacts, err := CollectArtifacts(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestCollectArtifactsIdenticalContentSameHash(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("same"), 0o644))

	artifacts, err := CollectArtifacts(dir)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, artifacts[0].Hash, artifacts[1].Hash)
	assert.NotEqual(t, artifacts[0].ID, artifacts[1].ID)
}
