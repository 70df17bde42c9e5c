package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/foreman/pkg/types"
	"github.com/google/uuid"
)

// CollectArtifacts scans a task workspace after successful execution and
// returns one artifact per regular file, with relative path, size, content
// hash, and MIME type. The list is a snapshot of the workspace at completion
// time; files that disappear mid-scan are skipped.
func CollectArtifacts(workspaceDir string) ([]*types.Artifact, error) {
	var artifacts []*types.Artifact

	err := filepath.Walk(workspaceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return err
		}

		hash, err := hashFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		artifacts = append(artifacts, &types.Artifact{
			ID:        uuid.New().String(),
			Type:      "file",
			Name:      info.Name(),
			Path:      rel,
			Size:      info.Size(),
			Hash:      hash,
			MIME:      mimeType(path),
			CreatedAt: time.Now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return artifacts, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func mimeType(path string) string {
	mt := mime.TypeByExtension(filepath.Ext(path))
	if mt == "" {
		return "application/octet-stream"
	}
	return mt
}
