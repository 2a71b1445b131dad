package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/config"
)

func TestNewDefaultsToLocal(t *testing.T) {
	dir := t.TempDir()
	u, err := New(context.Background(), config.Config{ArchiveDir: dir})
	require.NoError(t, err)
	require.IsType(t, &LocalUploader{}, u)
}

func TestLocalUploadJSON(t *testing.T) {
	dir := t.TempDir()
	u := NewLocal(dir)

	path, err := UploadJSON(context.Background(), u, "migrations/m-1.json", map[string]int{"processed": 3})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "migrations", "m-1.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, 3, got["processed"])
}

func TestLocalUploadStaysInBaseDir(t *testing.T) {
	dir := t.TempDir()
	u := NewLocal(dir)

	path, err := u.Upload(context.Background(), "../../escape.txt", []byte("x"), "text/plain")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "escape.txt"), path)

	_, err = u.Upload(context.Background(), "/", []byte("x"), "text/plain")
	require.Error(t, err)
}
