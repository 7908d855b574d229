package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// Path returns the absolute path of a fixture stored next to this file.
func Path(filename string) string {
	_, currentFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(currentFile), filename)
}

// LoadJSON reads and unmarshals a fixture. If target is provided, it attempts to unmarshal the JSON into the target struct.
func LoadJSON(filename string, target ...any) (map[string]any, error) {
	var result map[string]any

	data, err := os.ReadFile(Path(filename))
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(data, &result)
	if err != nil {
		return nil, err
	}

	if len(target) > 0 && target[0] != nil {
		err = json.Unmarshal(data, target[0])
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

// WriteFile writes content into a fresh temp dir and returns the file path.
func WriteFile(t testing.TB, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
