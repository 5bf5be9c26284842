package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voidd.log")

	logger, closer, err := Setup("debug", path)
	require.NoError(t, err)
	defer func() { require.NoError(t, closer()) }()

	logger.Info("hello", "k", "v")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, -4, int(parseLevel("debug")))
	require.Equal(t, 0, int(parseLevel("")))
	require.Equal(t, 8, int(parseLevel("error")))
}
