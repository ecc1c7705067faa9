package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithFile(t *testing.T) {
	old := Log
	t.Cleanup(func() { Log = old })

	path := filepath.Join(t.TempDir(), "ppchat.log")
	require.NoError(t, Init(Config{Level: "warn", File: path}))

	Infof("dropped %d", 1)
	Warnf("kept %d", 2)
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kept 2")
	assert.NotContains(t, string(data), "dropped 1")
}

func TestInitBadLevel(t *testing.T) {
	old := Log
	t.Cleanup(func() { Log = old })
	assert.Error(t, Init(Config{Level: "loud"}))
}
