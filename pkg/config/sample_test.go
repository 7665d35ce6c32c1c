package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfigToPathAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, InitConfigToPath(path, false))

	// Refuses to clobber without force.
	require.Error(t, InitConfigToPath(path, false))
	require.NoError(t, InitConfigToPath(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/afd", cfg.WorkDir)
	require.Len(t, cfg.Hosts, 1)
	assert.Equal(t, "example", cfg.Hosts[0].Alias)
	require.Len(t, cfg.Directories, 1)
	require.Len(t, cfg.Directories[0].Jobs, 1)
}
