package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(core.NewError(core.CategoryValidation, "bad input")))
	assert.Equal(t, 1, ExitCode(core.NewError(core.CategoryInternal, "boom")))
	assert.Equal(t, 1, ExitCode(os.ErrClosed))
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Backend)
	assert.Equal(t, core.TierDev, cfg.Tier)
}

func TestLoadConfigProfile(t *testing.T) {
	dir := t.TempDir()
	profileToml := []byte("[api]\nport = 9100\n\n[worker]\nbackend = \"local\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ci.toml"), profileToml, 0o644))
	t.Setenv("SPINE_PROFILES_DIR", dir)

	cfg, err := LoadConfig("ci")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.API.Port)
	assert.Equal(t, "local", cfg.Worker.Backend)
}

func TestLoadConfigMissingProfile(t *testing.T) {
	t.Setenv("SPINE_PROFILES_DIR", t.TempDir())
	_, err := LoadConfig("nope")
	require.Error(t, err)
	assert.Equal(t, core.CategoryNotFound, core.CategoryOf(err))
}

func TestBuildLoggerFormats(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Logging.Format = "text"
	assert.NotNil(t, BuildLogger(cfg))
	cfg.Logging.Format = "json"
	assert.NotNil(t, BuildLogger(cfg))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "postgres://***@db:5432/spine", redactURL("postgres://user:pw@db:5432/spine"))
	assert.Equal(t, "sqlite://spine.db", redactURL("sqlite://spine.db"))
}
