package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	t.Setenv("MINION_CONFIG", "")
	t.Setenv("MINION_LOG", "")
	t.Setenv("HOME", t.TempDir()) // no ~/.config/minion/config.yaml here

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{"cgroupv2", "cgroupv1", "rlimit"}, cfg.DriverPreference)
	require.Equal(t, "info", cfg.LogLevel)
	require.NotEmpty(t, cfg.IsolationRoot)
	require.NotEmpty(t, cfg.QueueDir)
	require.NotEmpty(t, cfg.HistoryDBPath)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	t.Setenv("MINION_LOG", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"log_level: debug\nisolation_root: /srv/judge/root\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "/srv/judge/root", cfg.IsolationRoot)
	// Fields the file doesn't mention keep their defaults.
	require.Equal(t, []string{"cgroupv2", "cgroupv1", "rlimit"}, cfg.DriverPreference)
}

func TestLoadExplicitMissingPathIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadHonorsMinionConfigEnv(t *testing.T) {
	t.Setenv("MINION_LOG", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "via-env.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue_dir: /var/minion/drop\n"), 0644))
	t.Setenv("MINION_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/var/minion/drop", cfg.QueueDir)
}

func TestMinionLogEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: error\n"), 0644))
	t.Setenv("MINION_LOG", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
}
