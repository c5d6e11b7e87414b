package modcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdateAndGet(t *testing.T) {
	c := New()
	c.Update(map[string]string{"secret.cache_ttl": "5m"})
	require.Equal(t, "5m", c.Get("secret.cache_ttl"))
	require.Equal(t, "", c.Get("missing"))
}

func TestGetDurationParsesOrFallsBack(t *testing.T) {
	c := New()
	c.Update(map[string]string{"secret.cache_ttl": "5m"})
	require.Equal(t, 5*time.Minute, c.GetDuration("secret.cache_ttl", time.Second))
	require.Equal(t, time.Second, c.GetDuration("missing", time.Second))

	c.Update(map[string]string{"bad": "not-a-duration"})
	require.Equal(t, time.Second, c.GetDuration("bad", time.Second))
}

func TestGetIntAndBool(t *testing.T) {
	c := New()
	c.Update(map[string]string{"n": "42", "flag": "true"})
	require.Equal(t, 42, c.GetInt("n", 0))
	require.Equal(t, 0, c.GetInt("missing", 0))
	require.True(t, c.GetBool("flag", false))
	require.False(t, c.GetBool("missing", false))
}

func TestGetAllReturnsCopy(t *testing.T) {
	c := New()
	c.Update(map[string]string{"a": "1"})
	all := c.GetAll()
	all["a"] = "mutated"
	require.Equal(t, "1", c.Get("a"))
}

func TestLoadFromEnvStripsPrefixAndLowercases(t *testing.T) {
	c := New()
	t.Setenv("MODULE_SECRET_CACHE_TTL", "10m")
	t.Setenv("UNRELATED_VAR", "ignored")
	c.LoadFromEnv("MODULE_")
	require.Equal(t, "10m", c.Get("secret.cache.ttl"))
	require.Equal(t, "", c.Get("unrelated.var"))
}

func TestLoadYAMLFileOverlaysValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("secret.cache_ttl: 15m\nrotation.check_interval: 1m\n"), 0o644))

	c := New()
	require.NoError(t, c.LoadYAMLFile(path))
	require.Equal(t, "15m", c.Get("secret.cache_ttl"))
	require.Equal(t, "1m", c.Get("rotation.check_interval"))
}

func TestLoadYAMLFileMissingIsNotAnError(t *testing.T) {
	c := New()
	require.NoError(t, c.LoadYAMLFile(filepath.Join(t.TempDir(), "nope.yaml")))
	require.Empty(t, c.GetAll())
}
