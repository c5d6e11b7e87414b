// Package modcfg implements the module's ambient configuration store:
// a mutex-guarded string map seeded from the orchestrator's init
// record env overrides, the process environment, and an optional YAML
// overlay file, in that increasing order of precedence.
//
// Grounded on the teacher's pkg/config.Config (mutex-guarded map with
// Get/GetAll/Update), generalized from a restart-key service config to
// the module SDK's bootstrap tuning knobs, with the YAML file overlay
// following supervisor's superconfig.Load (os.ReadFile + yaml.Unmarshal).
package modcfg

import (
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// Config is a mutex-guarded string map of configuration values.
type Config struct {
	mu     sync.RWMutex
	values map[string]string
}

// New constructs an empty Config.
func New() *Config {
	return &Config{values: make(map[string]string)}
}

// Get retrieves a configuration value, returning "" if absent.
func (c *Config) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

// GetOrDefault retrieves a configuration value, returning def if
// absent or empty.
func (c *Config) GetOrDefault(key, def string) string {
	v := c.Get(key)
	if v == "" {
		return def
	}
	return v
}

// GetDuration parses key as a Go duration, returning def on absence or
// parse failure.
func (c *Config) GetDuration(key string, def time.Duration) time.Duration {
	v := c.Get(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// GetInt parses key as an integer, returning def on absence or parse
// failure.
func (c *Config) GetInt(key string, def int) int {
	v := c.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetBool parses key as a boolean, returning def on absence or parse
// failure.
func (c *Config) GetBool(key string, def bool) bool {
	v := c.Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetAll returns a copy of every configuration value.
func (c *Config) GetAll() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	copied := make(map[string]string, len(c.values))
	for k, v := range c.values {
		copied[k] = v
	}
	return copied
}

// Update merges values into the store, overwriting existing keys.
func (c *Config) Update(values map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.values[k] = v
	}
}

// LoadFromEnv merges keys from prefix-matching OS environment
// variables into the store, generalized from "MODULE_FOO=bar" to
// "foo"=bar (prefix stripped, lowercased).
func (c *Config) LoadFromEnv(prefix string) {
	values := make(map[string]string)
	for _, kv := range os.Environ() {
		key, val, ok := splitEnv(kv)
		if !ok || len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		values[toConfigKey(key[len(prefix):])] = val
	}
	c.Update(values)
}

// LoadYAMLFile overlays key/value pairs parsed from a flat YAML
// mapping at path. A missing file is not an error — overlay files are
// optional.
func (c *Config) LoadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return moderr.Wrap(moderr.KindConfig, "failed to read config overlay", err)
	}

	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return moderr.Wrap(moderr.KindConfig, "failed to parse config overlay", err)
	}
	c.Update(values)
	return nil
}

func splitEnv(kv string) (key, val string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

func toConfigKey(envKey string) string {
	out := make([]byte, len(envKey))
	for i := 0; i < len(envKey); i++ {
		b := envKey[i]
		if b == '_' {
			out[i] = '.'
		} else if b >= 'A' && b <= 'Z' {
			out[i] = b - 'A' + 'a'
		} else {
			out[i] = b
		}
	}
	return string(out)
}
