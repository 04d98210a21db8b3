// Package profile loads named TOML configuration profiles from
// .spine/profiles. A profile may inherit from another; chains resolve
// parent-first so child keys win. Profiles sit between built-in
// defaults and the environment: apply the profile to a default config,
// then LoadFromEnv so SPINE_* variables override profile values.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// inheritsKey names the parent profile inside a profile file.
const inheritsKey = "inherits"

// Profile is a resolved profile: the full inheritance chain flattened
// into one key set.
type Profile struct {
	// Name is the profile that was requested.
	Name string

	// Chain lists the resolution order, base first.
	Chain []string

	v *viper.Viper
}

// List returns the profile names available in dir, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.Wrap(core.CategoryInternal, "failed to read profiles directory", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
	}
	sort.Strings(names)
	return names, nil
}

// Load resolves the named profile from dir, following inherits links.
// A missing profile is NOT_FOUND; a cycle in the chain is VALIDATION.
func Load(dir, name string) (*Profile, error) {
	chain, err := resolveChain(dir, name)
	if err != nil {
		return nil, err
	}

	// Base first: later files override earlier keys.
	merged := viper.New()
	merged.SetConfigType("toml")
	for _, link := range chain {
		v, err := readFile(dir, link)
		if err != nil {
			return nil, err
		}
		if err := merged.MergeConfigMap(v.AllSettings()); err != nil {
			return nil, core.Wrap(core.CategoryInternal, fmt.Sprintf("failed to merge profile %q", link), err)
		}
	}

	return &Profile{Name: name, Chain: chain, v: merged}, nil
}

// resolveChain walks inherits links and returns the chain base-first.
func resolveChain(dir, name string) ([]string, error) {
	var chain []string
	seen := map[string]bool{}
	for current := name; current != ""; {
		if seen[current] {
			return nil, core.Errorf(core.CategoryValidation,
				"profile inheritance cycle at %q (chain %s)", current, strings.Join(chain, " -> "))
		}
		seen[current] = true
		chain = append(chain, current)

		v, err := readFile(dir, current)
		if err != nil {
			return nil, err
		}
		current = v.GetString(inheritsKey)
	}
	// Reverse so the base profile applies first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func readFile(dir, name string) (*viper.Viper, error) {
	path := filepath.Join(dir, name+".toml")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, core.Errorf(core.CategoryNotFound, "profile %q not found in %s", name, dir)
		}
		return nil, core.Wrap(core.CategoryInternal, "failed to stat profile", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, core.Wrap(core.CategoryValidation, fmt.Sprintf("profile %q is not valid TOML", name), err)
	}
	return v, nil
}

// Settings returns the flattened key set for display (spine profile show).
func (p *Profile) Settings() map[string]interface{} {
	return p.v.AllSettings()
}

// Apply copies the profile's values onto cfg. Only keys present in the
// profile are written; call cfg.LoadFromEnv afterwards so environment
// variables keep the last word.
func (p *Profile) Apply(cfg *core.Config) {
	v := p.v

	setString(v, "tier", &cfg.Tier)
	setString(v, "redis_url", &cfg.RedisURL)
	setString(v, "nats_url", &cfg.NATSURL)
	setString(v, "workflows_dir", &cfg.WorkflowsDir)

	setString(v, "database.url", &cfg.Database.URL)
	setString(v, "database.backend", &cfg.Database.Backend)
	if v.IsSet("database.url") && !v.IsSet("database.backend") {
		if strings.HasPrefix(cfg.Database.URL, "postgres") {
			cfg.Database.Backend = "postgres"
		} else {
			cfg.Database.Backend = "sqlite"
		}
	}

	setInt(v, "api.port", &cfg.API.Port)
	if v.IsSet("api.cors_origins") {
		cfg.API.CORSOrigins = v.GetStringSlice("api.cors_origins")
	}
	if v.IsSet("api.dev_mode") {
		cfg.API.DevMode = v.GetBool("api.dev_mode")
	}

	setString(v, "scheduler.backend", &cfg.Scheduler.Backend)
	setDuration(v, "scheduler.tick_interval", &cfg.Scheduler.TickInterval)
	setInt(v, "scheduler.batch_size", &cfg.Scheduler.BatchSize)

	setString(v, "cache.backend", &cfg.Cache.Backend)

	setString(v, "worker.backend", &cfg.Worker.Backend)
	setInt(v, "worker.max_workers", &cfg.Worker.MaxWorkers)
	setInt(v, "worker.max_concurrency", &cfg.Worker.MaxConcurrency)
	setDuration(v, "worker.default_timeout", &cfg.Worker.DefaultTimeout)

	setString(v, "metrics.backend", &cfg.Metrics.Backend)
	setString(v, "tracing.backend", &cfg.Tracing.Backend)
	setString(v, "tracing.endpoint", &cfg.Tracing.Endpoint)

	setString(v, "logging.level", &cfg.Logging.Level)
	setString(v, "logging.format", &cfg.Logging.Format)

	setInt(v, "retry.max_retries", &cfg.Retry.MaxRetries)
	setDuration(v, "retry.initial_delay", &cfg.Retry.InitialDelay)
	setDuration(v, "retry.max_delay", &cfg.Retry.MaxDelay)
	if v.IsSet("retry.factor") {
		cfg.Retry.Factor = v.GetFloat64("retry.factor")
	}
	if v.IsSet("retry.jitter") {
		cfg.Retry.Jitter = v.GetBool("retry.jitter")
	}
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}
